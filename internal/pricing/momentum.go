package pricing

// MomentumResult reports whether a candidate move goes ahead and the new momentum score.
type MomentumResult struct {
	DidMove  bool
	Momentum int
}

// HandleMomentum suppresses a move that opposes stored momentum, spending one unit of
// that momentum instead. An unopposed move proceeds and pushes momentum toward its direction.
func HandleMomentum(cfg Config, current int, direction Direction) MomentumResult {
	if direction == DirectionNone {
		return MomentumResult{DidMove: false, Momentum: clampMomentum(cfg, current)}
	}
	sign := int(direction)

	if current != 0 && (current > 0) != (sign > 0) {
		return MomentumResult{DidMove: false, Momentum: clampMomentum(cfg, current+sign)}
	}
	return MomentumResult{DidMove: true, Momentum: clampMomentum(cfg, current+sign)}
}

// DecayMomentum moves the score one step toward zero.
func DecayMomentum(cfg Config, current int) int {
	switch {
	case current > 0:
		return clampMomentum(cfg, current-1)
	case current < 0:
		return clampMomentum(cfg, current+1)
	default:
		return 0
	}
}

func clampMomentum(cfg Config, value int) int {
	if value < cfg.MomentumMin {
		return cfg.MomentumMin
	}
	if value > cfg.MomentumMax {
		return cfg.MomentumMax
	}
	return value
}
