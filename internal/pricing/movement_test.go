package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEligibleRequiresVolumeFreshWeightAndNoFreeze(t *testing.T) {
	cfg := DefaultConfig()
	if !Eligible(cfg, 5, 5, false) {
		t.Fatalf("expected 5/5 unfrozen to be eligible")
	}
	if Eligible(cfg, 4.99, 5, false) {
		t.Fatalf("expected low total to be ineligible")
	}
	if Eligible(cfg, 12, 4.5, false) {
		t.Fatalf("expected low since-last-move to be ineligible")
	}
	if Eligible(cfg, 50, 50, true) {
		t.Fatalf("expected frozen brick to be ineligible")
	}
}

func TestAnchorAndMoveSign(t *testing.T) {
	fair := Range{Lower: decimal.NewFromInt(95), Upper: decimal.NewFromInt(105)}

	if anchor := Anchor(DirectionUp, fair); !anchor.Equal(fair.Upper) {
		t.Fatalf("expected upper bound for UP, got %s", anchor)
	}
	if anchor := Anchor(DirectionDown, fair); !anchor.Equal(fair.Lower) {
		t.Fatalf("expected lower bound for DOWN, got %s", anchor)
	}
	if anchor := Anchor(DirectionNone, fair); !anchor.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected midpoint for NONE, got %s", anchor)
	}
	if MoveSign(DirectionUp) != 1 || MoveSign(DirectionDown) != -1 || MoveSign(DirectionNone) != 0 {
		t.Fatalf("unexpected move signs")
	}
}

func TestIntensityMultiplierRange(t *testing.T) {
	baseStep := decimal.NewFromInt(10)

	flat := Intensity(Sentiment{PFair: 1}, 1, baseStep)
	if flat.Multiplier != 1 || !flat.RawStep.Equal(baseStep) {
		t.Fatalf("expected multiplier 1 without directional share, got %+v", flat)
	}

	full := Intensity(Sentiment{POver: 1}, 1, baseStep)
	if full.Multiplier != 3 || !full.RawStep.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected multiplier 3 at full intensity, got %+v", full)
	}
}

func TestApplyCapsNeverBelowBaseStepAndIntegral(t *testing.T) {
	cfg := DefaultConfig()
	inputs := []CapInput{
		{RawStep: decimal.NewFromInt(0), BaseStep: decimal.NewFromInt(10), Anchor: decimal.NewFromInt(157), WeightedTotal: 0, Confidence: 0},
		{RawStep: decimal.NewFromFloat(13.7), BaseStep: decimal.NewFromInt(10), Anchor: decimal.NewFromInt(1), WeightedTotal: 60, Confidence: 1},
		{RawStep: decimal.NewFromFloat(222.2), BaseStep: decimal.NewFromInt(75), Anchor: decimal.NewFromInt(5000), WeightedTotal: 80, Confidence: 1, Catchup: true},
		{RawStep: decimal.NewFromFloat(4.49), BaseStep: decimal.NewFromInt(3), Anchor: decimal.NewFromInt(40), WeightedTotal: 19, Confidence: 0.38},
	}
	for _, input := range inputs {
		step := ApplyCaps(cfg, input)
		if step.LessThan(input.BaseStep) {
			t.Fatalf("step %s below base step %s for %+v", step, input.BaseStep, input)
		}
		if !step.Equal(step.Truncate(0)) {
			t.Fatalf("step %s is not a whole amount", step)
		}
	}
}

func TestApplyCapsOrder(t *testing.T) {
	cfg := DefaultConfig()

	// early ramp: total 10 of 20 gives 1.25x base step = 12.5, rounds to 13
	early := ApplyCaps(cfg, CapInput{
		RawStep:       decimal.NewFromInt(30),
		BaseStep:      decimal.NewFromInt(10),
		Anchor:        decimal.NewFromInt(1000),
		WeightedTotal: 10,
		Confidence:    0.2,
	})
	if !early.Equal(decimal.NewFromInt(13)) {
		t.Fatalf("expected early ramp cap 13, got %s", early)
	}

	// dynamic cap: mid tier at confidence 0.5 is 5% of 400 = 20
	dynamic := ApplyCaps(cfg, CapInput{
		RawStep:       decimal.NewFromInt(24),
		BaseStep:      decimal.NewFromInt(10),
		Anchor:        decimal.NewFromInt(400),
		WeightedTotal: 25,
		Confidence:    0.5,
	})
	if !dynamic.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected dynamic cap 20, got %s", dynamic)
	}

	// absolute cap clamps large anchors
	absolute := ApplyCaps(cfg, CapInput{
		RawStep:       decimal.NewFromInt(225),
		BaseStep:      decimal.NewFromInt(75),
		Anchor:        decimal.NewFromInt(100000),
		WeightedTotal: 60,
		Confidence:    1,
	})
	if !absolute.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected absolute cap 80, got %s", absolute)
	}
}

func TestNextPriceNeverNegative(t *testing.T) {
	next := NextPrice(decimal.NewFromInt(2), DirectionDown, decimal.NewFromInt(3))
	if !next.IsZero() {
		t.Fatalf("expected price to floor at zero, got %s", next)
	}
	next = NextPrice(decimal.NewFromFloat(157.5), DirectionUp, decimal.NewFromInt(15))
	if !next.Equal(decimal.NewFromFloat(172.5)) {
		t.Fatalf("expected 172.5, got %s", next)
	}
}

func TestHandleMomentum(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name      string
		current   int
		direction Direction
		didMove   bool
		momentum  int
	}{
		{name: "opposite spends momentum", current: -1, direction: DirectionUp, didMove: false, momentum: 0},
		{name: "fresh up", current: 0, direction: DirectionUp, didMove: true, momentum: 1},
		{name: "fresh down", current: 0, direction: DirectionDown, didMove: true, momentum: -1},
		{name: "clamped at max", current: 2, direction: DirectionUp, didMove: true, momentum: 2},
		{name: "clamped at min", current: -2, direction: DirectionDown, didMove: true, momentum: -2},
		{name: "strong opposite", current: 2, direction: DirectionDown, didMove: false, momentum: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := HandleMomentum(cfg, test.current, test.direction)
			if result.DidMove != test.didMove || result.Momentum != test.momentum {
				t.Fatalf("expected {%v %d}, got %+v", test.didMove, test.momentum, result)
			}
		})
	}
}

func TestMomentumStaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	momentum := 0
	directions := []Direction{DirectionUp, DirectionUp, DirectionUp, DirectionUp, DirectionDown, DirectionDown, DirectionDown, DirectionDown, DirectionDown, DirectionDown, DirectionDown}
	for _, direction := range directions {
		momentum = HandleMomentum(cfg, momentum, direction).Momentum
		if momentum < cfg.MomentumMin || momentum > cfg.MomentumMax {
			t.Fatalf("momentum %d left range", momentum)
		}
	}
	if DecayMomentum(cfg, 2) != 1 || DecayMomentum(cfg, -1) != 0 || DecayMomentum(cfg, 0) != 0 {
		t.Fatalf("unexpected decay results")
	}
}
