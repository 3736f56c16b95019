package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/auth"
	"github.com/MarcoPoloResearchLab/brickprice/internal/database"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "BRICKPRICE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = database.DriverSQLite
	defaultDatabasePath       = "brickprice.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultWorkerInterval     = time.Minute
	defaultWorkerBatchSize    = 500
	defaultRateLimitPerMinute = 20
)

// AppConfig captures runtime configuration for the API server and the workers.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	LogFormat            string
	SessionSigningSecret string
	SessionIssuer        string
	WorkerInterval       time.Duration
	WorkerBatchSize      int
	RateLimitPerMinute   int
	Pricing              pricing.Config
}

// DatabaseOptions returns the options used to open the configured database.
func (c AppConfig) DatabaseOptions() database.Options {
	return database.Options{
		Driver: c.DatabaseDriver,
		Path:   c.DatabasePath,
		DSN:    c.DatabaseDSN,
	}
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", auth.DefaultSessionIssuer)
	configViper.SetDefault("worker.interval", defaultWorkerInterval)
	configViper.SetDefault("worker.batch_size", defaultWorkerBatchSize)
	configViper.SetDefault("worker.rate_limit_per_minute", defaultRateLimitPerMinute)
}

// Load parses runtime configuration from viper for commands that serve HTTP.
func Load(configViper *viper.Viper) (AppConfig, error) {
	return load(configViper, true)
}

// LoadWorker parses configuration for commands that never serve HTTP, so no session secret is required.
func LoadWorker(configViper *viper.Viper) (AppConfig, error) {
	return load(configViper, false)
}

func load(configViper *viper.Viper, requireSession bool) (AppConfig, error) {
	pricingConfig, err := loadPricing(configViper)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		WorkerInterval:       configViper.GetDuration("worker.interval"),
		WorkerBatchSize:      configViper.GetInt("worker.batch_size"),
		RateLimitPerMinute:   configViper.GetInt("worker.rate_limit_per_minute"),
		Pricing:              pricingConfig,
	}

	if err := cfg.validate(requireSession); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate(requireSession bool) error {
	if requireSession && strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case database.DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case database.DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", database.DriverSQLite, database.DriverPostgres)
	}
	if c.WorkerInterval <= 0 {
		return fmt.Errorf("worker.interval must be positive")
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("worker.rate_limit_per_minute must not be negative")
	}
	return c.Pricing.Validate()
}

type priceTierValue struct {
	Min      float64 `mapstructure:"min"`
	BaseStep float64 `mapstructure:"base_step"`
}

// loadPricing starts from the production pricing defaults and applies every pricing.* key that is set.
func loadPricing(configViper *viper.Viper) (pricing.Config, error) {
	cfg := pricing.DefaultConfig()

	floats := map[string]*float64{
		"pricing.fair_range_pct":                  &cfg.FairRangePct,
		"pricing.min_weighted_total_for_move":     &cfg.MinWeightedTotalForMove,
		"pricing.move_batch_size_weighted":        &cfg.MoveBatchSizeWeighted,
		"pricing.n_full_confidence":               &cfg.NFullConfidence,
		"pricing.catchup_max_pct":                 &cfg.CatchupMaxPct,
		"pricing.early_ramp_max_mult":             &cfg.EarlyRampMaxMult,
		"pricing.early_ramp_weighted_limit":       &cfg.EarlyRampWeightedLimit,
		"pricing.cycle_reset_move_pct":            &cfg.CycleResetMovePct,
		"pricing.cycle_reset_min_weighted":        &cfg.CycleResetMinWeighted,
		"pricing.freeze_fair_pct":                 &cfg.FreezeFairPct,
		"pricing.freeze_min_weighted_total":       &cfg.FreezeMinWeightedTotal,
		"pricing.weak_participation_max_weighted": &cfg.WeakParticipationMaxWeighted,
		"pricing.conflict_max_fair":               &cfg.ConflictMaxFair,
		"pricing.conflict_min_side":               &cfg.ConflictMinSide,
		"pricing.credit_regain_move_pct":          &cfg.CreditRegainMovePct,
		"pricing.catchup_min_weighted_total":      &cfg.CatchupMinWeightedTotal,
		"pricing.catchup_min_dominant_pct":        &cfg.CatchupMinDominantPct,
		"pricing.catchup_w10_threshold":           &cfg.CatchupW10Threshold,
		"pricing.catchup_w20_threshold":           &cfg.CatchupW20Threshold,
		"pricing.min_weight":                      &cfg.MinWeight,
		"pricing.max_weight":                      &cfg.MaxWeight,
		"pricing.age_weight_full_days":            &cfg.AgeWeightFullDays,
		"pricing.age_weight_floor":                &cfg.AgeWeightFloor,
		"pricing.cap_low.min":                     &cfg.CapLow.Min,
		"pricing.cap_low.max":                     &cfg.CapLow.Max,
		"pricing.cap_mid.min":                     &cfg.CapMid.Min,
		"pricing.cap_mid.max":                     &cfg.CapMid.Max,
		"pricing.cap_high.min":                    &cfg.CapHigh.Min,
		"pricing.cap_high.max":                    &cfg.CapHigh.Max,
	}
	for key, target := range floats {
		if configViper.IsSet(key) {
			*target = configViper.GetFloat64(key)
		}
	}

	ints := map[string]*int{
		"pricing.cycle_reset_min_unique":    &cfg.CycleResetMinUnique,
		"pricing.freeze_duration_days_min":  &cfg.FreezeDurationDaysMin,
		"pricing.freeze_duration_days_max":  &cfg.FreezeDurationDaysMax,
		"pricing.vote_credits_max":          &cfg.VoteCreditsMax,
		"pricing.momentum_min":              &cfg.MomentumMin,
		"pricing.momentum_max":              &cfg.MomentumMax,
		"pricing.catchup_min_unique_voters": &cfg.CatchupMinUniqueVoters,
		"pricing.catchup_cluster_max_ips":   &cfg.CatchupClusterMaxIPs,
		"pricing.xp_per_vote":               &cfg.XPPerVote,
	}
	for key, target := range ints {
		if configViper.IsSet(key) {
			*target = configViper.GetInt(key)
		}
	}

	durations := map[string]*time.Duration{
		"pricing.stale_confidence_after":   &cfg.StaleConfidenceAfter,
		"pricing.weak_participation_after": &cfg.WeakParticipationAfter,
		"pricing.catchup_cluster_window":   &cfg.CatchupClusterWindow,
	}
	for key, target := range durations {
		if configViper.IsSet(key) {
			*target = configViper.GetDuration(key)
		}
	}

	decimals := map[string]*decimal.Decimal{
		"pricing.absolute_cap_dollars":  &cfg.AbsoluteCapDollars,
		"pricing.cap_low_max_base_step": &cfg.CapLowMaxBaseStep,
		"pricing.cap_mid_max_base_step": &cfg.CapMidMaxBaseStep,
	}
	for key, target := range decimals {
		if !configViper.IsSet(key) {
			continue
		}
		value, err := decimal.NewFromString(configViper.GetString(key))
		if err != nil {
			return pricing.Config{}, fmt.Errorf("%s: %w", key, err)
		}
		*target = value
	}

	trustTiers := map[string]pricing.TrustTier{
		"untrusted": pricing.TrustTierUntrusted,
		"probation": pricing.TrustTierProbation,
		"neutral":   pricing.TrustTierNeutral,
		"reliable":  pricing.TrustTierReliable,
		"proven":    pricing.TrustTierProven,
	}
	for name, tier := range trustTiers {
		key := "pricing.trust_multiplier." + name
		if configViper.IsSet(key) {
			cfg.TrustTierMultipliers[tier] = configViper.GetFloat64(key)
		}
	}

	behaviors := map[string]pricing.BehaviorState{
		"normal":     pricing.BehaviorNormal,
		"suspect":    pricing.BehaviorSuspect,
		"restricted": pricing.BehaviorRestricted,
	}
	for name, behavior := range behaviors {
		key := "pricing.behavior_multiplier." + name
		if configViper.IsSet(key) {
			cfg.BehaviorMultipliers[behavior] = configViper.GetFloat64(key)
		}
	}

	if configViper.IsSet("pricing.price_tiers") {
		var tiers []priceTierValue
		if err := configViper.UnmarshalKey("pricing.price_tiers", &tiers); err != nil {
			return pricing.Config{}, fmt.Errorf("pricing.price_tiers: %w", err)
		}
		cfg.PriceTiers = make([]pricing.PriceTier, 0, len(tiers))
		for _, tier := range tiers {
			cfg.PriceTiers = append(cfg.PriceTiers, pricing.PriceTier{
				Min:      decimal.NewFromFloat(tier.Min),
				BaseStep: decimal.NewFromFloat(tier.BaseStep),
			})
		}
	}

	return cfg, nil
}
