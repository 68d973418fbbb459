// Package config loads environment-driven settings for the trading runtime.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StrengthMultipliers maps a confluence strength bucket to a Kelly multiplier.
type StrengthMultipliers struct {
	Weak        float64
	Moderate    float64
	Strong      float64
	VeryStrong  float64
}

// Config holds every environment-driven knob the runtime reads at startup.
type Config struct {
	Port string

	DBPath        string
	EncryptionKey string // 32 raw bytes, hex or base64 depending on deployment
	JWTSecret     string

	UseMockFeed bool

	// Release gating (§4.16 startup gate).
	ProductionMode          bool
	OrderExecutionEnabled   bool
	AsyncEventWriterEnabled bool
	PersistTickEvents       bool
	ReleaseReadiness        string // BETA | PROD_READY

	// Confluence / signal thresholds.
	MinConfluenceType string // NONE|SINGLE|DOUBLE|TRIPLE
	MinWinProb        float64
	MinKelly          float64
	KellyFraction     float64
	KellyCap          float64
	Strength          StrengthMultipliers

	// Sizing budgets (log-return space; negative by convention for losses).
	PortfolioBudget float64 // L_port
	SymbolBudget    float64 // L_sym
	PositionBudget  float64 // L_pos

	// Utility-asymmetry gate (§4.5).
	AdvantageRatio  float64 // λ
	UtilityAlpha    float64 // α
	UtilityBeta     float64 // β

	// Velocity (§4.7 constraint 7).
	VelocityGamma float64
	VelocityMin   float64

	// Rebuy structural gate (§4.7).
	ReentrySpacingATR float64

	// Exit / time config.
	MaxHoldDays        int
	ExitCooldown       time.Duration
	MarketCloseGuard   time.Duration // final N minutes before close excluded for target/manual

	// Trailing stop (§4.11).
	TrailingActivationPct float64 // favorable move required before trailing activates
	TrailingDistancePct   float64 // stop distance behind the running extremum

	// Exit detector brick-movement filter (§4.11): minimum relative move from
	// the last attempted exit price for a symbol/direction before another
	// exit attempt is confirmed.
	BrickFilterPct float64

	// Reconciliation.
	ReconcileInterval    time.Duration
	PendingTimeout       time.Duration
	BrokerCallConcurrency int

	// Broadcast hub.
	HubBatchInterval time.Duration
	HubBatchMax      int

	// Tick cache.
	DedupeWindow    time.Duration
	StaleFeedWindow time.Duration

	// Symbol universe seed file (YAML), see pkg/config/seed.go.
	SeedPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "./data/engine.db")

	return &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        dbPath,
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),

		UseMockFeed: getEnv("USE_MOCK_FEED", "true") == "true",

		ProductionMode:          getEnv("PRODUCTION_MODE", "false") == "true",
		OrderExecutionEnabled:   getEnv("ORDER_EXECUTION_ENABLED", "true") == "true",
		AsyncEventWriterEnabled: getEnv("ASYNC_EVENT_WRITER_ENABLED", "true") == "true",
		PersistTickEvents:       getEnv("PERSIST_TICK_EVENTS", "false") == "true",
		ReleaseReadiness:        getEnv("RELEASE_READINESS", "BETA"),

		MinConfluenceType: getEnv("MIN_CONFLUENCE_TYPE", "DOUBLE"),
		MinWinProb:        getEnvFloat("MIN_WIN_PROB", 0.55),
		MinKelly:          getEnvFloat("MIN_KELLY", 0.02),
		KellyFraction:     getEnvFloat("KELLY_FRACTION", 0.5),
		KellyCap:          getEnvFloat("KELLY_CAP", 0.25),
		Strength: StrengthMultipliers{
			Weak:       getEnvFloat("STRENGTH_MULT_WEAK", 0.5),
			Moderate:   getEnvFloat("STRENGTH_MULT_MODERATE", 0.75),
			Strong:     getEnvFloat("STRENGTH_MULT_STRONG", 1.0),
			VeryStrong: getEnvFloat("STRENGTH_MULT_VERY_STRONG", 1.2),
		},

		PortfolioBudget: getEnvFloat("PORTFOLIO_BUDGET", -0.10),
		SymbolBudget:    getEnvFloat("SYMBOL_BUDGET", -0.04),
		PositionBudget:  getEnvFloat("POSITION_BUDGET", -0.02),

		AdvantageRatio: getEnvFloat("ADVANTAGE_RATIO", 3.0),
		UtilityAlpha:   getEnvFloat("UTILITY_ALPHA", 0.6),
		UtilityBeta:    getEnvFloat("UTILITY_BETA", 1.4),

		VelocityGamma: getEnvFloat("VELOCITY_GAMMA", 2.0),
		VelocityMin:   getEnvFloat("VELOCITY_MIN", 0.10),

		ReentrySpacingATR: getEnvFloat("REENTRY_SPACING_ATR", 2.0),

		MaxHoldDays:      getEnvInt("MAX_HOLD_DAYS", 5),
		ExitCooldown:     time.Duration(getEnvInt("EXIT_COOLDOWN_SECONDS", 30)) * time.Second,
		MarketCloseGuard: time.Duration(getEnvInt("MARKET_CLOSE_GUARD_MINUTES", 15)) * time.Minute,

		TrailingActivationPct: getEnvFloat("TRAILING_ACTIVATION_PCT", 0.02),
		TrailingDistancePct:   getEnvFloat("TRAILING_DISTANCE_PCT", 0.01),
		BrickFilterPct:        getEnvFloat("BRICK_FILTER_PCT", 0.002),

		ReconcileInterval:     time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second,
		PendingTimeout:        time.Duration(getEnvInt("PENDING_TIMEOUT_MINUTES", 10)) * time.Minute,
		BrokerCallConcurrency: getEnvInt("BROKER_CALL_CONCURRENCY", 5),

		HubBatchInterval: time.Duration(getEnvInt("HUB_BATCH_INTERVAL_MS", 100)) * time.Millisecond,
		HubBatchMax:      getEnvInt("HUB_BATCH_MAX", 2000),

		DedupeWindow:    time.Duration(getEnvInt("DEDUPE_WINDOW_SECONDS", 60)) * time.Second,
		StaleFeedWindow: time.Duration(getEnvInt("STALE_FEED_SECONDS", 300)) * time.Second,

		SeedPath: getEnv("SEED_PATH", "./config/seed.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
