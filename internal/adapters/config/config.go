package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/selivandex/decision-engine/pkg/errs"
)

// Config represents application configuration
type Config struct {
	AI         AIConfig         `envconfig:"AI"`
	Analysts   AnalystsConfig   `envconfig:"ANALYSTS"`
	Judge      JudgeConfig      `envconfig:"JUDGE"`
	Risk       RiskConfig       `envconfig:"RISK"`
	Engine     EngineConfig     `envconfig:"ENGINE"`
	Exchange   ExchangeConfig   `envconfig:"EXCHANGE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Database   DatabaseConfig   `envconfig:"DB"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	Logging    LoggingConfig    `envconfig:"LOG"`
}

// AIConfig configures the generation gateway and its providers
type AIConfig struct {
	Primary       string        `envconfig:"PRIMARY" default:"claude"`
	Hybrid        bool          `envconfig:"HYBRID" default:"true"`
	CallTimeout   time.Duration `envconfig:"CALL_TIMEOUT" default:"60s"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	CacheCapacity int           `envconfig:"CACHE_CAPACITY" default:"256"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
	SharedCache   bool          `envconfig:"SHARED_CACHE" default:"false"`

	Claude ProviderConfig `envconfig:"CLAUDE"`
	OpenAI ProviderConfig `envconfig:"OPENAI"`
}

// ProviderConfig represents single AI provider configuration
type ProviderConfig struct {
	APIKey   string `envconfig:"API_KEY"`
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Model    string `envconfig:"MODEL"`
	BaseURL  string `envconfig:"BASE_URL"`
	JSONMode string `envconfig:"JSON_MODE" default:"json_schema"`
}

// AnalystsConfig configures the analyst fan-out
type AnalystsConfig struct {
	Roster          []string      `envconfig:"ROSTER" default:"conservative,aggressive,swing,contrarian"`
	Strategy        string        `envconfig:"STRATEGY" default:"combined"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBase       time.Duration `envconfig:"RETRY_BASE" default:"2s"`
	CallTimeout     time.Duration `envconfig:"CALL_TIMEOUT" default:"60s"`
	FallbackTimeout time.Duration `envconfig:"FALLBACK_TIMEOUT" default:"45s"`
	Temperature     float64       `envconfig:"TEMPERATURE" default:"0.4"`
	MaxTokens       int           `envconfig:"MAX_TOKENS" default:"2048"`
}

// JudgeConfig configures arbitration and decision assembly
type JudgeConfig struct {
	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBase           time.Duration `envconfig:"RETRY_BASE" default:"2s"`
	CallTimeout         time.Duration `envconfig:"CALL_TIMEOUT" default:"60s"`
	MaxWarnings         int           `envconfig:"MAX_WARNINGS" default:"10"`
	AbsoluteMaxLeverage float64       `envconfig:"ABSOLUTE_MAX_LEVERAGE" default:"10"`
	HighRiskLeverage    float64       `envconfig:"HIGH_RISK_LEVERAGE" default:"8"`
	Temperature         float64       `envconfig:"TEMPERATURE" default:"0.2"`
	MaxTokens           int           `envconfig:"MAX_TOKENS" default:"1536"`
}

// RiskConfig represents risk management parameters
type RiskConfig struct {
	// Anti-churn
	Cooldown             time.Duration `envconfig:"COOLDOWN" default:"15m"`
	FlipCooldown         time.Duration `envconfig:"FLIP_COOLDOWN" default:"60m"`
	MaxTradesPerHour     int           `envconfig:"MAX_TRADES_PER_HOUR" default:"2"`
	DailyTradeLimit      int           `envconfig:"DAILY_TRADE_LIMIT" default:"20"`
	MaxTrackedSymbols    int           `envconfig:"MAX_TRACKED_SYMBOLS" default:"500"`
	HysteresisMultiplier float64       `envconfig:"HYSTERESIS_MULTIPLIER" default:"1.2"`
	FundingPeriodsPerDay float64       `envconfig:"FUNDING_PERIODS_PER_DAY" default:"3"`
	FundingCoefficient   float64       `envconfig:"FUNDING_COEFFICIENT" default:"0.1"`

	// Circuit breaker
	CircuitTTL          time.Duration `envconfig:"CIRCUIT_TTL" default:"60s"`
	ReferenceSymbol     string        `envconfig:"CIRCUIT_REFERENCE_SYMBOL" default:"BTC/USDT"`
	DropWindow          time.Duration `envconfig:"CIRCUIT_DROP_WINDOW" default:"4h"`
	DropYellow          float64       `envconfig:"CIRCUIT_DROP_YELLOW" default:"5"`
	DropOrange          float64       `envconfig:"CIRCUIT_DROP_ORANGE" default:"8"`
	DropRed             float64       `envconfig:"CIRCUIT_DROP_RED" default:"12"`
	FundingBasket       []string      `envconfig:"CIRCUIT_FUNDING_BASKET" default:"BTC/USDT:USDT,ETH/USDT:USDT,SOL/USDT:USDT"`
	FundingYellow       float64       `envconfig:"CIRCUIT_FUNDING_YELLOW" default:"0.001"`
	FundingOrange       float64       `envconfig:"CIRCUIT_FUNDING_ORANGE" default:"0.002"`
	FundingRed          float64       `envconfig:"CIRCUIT_FUNDING_RED" default:"0.003"`
	LatencyYellow       time.Duration `envconfig:"CIRCUIT_LATENCY_YELLOW" default:"2s"`
	LatencyOrange       time.Duration `envconfig:"CIRCUIT_LATENCY_ORANGE" default:"5s"`
	LatencyRed          time.Duration `envconfig:"CIRCUIT_LATENCY_RED" default:"10s"`
	ProbeTimeout        time.Duration `envconfig:"CIRCUIT_PROBE_TIMEOUT" default:"12s"`
	StandingMaxLeverage float64       `envconfig:"STANDING_MAX_LEVERAGE" default:"5"`

	// Leverage calculator
	LeverageBase           int     `envconfig:"LEVERAGE_BASE" default:"5"`
	LeverageMin            int     `envconfig:"LEVERAGE_MIN" default:"3"`
	LeverageMax            int     `envconfig:"LEVERAGE_MAX" default:"10"`
	HighAdverseFunding     float64 `envconfig:"HIGH_ADVERSE_FUNDING" default:"0.001"`
	ModerateAdverseFunding float64 `envconfig:"MODERATE_ADVERSE_FUNDING" default:"0.0005"`
	MaintenanceMarginRate  float64 `envconfig:"MAINTENANCE_MARGIN_RATE" default:"0.004"`

	// Audit
	EventRetention time.Duration `envconfig:"EVENT_RETENTION" default:"720h"`
}

// EngineConfig configures the decision cycle
type EngineConfig struct {
	Symbols           []string      `envconfig:"SYMBOLS" default:"BTC/USDT,ETH/USDT,SOL/USDT"`
	CycleInterval     time.Duration `envconfig:"CYCLE_INTERVAL" default:"15m"`
	TournamentTimeout time.Duration `envconfig:"TOURNAMENT_TIMEOUT" default:"90s"`
	PersistTimeout    time.Duration `envconfig:"PERSIST_TIMEOUT" default:"10s"`
	HealthPort        string        `envconfig:"HEALTH_PORT" default:"8080"`
	MigrationsPath    string        `envconfig:"MIGRATIONS_PATH" default:"migrations/postgres"`
}

// ExchangeConfig represents the market probe exchange
type ExchangeConfig struct {
	APIKey    string `envconfig:"API_KEY"`
	Secret    string `envconfig:"SECRET"`
	Testnet   bool   `envconfig:"TESTNET" default:"false"`
	Timeframe string `envconfig:"TIMEFRAME" default:"1h"`
	Candles   int    `envconfig:"CANDLES" default:"100"`
}

// RedisConfig represents redis connection parameters
type RedisConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"false"`
	Host     string        `envconfig:"HOST" default:"localhost"`
	Port     int           `envconfig:"PORT" default:"6379"`
	Password string        `envconfig:"PASSWORD"`
	DB       int           `envconfig:"DB" default:"0"`
	LockTTL  time.Duration `envconfig:"LOCK_TTL" default:"10s"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"5432"`
	Name     string `envconfig:"NAME" default:"decisions"`
	User     string `envconfig:"USER" default:"engine"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"5m"`
}

// GetDSN returns the postgres connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// ClickHouseConfig represents clickhouse connection parameters
type ClickHouseConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"false"`
	Host          string        `envconfig:"HOST" default:"localhost"`
	Port          int           `envconfig:"PORT" default:"9000"`
	Database      string        `envconfig:"DATABASE" default:"engine"`
	User          string        `envconfig:"USER" default:"default"`
	Password      string        `envconfig:"PASSWORD"`
	BatchSize     int           `envconfig:"BATCH_SIZE" default:"100"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"10s"`
}

// GetDSN returns the clickhouse connection string
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// TelegramConfig represents Telegram bot configuration
type TelegramConfig struct {
	Enabled          bool   `envconfig:"ENABLED" default:"false"`
	BotToken         string `envconfig:"BOT_TOKEN"`
	ChatID           int64  `envconfig:"CHAT_ID"`
	AlertOnDecisions bool   `envconfig:"ALERT_ON_DECISIONS" default:"true"`
	AlertOnDenials   bool   `envconfig:"ALERT_ON_DENIALS" default:"true"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	File       string `envconfig:"FILE" default:"logs/engine.log"`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `envconfig:"MAX_AGE_DAYS" default:"14"`
}

// Load reads configuration from environment variables, after an optional .env file
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if !c.AI.Claude.Enabled && !c.AI.OpenAI.Enabled {
		return errs.Config("AI", "at least one AI provider must be enabled")
	}
	if c.AI.Claude.Enabled && c.AI.Claude.APIKey == "" {
		return errs.Config("AI_CLAUDE_API_KEY", "required when claude is enabled")
	}
	if c.AI.OpenAI.Enabled && c.AI.OpenAI.APIKey == "" {
		return errs.Config("AI_OPENAI_API_KEY", "required when openai is enabled")
	}
	if c.AI.CacheCapacity <= 0 {
		return errs.Config("AI_CACHE_CAPACITY", "must be positive, got %d", c.AI.CacheCapacity)
	}
	if len(c.Analysts.Roster) == 0 {
		return errs.Config("ANALYSTS_ROSTER", "at least one analyst is required")
	}
	if c.Analysts.MaxAttempts < 1 || c.Judge.MaxAttempts < 1 {
		return errs.Config("MAX_ATTEMPTS", "analyst and judge attempts must be at least 1")
	}
	if c.Judge.MaxWarnings < 1 {
		return errs.Config("JUDGE_MAX_WARNINGS", "must be at least 1")
	}

	if err := finitePositive("JUDGE_ABSOLUTE_MAX_LEVERAGE", c.Judge.AbsoluteMaxLeverage); err != nil {
		return err
	}
	if err := finitePositive("JUDGE_HIGH_RISK_LEVERAGE", c.Judge.HighRiskLeverage); err != nil {
		return err
	}
	if err := finitePositive("RISK_STANDING_MAX_LEVERAGE", c.Risk.StandingMaxLeverage); err != nil {
		return err
	}
	if c.Risk.LeverageMin < 1 || c.Risk.LeverageMin > c.Risk.LeverageMax {
		return errs.Config("RISK_LEVERAGE_MIN", "leverage band [%d,%d] is invalid", c.Risk.LeverageMin, c.Risk.LeverageMax)
	}
	if float64(c.Risk.LeverageMax) > c.Judge.AbsoluteMaxLeverage {
		return errs.Config("RISK_LEVERAGE_MAX", "%d exceeds absolute max %.0f", c.Risk.LeverageMax, c.Judge.AbsoluteMaxLeverage)
	}
	if !(c.Risk.HysteresisMultiplier > 1) || math.IsInf(c.Risk.HysteresisMultiplier, 0) {
		return errs.Config("RISK_HYSTERESIS_MULTIPLIER", "must be a finite value above 1")
	}
	if c.Risk.DailyTradeLimit < 1 || c.Risk.MaxTradesPerHour < 1 {
		return errs.Config("RISK_DAILY_TRADE_LIMIT", "trade limits must be at least 1")
	}
	if !(c.Risk.DropYellow < c.Risk.DropOrange && c.Risk.DropOrange < c.Risk.DropRed) {
		return errs.Config("RISK_CIRCUIT_DROP", "thresholds must escalate yellow < orange < red")
	}

	if c.Risk.ProbeTimeout <= c.Risk.LatencyRed {
		return errs.Config("RISK_CIRCUIT_PROBE_TIMEOUT", "%s must exceed the red latency %s", c.Risk.ProbeTimeout, c.Risk.LatencyRed)
	}

	if c.Database.Enabled && (c.Database.MaxOpenConns < 1 || c.Database.MaxIdleConns > c.Database.MaxOpenConns) {
		return errs.Config("DB_MAX_OPEN_CONNS", "pool of %d open / %d idle is invalid", c.Database.MaxOpenConns, c.Database.MaxIdleConns)
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return errs.Config("TELEGRAM", "bot token and chat id are required when enabled")
	}

	return nil
}

func finitePositive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return errs.Config(field, "must be finite and positive, got %v", v)
	}
	return nil
}
