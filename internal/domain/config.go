package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Evaluation settings
	Evaluation EvaluationConfig `json:"evaluation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EvaluationConfig tunes the eligibility pipeline.
type EvaluationConfig struct {
	// MaxWorkers bounds concurrent requirement evaluation per case.
	MaxWorkers int `json:"maxWorkers"`

	// EscalationThreshold is the rule-engine confidence below which a
	// verdict is escalated to human review.
	EscalationThreshold float64 `json:"escalationThreshold"`

	// ConfidenceAdjustment scales the aggregated verdict confidence.
	// Zero means unset and defaults to 1.0 — never silently zero.
	ConfidenceAdjustment float64 `json:"confidenceAdjustment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Evaluation: EvaluationConfig{
			MaxWorkers:           10,
			EscalationThreshold:  0.7,
			ConfidenceAdjustment: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
