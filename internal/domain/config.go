package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Decision engine tunables
	Scoring     ScoringConfig     `json:"scoring" yaml:"scoring"`
	Suggestions SuggestionsConfig `json:"suggestions" yaml:"suggestions"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Analyst     AnalystConfig     `json:"analyst" yaml:"analyst"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// ScoringConfig parameterizes the core fraud rules and the ingest worker.
type ScoringConfig struct {
	// HighRiskMCCs are merchant category codes that trigger the "High-risk MCC" rule.
	HighRiskMCCs []string `json:"highRiskMccs" yaml:"high_risk_mccs"`

	// HomeGeoPrefix is the geo prefix treated as familiar territory.
	HomeGeoPrefix string `json:"homeGeoPrefix" yaml:"home_geo_prefix"`

	// IngestWorkers is the number of goroutines scoring bus-ingested transactions.
	IngestWorkers int `json:"ingestWorkers" yaml:"ingest_workers"`
}

// SuggestionsConfig holds rule mining tunables. Reloaded on config change.
type SuggestionsConfig struct {
	BaseWeight   float64 `json:"baseWeight" yaml:"base_weight"`
	MinWeight    float64 `json:"minWeight" yaml:"min_weight"`
	MaxWeight    float64 `json:"maxWeight" yaml:"max_weight"`
	MinSupport   int     `json:"minSupport" yaml:"min_support"`
	DefaultLimit int     `json:"defaultLimit" yaml:"default_limit"`
}

// TelemetryConfig controls the aggregation window and KPI cost matrix.
type TelemetryConfig struct {
	Window   int           `json:"window" yaml:"window"`
	CacheTTL time.Duration `json:"cacheTtl" yaml:"cache_ttl"`

	// AmountPercentile sets the threshold of the large-amount candidate condition.
	AmountPercentile float64 `json:"amountPercentile" yaml:"amount_percentile"`

	// Cost matrix for value detection rate
	CostTP float64 `json:"costTp" yaml:"cost_tp"`
	CostFP float64 `json:"costFp" yaml:"cost_fp"`
	CostFN float64 `json:"costFn" yaml:"cost_fn"`
	CostTN float64 `json:"costTn" yaml:"cost_tn"`
}

// AnalystConfig controls the analyst queue and the suggestion scheduler.
type AnalystConfig struct {
	QueueLimit int `json:"queueLimit" yaml:"queue_limit"`

	// RefreshSchedule is a cron spec; empty disables the scheduler.
	RefreshSchedule string        `json:"refreshSchedule" yaml:"refresh_schedule"`
	Tenants         []string      `json:"tenants" yaml:"tenants"`
	SuggestionTTL   time.Duration `json:"suggestionTtl" yaml:"suggestion_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultTenantID is used when a request carries no X-Tenant-ID header.
const DefaultTenantID = "default"

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
			Driver:         "sqlite",
			SQLitePath:     "./harrier.db",
			MemoryCapacity: 5000,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			HighRiskMCCs:  []string{"4829", "6011", "7995", "5944"},
			HomeGeoPrefix: "US-",
			IngestWorkers: 4,
		},
		Suggestions: SuggestionsConfig{
			BaseWeight:   0.05,
			MinWeight:    0.01,
			MaxWeight:    0.30,
			MinSupport:   3,
			DefaultLimit: 5,
		},
		Telemetry: TelemetryConfig{
			Window:           1000,
			CacheTTL:         30 * time.Second,
			AmountPercentile: 0.9,
			CostTP:           100,
			CostFP:           -5,
			CostFN:           -100,
			CostTN:           0,
		},
		Analyst: AnalystConfig{
			QueueLimit:      50,
			RefreshSchedule: "@every 5m",
			Tenants:         []string{DefaultTenantID},
			SuggestionTTL:   10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
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
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
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
