// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// EventStore persists fraud triage outcomes for listing and labeling.
// All methods require tenantID for strict multi-tenancy isolation.
type EventStore interface {
	// Append stores a scored transaction and returns the assigned event ID.
	Append(ctx context.Context, tenantID string, tx TransactionRequest, result FraudDecisionResult, processMs int64) (string, error)

	// List returns up to limit events, newest first. limit <= 0 means the store default.
	List(ctx context.Context, tenantID string, limit int) ([]*Event, error)

	// Get retrieves a single event.
	Get(ctx context.Context, tenantID string, eventID string) (*Event, error)

	// Label records an analyst label. Unknown events yield a *NotFoundError.
	Label(ctx context.Context, tenantID string, eventID string, label Label) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TelemetryAggregator summarizes recent events for rule mining and analytics.
type TelemetryAggregator interface {
	// Aggregate counts support per candidate condition over the newest window events.
	Aggregate(ctx context.Context, tenantID string, window int) (*TelemetrySnapshot, error)

	// KPIs computes quality metrics over the newest window events.
	KPIs(ctx context.Context, tenantID string, window int) (*KPIs, error)

	// Invalidate drops cached aggregates for a tenant, e.g. after a label change.
	Invalidate(ctx context.Context, tenantID string)
}

// TelemetryBucket is the support count of one candidate rule condition.
type TelemetryBucket struct {
	Feature  Feature  `json:"feature"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`

	// Support is the number of events matching the condition.
	Support int `json:"support"`
	// Labeled and Fraud count analyst labels among matching events.
	Labeled int `json:"labeled"`
	Fraud   int `json:"fraud"`
	// Flagged counts matching events scored medium or high.
	Flagged int `json:"flagged"`

	// FirstSeen is the chronological index of the oldest matching event.
	FirstSeen int    `json:"first_seen"`
	Note      string `json:"note,omitempty"`
}

// TelemetrySnapshot is a point-in-time aggregate of recent events.
type TelemetrySnapshot struct {
	TenantID    string            `json:"tenant_id"`
	Window      int               `json:"window"`
	Total       int               `json:"total"`
	Labeled     int               `json:"labeled"`
	Fraud       int               `json:"fraud"`
	Flagged     int               `json:"flagged"`
	Buckets     []TelemetryBucket `json:"buckets"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// RepositoryConfig holds configuration for event store initialization.
type RepositoryConfig struct {
	// Driver is the store driver: "memory", "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// Memory specific: ring buffer capacity per tenant
	MemoryCapacity int `json:"memoryCapacity" yaml:"memory_capacity"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific. PostgresURL, when set, replaces the discrete
	// connection fields.
	PostgresURL      string `json:"-" yaml:"postgres_url"`
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
