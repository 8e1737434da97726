// Package repository provides event store implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Listing limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 5000
)

// ErrInvalidInput reports a call without a tenant.
var ErrInvalidInput = errors.New("invalid input")

// SQLStore implements domain.EventStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string

	// mu serializes writes so created_at_ns is strictly increasing.
	mu     sync.Mutex
	lastNs int64
}

// New creates a new event store based on configuration.
func New(cfg domain.RepositoryConfig) (domain.EventStore, error) {
	if cfg.Driver == "memory" {
		return NewMemoryStore(cfg.MemoryCapacity), nil
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Append stores a fraud triage outcome with tenant isolation.
func (s *SQLStore) Append(ctx context.Context, tenantID string, tx domain.TransactionRequest, result domain.FraudDecisionResult, processMs int64) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	txData, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	explanations, err := json.Marshal(nonNil(result.Explanations))
	if err != nil {
		return "", fmt.Errorf("failed to encode explanations: %w", err)
	}

	query := `
		INSERT INTO fraud_events (
			id, tenant_id, account_id, transaction_data, risk_band, alert_score,
			decision, explanations, created_at, created_at_ns, process_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ns := now.UnixNano()
	if ns <= s.lastNs {
		ns = s.lastNs + 1
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		id, tenantID, tx.AccountID, string(txData),
		string(result.RiskBand), result.AlertScore, string(result.Decision),
		string(explanations), now, ns, processMs,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert fraud event: %w", err)
	}

	s.lastNs = ns
	return id, nil
}

const selectEvent = `
	SELECT id, tenant_id, transaction_data, risk_band, alert_score, decision,
		   explanations, label, labeled_at, created_at, process_ms
	FROM fraud_events
`

// List returns the newest events first.
func (s *SQLStore) List(ctx context.Context, tenantID string, limit int) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := selectEvent + `
		WHERE tenant_id = ?
		ORDER BY created_at_ns DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*domain.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Get retrieves an event by ID with tenant isolation.
func (s *SQLStore) Get(ctx context.Context, tenantID string, eventID string) (*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := selectEvent + `WHERE tenant_id = ? AND id = ?`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, s.rebind(query), tenantID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "event", ID: eventID}
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Label records an analyst label. Relabeling overwrites the previous label.
func (s *SQLStore) Label(ctx context.Context, tenantID string, eventID string, label domain.Label) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_events
		SET label = ?, labeled_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query), string(label), time.Now().UTC(), tenantID, eventID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &domain.NotFoundError{Kind: "event", ID: eventID}
	}

	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var txData, explanations, band, decision string
	var label sql.NullString
	var labeledAt sql.NullTime

	if err := row.Scan(
		&ev.ID, &ev.TenantID, &txData, &band, &ev.AlertScore, &decision,
		&explanations, &label, &labeledAt, &ev.CreatedAt, &ev.ProcessMs,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(txData), &ev.Transaction); err != nil {
		return nil, fmt.Errorf("failed to parse transaction of event %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(explanations), &ev.Explanations); err != nil {
		return nil, fmt.Errorf("failed to parse explanations of event %s: %w", ev.ID, err)
	}

	ev.RiskBand = domain.RiskBand(band)
	ev.Decision = domain.FraudDecision(decision)
	if label.Valid {
		l := domain.Label(label.String)
		ev.Label = &l
	}
	if labeledAt.Valid {
		t := labeledAt.Time.UTC()
		ev.LabeledAt = &t
	}
	ev.CreatedAt = ev.CreatedAt.UTC()

	return &ev, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
