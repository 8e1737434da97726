// Package analyst coordinates the analyst queue: recent events, rule
// suggestions and the runtime rule overlay, plus the actions taken on them.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/suggest"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("harrier-analyst")

// Queue is one coherent view of the analyst queue.
type Queue struct {
	TenantID     string                  `json:"tenant_id"`
	Events       []*domain.Event         `json:"events"`
	Suggestions  []domain.RuleSuggestion `json:"suggestions"`
	Rules        []domain.ScoringRule    `json:"rules"`
	RulesVersion uint64                  `json:"rules_version"`
	GeneratedAt  time.Time               `json:"generated_at"`
}

// RefreshOptions bounds a refresh. Zero values use the coordinator defaults.
type RefreshOptions struct {
	EventLimit      int
	SuggestionLimit int
}

// Coordinator holds no state of its own; it orchestrates the event store,
// telemetry, the suggestion generator and the rule registries.
type Coordinator struct {
	store      domain.EventStore
	telemetry  domain.TelemetryAggregator
	generator  *suggest.Generator
	registries *rules.Registries
	metrics    *metrics.Collector

	queueLimit       int
	window           int
	amountPercentile float64
}

// Config holds the coordinator's sizing.
type Config struct {
	Analyst   domain.AnalystConfig
	Telemetry domain.TelemetryConfig
}

// NewCoordinator wires a coordinator. m may be nil.
func NewCoordinator(
	store domain.EventStore,
	agg domain.TelemetryAggregator,
	generator *suggest.Generator,
	registries *rules.Registries,
	m *metrics.Collector,
	cfg Config,
) *Coordinator {
	defaults := domain.DefaultConfig()
	if cfg.Analyst.QueueLimit <= 0 {
		cfg.Analyst.QueueLimit = defaults.Analyst.QueueLimit
	}
	if cfg.Telemetry.Window <= 0 {
		cfg.Telemetry.Window = defaults.Telemetry.Window
	}
	if cfg.Telemetry.AmountPercentile <= 0 || cfg.Telemetry.AmountPercentile >= 1 {
		cfg.Telemetry.AmountPercentile = defaults.Telemetry.AmountPercentile
	}
	return &Coordinator{
		store:            store,
		telemetry:        agg,
		generator:        generator,
		registries:       registries,
		metrics:          m,
		queueLimit:       cfg.Analyst.QueueLimit,
		window:           cfg.Telemetry.Window,
		amountPercentile: cfg.Telemetry.AmountPercentile,
	}
}

// Refresh reads the telemetry window once and derives the queue and the
// suggestions from those same events. The rule list is read from the same
// registry snapshot as its version.
func (c *Coordinator) Refresh(ctx context.Context, tenantID string, opts RefreshOptions) (*Queue, error) {
	ctx, span := tracer.Start(ctx, "analyst.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	eventLimit := opts.EventLimit
	if eventLimit <= 0 {
		eventLimit = c.queueLimit
	}
	window := c.window
	if eventLimit > window {
		window = eventLimit
	}

	events, err := c.store.List(ctx, tenantID, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list events failed")
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := telemetry.FromEvents(tenantID, events, c.amountPercentile)
	suggestions := c.generator.FromSnapshot(snap, opts.SuggestionLimit)

	queue := events
	if len(queue) > eventLimit {
		queue = queue[:eventLimit]
	}
	queue = SortByBand(queue)

	set := c.registries.Snapshot(tenantID)

	span.SetAttributes(
		attribute.Int("queue.events", len(queue)),
		attribute.Int("queue.suggestions", len(suggestions)),
	)

	return &Queue{
		TenantID:     tenantID,
		Events:       queue,
		Suggestions:  suggestions,
		Rules:        set.Rules(),
		RulesVersion: set.Version,
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

// SortByBand orders events high band first, then medium, then low. Input is
// newest first and that order is kept within a band.
func SortByBand(events []*domain.Event) []*domain.Event {
	out := append([]*domain.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RiskBand.Rank() > out[j].RiskBand.Rank()
	})
	return out
}

// Suggestions returns ranked suggestions from the aggregated telemetry.
func (c *Coordinator) Suggestions(ctx context.Context, tenantID string, n int) ([]domain.RuleSuggestion, error) {
	return c.generator.Suggest(ctx, tenantID, n)
}

// ApplyLabel records an analyst label and drops cached telemetry so KPIs and
// suggestions see it.
func (c *Coordinator) ApplyLabel(ctx context.Context, tenantID, eventID string, label domain.Label) error {
	if _, err := domain.ParseLabel(string(label)); err != nil {
		return err
	}
	if err := c.store.Label(ctx, tenantID, eventID, label); err != nil {
		return err
	}
	c.telemetry.Invalidate(ctx, tenantID)
	c.metrics.RecordLabel(label)

	slog.Info("event labeled",
		"tenant_id", tenantID,
		"event_id", eventID,
		"label", label,
	)
	return nil
}

// KPIs returns triage quality metrics over the telemetry window.
func (c *Coordinator) KPIs(ctx context.Context, tenantID string) (*domain.KPIs, error) {
	return c.telemetry.KPIs(ctx, tenantID, c.window)
}

// AcceptSuggestion converts a suggestion into a rule at its proposed weight
// and adds it to the tenant's overlay.
func (c *Coordinator) AcceptSuggestion(tenantID string, s domain.RuleSuggestion) (domain.ScoringRule, error) {
	return c.AcceptRule(tenantID, s.Rule())
}

// AcceptRule adds a rule to the tenant's overlay.
func (c *Coordinator) AcceptRule(tenantID string, rule domain.ScoringRule) (domain.ScoringRule, error) {
	accepted, err := c.registries.For(tenantID).Accept(rule)
	if err != nil {
		return domain.ScoringRule{}, err
	}
	slog.Info("runtime rule accepted",
		"tenant_id", tenantID,
		"rule", accepted.Predicate(),
		"weight", accepted.Weight,
	)
	return accepted, nil
}

// Rules returns the tenant's current overlay and its version.
func (c *Coordinator) Rules(tenantID string) ([]domain.ScoringRule, uint64) {
	set := c.registries.Snapshot(tenantID)
	return set.Rules(), set.Version
}

// ClearRules empties the tenant's overlay.
func (c *Coordinator) ClearRules(tenantID string) {
	c.registries.For(tenantID).Clear()
	slog.Info("runtime rules cleared", "tenant_id", tenantID)
}
