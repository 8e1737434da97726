// Package fraud implements fraud triage: a seeded base score, the fixed core
// rules and the tenant's runtime rule overlay, banded into a decision.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-fraud")

// Engine scores transactions. It is safe for concurrent use; the only
// shared mutable state it reads is the registry snapshot.
type Engine struct {
	scorer     scoring.Scorer
	core       []*rules.CompiledRule
	registries *rules.Registries
	store      domain.EventStore
	bus        domain.EventBus
	metrics    *metrics.Collector
}

// Options holds the optional collaborators of an Engine.
type Options struct {
	// Scorer defaults to scoring.SeededScorer.
	Scorer scoring.Scorer

	// Scoring parameterizes the core rules.
	Scoring domain.ScoringConfig

	// Store persists events. Nil means results are never persisted.
	Store domain.EventStore

	// Bus receives decisions and alerts. Nil disables publishing.
	Bus domain.EventBus

	Metrics *metrics.Collector
}

// NewEngine compiles the core rules and wires the collaborators.
func NewEngine(compiler *rules.Compiler, registries *rules.Registries, opts Options) (*Engine, error) {
	core, err := compiler.CoreRules(opts.Scoring)
	if err != nil {
		return nil, fmt.Errorf("failed to compile core rules: %w", err)
	}

	scorer := opts.Scorer
	if scorer == nil {
		scorer = scoring.SeededScorer{}
	}

	return &Engine{
		scorer:     scorer,
		core:       core,
		registries: registries,
		store:      opts.Store,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
	}, nil
}

// Evaluate scores a validated transaction against the core rules and the
// given runtime rule set. It performs no I/O. EventID and Persisted are left
// for the caller.
func (e *Engine) Evaluate(tx *domain.TransactionRequest, set *rules.RuleSet) domain.FraudDecisionResult {
	score := e.scorer.BaseScore(scoring.Fingerprint(tx.Fields()))
	activation := rules.Activation(tx)
	explanations := make([]string, 0, len(e.core))

	apply := func(r *rules.CompiledRule) {
		hit, err := r.Matches(activation)
		if err != nil {
			slog.Warn("rule evaluation failed",
				"rule", r.Description,
				"error", err,
			)
			return
		}
		if hit {
			score += r.Weight
			explanations = append(explanations, r.Description)
		}
	}

	for _, r := range e.core {
		apply(r)
	}
	if set != nil {
		for _, r := range set.Compiled() {
			apply(r)
		}
	}

	alertScore := scoring.Round2(scoring.Clamp01(score))
	band := scoring.FraudBand(alertScore)

	return domain.FraudDecisionResult{
		RiskBand:     band,
		AlertScore:   alertScore,
		Decision:     scoring.DecisionForBand(band),
		Explanations: explanations,
	}
}

// Score validates, evaluates against the tenant's current rules, persists
// and publishes the result. A persistence failure is reported through
// result.Persisted, never as an error.
func (e *Engine) Score(ctx context.Context, tenantID string, tx *domain.TransactionRequest) (domain.FraudDecisionResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "fraud.Score",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	if err := tx.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.FraudDecisionResult{}, err
	}

	snapshot := e.registries.Snapshot(tenantID)
	result := e.Evaluate(tx, snapshot)
	processMs := time.Since(start).Milliseconds()

	if e.store != nil {
		eventID, err := e.store.Append(ctx, tenantID, *tx, result, processMs)
		if err != nil {
			slog.Error("failed to persist fraud event",
				"tenant_id", tenantID,
				"account_id", tx.AccountID,
				"error", err,
			)
			span.RecordError(err)
		} else {
			result.EventID = &eventID
			result.Persisted = true
		}
	}

	span.SetAttributes(
		attribute.String("fraud.band", string(result.RiskBand)),
		attribute.Float64("fraud.alert_score", result.AlertScore),
		attribute.Int("fraud.runtime_rules", snapshot.Len()),
	)

	e.metrics.RecordFraud(result, time.Since(start))
	e.publish(ctx, tenantID, tx, result)

	return result, nil
}

// DecisionMessage is the payload published for every fraud decision.
type DecisionMessage struct {
	TenantID    string                     `json:"tenantId"`
	Transaction domain.TransactionRequest  `json:"transaction"`
	Result      domain.FraudDecisionResult `json:"result"`
	DecidedAt   time.Time                  `json:"decidedAt"`
}

func (e *Engine) publish(ctx context.Context, tenantID string, tx *domain.TransactionRequest, result domain.FraudDecisionResult) {
	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(DecisionMessage{
		TenantID:    tenantID,
		Transaction: *tx,
		Result:      result,
		DecidedAt:   time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to encode decision message", "error", err)
		return
	}

	topics := []string{domain.TopicFraudDecision}
	if result.RiskBand == domain.BandHigh {
		topics = append(topics, domain.TopicAlert)
	}
	for _, topic := range topics {
		if err := e.bus.Publish(ctx, tenantID, topic, payload); err != nil {
			slog.Warn("failed to publish fraud decision",
				"tenant_id", tenantID,
				"topic", topic,
				"error", err,
			)
		}
	}
}
