// Package suggest mines telemetry snapshots for candidate runtime rules.
// Suggestions are advisory; nothing here touches the rule registry.
package suggest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// ruleNamespace scopes suggestion IDs so the same condition always maps to
// the same rule_id.
var ruleNamespace = uuid.MustParse("6f1b7c1e-3d0a-4a8e-9c55-2b8f0f1e9a42")

// Generator produces rule suggestions from a telemetry aggregator.
// Its tunables can be swapped at runtime with SetConfig.
type Generator struct {
	telemetry domain.TelemetryAggregator
	window    int

	mu  sync.RWMutex
	cfg domain.SuggestionsConfig
}

// NewGenerator creates a generator reading window events per request.
func NewGenerator(agg domain.TelemetryAggregator, window int, cfg domain.SuggestionsConfig) *Generator {
	return &Generator{
		telemetry: agg,
		window:    window,
		cfg:       normalize(cfg),
	}
}

// Config returns the active tunables.
func (g *Generator) Config() domain.SuggestionsConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// SetConfig replaces the tunables. Missing values fall back to defaults.
func (g *Generator) SetConfig(cfg domain.SuggestionsConfig) {
	cfg = normalize(cfg)
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Suggest returns at most n suggestions for the tenant. n <= 0 uses the
// configured default limit.
func (g *Generator) Suggest(ctx context.Context, tenantID string, n int) ([]domain.RuleSuggestion, error) {
	snap, err := g.telemetry.Aggregate(ctx, tenantID, g.window)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry: %w", err)
	}
	return g.FromSnapshot(snap, n), nil
}

// FromSnapshot ranks a snapshot with the active tunables.
func (g *Generator) FromSnapshot(snap *domain.TelemetrySnapshot, n int) []domain.RuleSuggestion {
	return FromSnapshot(snap, n, g.Config())
}

type candidate struct {
	suggestion domain.RuleSuggestion
	firstSeen  int
}

// FromSnapshot turns telemetry buckets into ranked suggestions: highest
// support first, then larger proposed weight, then earliest observed.
func FromSnapshot(snap *domain.TelemetrySnapshot, n int, cfg domain.SuggestionsConfig) []domain.RuleSuggestion {
	cfg = normalize(cfg)
	if n <= 0 {
		n = cfg.DefaultLimit
	}
	out := []domain.RuleSuggestion{}
	if snap == nil || snap.Total == 0 {
		return out
	}

	labelRate := smoothed(snap.Fraud, snap.Labeled)
	flagRate := smoothed(snap.Flagged, snap.Total)

	var candidates []candidate
	for _, b := range snap.Buckets {
		if b.Support < cfg.MinSupport {
			continue
		}

		var lift float64
		if b.Labeled > 0 && snap.Labeled > 0 {
			lift = smoothed(b.Fraud, b.Labeled) / labelRate
		} else {
			lift = smoothed(b.Flagged, b.Support) / flagRate
		}
		weight := scoring.Round2(scoring.Clamp(cfg.BaseWeight*lift, cfg.MinWeight, cfg.MaxWeight))

		rule := domain.ScoringRule{
			Description: describe(b),
			Feature:     b.Feature,
			Operator:    b.Operator,
			Value:       b.Value,
			Weight:      weight,
		}
		if err := rule.Validate(); err != nil {
			continue
		}

		candidates = append(candidates, candidate{
			suggestion: domain.RuleSuggestion{
				RuleID:         RuleID(rule),
				ScoringRule:    rule,
				Support:        b.Support,
				ProposedWeight: weight,
				Condition: domain.RuleCondition{
					Feature:  rule.Feature,
					Operator: rule.Operator,
					Value:    rule.Value,
				},
			},
			firstSeen: b.FirstSeen,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.suggestion.Support != b.suggestion.Support {
			return a.suggestion.Support > b.suggestion.Support
		}
		if a.suggestion.ProposedWeight != b.suggestion.ProposedWeight {
			return a.suggestion.ProposedWeight > b.suggestion.ProposedWeight
		}
		return a.firstSeen < b.firstSeen
	})

	for i := 0; i < len(candidates) && i < n; i++ {
		out = append(out, candidates[i].suggestion)
	}
	return out
}

// RuleID derives a stable identifier from the rule condition.
func RuleID(r domain.ScoringRule) string {
	return uuid.NewSHA1(ruleNamespace, []byte(r.Predicate())).String()
}

// smoothed is the Laplace-smoothed rate of hits among n.
func smoothed(hits, n int) float64 {
	return float64(hits+1) / float64(n+2)
}

func describe(b domain.TelemetryBucket) string {
	switch b.Feature {
	case domain.FeatureMCC:
		return fmt.Sprintf("MCC %s concentration", b.Value)
	case domain.FeatureChannel:
		return fmt.Sprintf("Channel %s concentration", b.Value)
	case domain.FeatureCurrency:
		return fmt.Sprintf("Currency %s concentration", b.Value)
	case domain.FeatureGeo:
		return fmt.Sprintf("Geography outside %s", b.Value)
	case domain.FeatureDeviceID:
		return fmt.Sprintf("Device %s reused across accounts", b.Value)
	case domain.FeatureAmount:
		return fmt.Sprintf("Amount above %s", b.Value)
	default:
		return domain.ScoringRule{Feature: b.Feature, Operator: b.Operator, Value: b.Value}.Predicate()
	}
}

func normalize(cfg domain.SuggestionsConfig) domain.SuggestionsConfig {
	defaults := domain.DefaultConfig().Suggestions
	if cfg.BaseWeight <= 0 {
		cfg.BaseWeight = defaults.BaseWeight
	}
	if cfg.MaxWeight <= 0 || cfg.MaxWeight > domain.MaxRuleWeight {
		cfg.MaxWeight = defaults.MaxWeight
	}
	if cfg.MinWeight < 0 || cfg.MinWeight > cfg.MaxWeight {
		cfg.MinWeight = defaults.MinWeight
	}
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = defaults.MinSupport
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaults.DefaultLimit
	}
	return cfg
}
