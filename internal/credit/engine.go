// Package credit implements credit-line triage from debt-to-income and
// delinquency history.
package credit

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// Decision thresholds on the rounded debt-to-income ratio.
const (
	ApproveBelowDTI     = 0.35
	ConditionalBelowDTI = 0.6

	// LimitStep is the granularity of suggested limits.
	LimitStep = 50

	ReasonHighDTI     = "High DTI"
	ReasonDelinquency = "Delinquency history"
)

// Engine scores credit applications. It keeps no state.
type Engine struct {
	metrics *metrics.Collector
}

// NewEngine creates a credit engine. m may be nil.
func NewEngine(m *metrics.Collector) *Engine {
	return &Engine{metrics: m}
}

// Score validates and evaluates an application.
func (e *Engine) Score(ctx context.Context, app *domain.CreditApplication) (domain.CreditDecisionResult, error) {
	start := time.Now()
	if err := app.Validate(); err != nil {
		return domain.CreditDecisionResult{}, err
	}
	result := Evaluate(app)
	e.metrics.RecordCredit(result, time.Since(start))
	return result, nil
}

// Evaluate computes the decision for a validated application.
func Evaluate(app *domain.CreditApplication) domain.CreditDecisionResult {
	dti := DTI(app.Income, app.Liabilities)

	var decision domain.CreditDecision
	switch {
	case dti < ApproveBelowDTI:
		decision = domain.CreditApprove
	case dti < ConditionalBelowDTI:
		decision = domain.CreditConditional
	default:
		decision = domain.CreditDecline
	}

	reasons := []string{}
	if dti >= ConditionalBelowDTI {
		reasons = append(reasons, ReasonHighDTI)
	}
	if len(app.Flags()) > 0 {
		reasons = append(reasons, ReasonDelinquency)
	}

	return domain.CreditDecisionResult{
		Decision:       decision,
		DTI:            dti,
		LimitSuggested: SuggestedLimit(app.Income, dti),
		Reasons:        reasons,
	}
}

// DTI is liabilities over income rounded to two decimals, or 1.0 without income.
func DTI(income, liabilities float64) float64 {
	if income <= 0 {
		return 1.0
	}
	return scoring.Round2(liabilities / income)
}

// SuggestedLimit shrinks the affordable share of income linearly with DTI,
// rounds half-up to the nearest 50 and never goes below zero.
func SuggestedLimit(income, dti float64) float64 {
	limit := scoring.RoundToNearest(income*(0.4-dti/2), LimitStep)
	return math.Max(0, limit)
}
