package domain

import (
	"time"
)

// RiskBand is the coarse fraud-risk tier derived from the alert score.
type RiskBand string

const (
	BandLow    RiskBand = "low"
	BandMedium RiskBand = "medium"
	BandHigh   RiskBand = "high"
)

// Rank orders bands for the analyst queue: high first.
func (b RiskBand) Rank() int {
	switch b {
	case BandHigh:
		return 2
	case BandMedium:
		return 1
	default:
		return 0
	}
}

// FraudDecision is the verdict for a transaction.
type FraudDecision string

const (
	DecisionApprove FraudDecision = "approve"
	DecisionReview  FraudDecision = "review"
	DecisionDecline FraudDecision = "decline"
)

// FraudDecisionResult is the outcome of fraud triage.
// EventID is nil when the event could not be persisted.
type FraudDecisionResult struct {
	RiskBand     RiskBand      `json:"risk_band"`
	AlertScore   float64       `json:"alert_score"`
	Decision     FraudDecision `json:"decision"`
	Explanations []string      `json:"explanations"`
	EventID      *string       `json:"event_id"`
	Persisted    bool          `json:"persisted"`
}

// CreditDecision is the verdict for a credit application.
type CreditDecision string

const (
	CreditApprove     CreditDecision = "approve"
	CreditConditional CreditDecision = "conditional"
	CreditDecline     CreditDecision = "decline"
)

// CreditDecisionResult is the outcome of credit triage.
type CreditDecisionResult struct {
	Decision       CreditDecision `json:"decision"`
	DTI            float64        `json:"dti"`
	LimitSuggested float64        `json:"limit_suggested"`
	Reasons        []string       `json:"reasons"`
}

// Label is an analyst's verdict on a past event.
type Label string

const (
	LabelFraud   Label = "fraud"
	LabelGenuine Label = "genuine"
)

// ParseLabel validates an analyst label.
func ParseLabel(s string) (Label, error) {
	switch l := Label(s); l {
	case LabelFraud, LabelGenuine:
		return l, nil
	}
	return "", NewValidationError("label", `must be "fraud" or "genuine"`)
}

// Event is a persisted fraud triage outcome.
type Event struct {
	ID           string             `json:"event_id"`
	TenantID     string             `json:"tenant_id"`
	Transaction  TransactionRequest `json:"transaction"`
	RiskBand     RiskBand           `json:"risk_band"`
	AlertScore   float64            `json:"alert_score"`
	Decision     FraudDecision      `json:"decision"`
	Explanations []string           `json:"explanations"`
	Label        *Label             `json:"label,omitempty"`
	LabeledAt    *time.Time         `json:"labeled_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	ProcessMs    int64              `json:"process_ms"`
}

// BandDistribution counts events per risk band.
type BandDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// Confusion is the confusion matrix of labeled events, treating medium and
// high bands as predicted fraud.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// KPIs summarizes triage quality over a window of events.
type KPIs struct {
	Precision        *float64         `json:"precision"`
	Recall           *float64         `json:"recall"`
	AlertVolumes     int              `json:"alert_volumes"`
	SLAMs            *int64           `json:"sla_ms"`
	BandDistribution BandDistribution `json:"band_distribution"`
	VDR              float64          `json:"vdr"`
	Confusion        Confusion        `json:"confusion"`
}
