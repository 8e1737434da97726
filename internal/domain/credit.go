package domain

import (
	"math"
	"sort"
)

// DelinquencyFlag marks an adverse item on an applicant's credit history.
type DelinquencyFlag string

const (
	Delinquency30 DelinquencyFlag = "30+ days"
	Delinquency60 DelinquencyFlag = "60+ days"
	Delinquency90 DelinquencyFlag = "90+ days"
	Bankruptcy    DelinquencyFlag = "bankruptcy"
	ChargeOff     DelinquencyFlag = "charge-off"
)

// CreditApplication is a credit line application submitted for triage.
type CreditApplication struct {
	Income           float64           `json:"income"`
	Liabilities      float64           `json:"liabilities"`
	DelinquencyFlags []DelinquencyFlag `json:"delinquency_flags"`
	RequestedLimit   float64           `json:"requested_limit"`
}

// Validate checks the structural constraints of the application.
func (a *CreditApplication) Validate() error {
	if err := nonNegative("income", a.Income); err != nil {
		return err
	}
	if err := nonNegative("liabilities", a.Liabilities); err != nil {
		return err
	}
	if err := nonNegative("requested_limit", a.RequestedLimit); err != nil {
		return err
	}
	for _, f := range a.DelinquencyFlags {
		switch f {
		case Delinquency30, Delinquency60, Delinquency90, Bankruptcy, ChargeOff:
		default:
			return NewValidationError("delinquency_flags", "unknown flag "+string(f))
		}
	}
	return nil
}

// Flags returns the delinquency flags as a sorted set without duplicates.
func (a *CreditApplication) Flags() []DelinquencyFlag {
	seen := make(map[DelinquencyFlag]struct{}, len(a.DelinquencyFlags))
	out := make([]DelinquencyFlag, 0, len(a.DelinquencyFlags))
	for _, f := range a.DelinquencyFlags {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fields returns the scored fields keyed by JSON name.
func (a *CreditApplication) Fields() map[string]any {
	flags := a.Flags()
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = string(f)
	}
	return map[string]any{
		"income":            a.Income,
		"liabilities":       a.Liabilities,
		"delinquency_flags": names,
		"requested_limit":   a.RequestedLimit,
	}
}

func nonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NewValidationError(field, "must be a finite number")
	}
	if v < 0 {
		return NewValidationError(field, "must be non-negative")
	}
	return nil
}
