// Package scoring provides the deterministic primitives shared by the fraud
// and credit engines: request fingerprints, the seeded base score and banding.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Band thresholds applied to the rounded alert score.
const (
	HighThreshold   = 0.75
	MediumThreshold = 0.45
)

// Fingerprint returns a canonical serialization of the scored fields.
// Keys are sorted, so the result does not depend on field declaration order.
func Fingerprint(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		// Only reachable with non-finite numbers, which validation rejects.
		return fmt.Sprintf("%v", fields)
	}
	return string(b)
}

// NewRandom returns a pseudo-random stream in [0, 1) seeded from s.
// The same seed always yields the same sequence.
func NewRandom(seed string) func() float64 {
	units := utf16.Encode([]rune(seed))
	h := uint32(2166136261) ^ uint32(len(units))
	for _, c := range units {
		h ^= uint32(c)
		h += (h << 1) + (h << 4) + (h << 7) + (h << 8) + (h << 24)
	}
	return func() float64 {
		h += 0x6D2B79F5
		t := (h ^ (h >> 15)) * (1 | h)
		t ^= t + (t^(t>>7))*(61|t)
		return float64(t^(t>>14)) / 4294967296
	}
}

// Scorer produces the base alert score for a fingerprint.
type Scorer interface {
	BaseScore(fingerprint string) float64
}

// SeededScorer derives the base score from the first draw of NewRandom,
// mapped into [0.2, 0.8).
type SeededScorer struct{}

// BaseScore implements Scorer.
func (SeededScorer) BaseScore(fingerprint string) float64 {
	r0 := NewRandom(fingerprint)()
	return r0*0.6 + 0.2
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(fingerprint string) float64

// BaseScore implements Scorer.
func (f ScorerFunc) BaseScore(fingerprint string) float64 { return f(fingerprint) }

// Round2 rounds half away from zero to two decimals.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// RoundToNearest rounds x half-up to the nearest multiple of step.
func RoundToNearest(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+0.5) * step
}

// Clamp01 bounds x to [0, 1].
func Clamp01(x float64) float64 {
	return Clamp(x, 0, 1)
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// FraudBand maps an alert score to its risk band.
func FraudBand(score float64) domain.RiskBand {
	switch {
	case score >= HighThreshold:
		return domain.BandHigh
	case score >= MediumThreshold:
		return domain.BandMedium
	default:
		return domain.BandLow
	}
}

// DecisionForBand maps a risk band to the fraud decision.
func DecisionForBand(band domain.RiskBand) domain.FraudDecision {
	switch band {
	case domain.BandHigh:
		return domain.DecisionDecline
	case domain.BandMedium:
		return domain.DecisionReview
	default:
		return domain.DecisionApprove
	}
}
