package domain

import (
	"math"
	"strings"
)

// Currency is an ISO currency code accepted for triage.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyINR Currency = "INR"
)

// Channel is the payment channel a transaction arrived through.
type Channel string

const (
	ChannelEcommerce Channel = "ecommerce"
	ChannelPOS       Channel = "pos"
	ChannelATM       Channel = "atm"
	ChannelP2P       Channel = "p2p"
)

// TransactionRequest is a card or account transaction submitted for fraud triage.
// It is immutable once submitted.
type TransactionRequest struct {
	AccountID string   `json:"account_id"`
	Amount    float64  `json:"amount"`
	Currency  Currency `json:"currency"`
	Merchant  string   `json:"merchant"`
	MCC       string   `json:"mcc"`
	Geo       string   `json:"geo"`
	DeviceID  string   `json:"device_id"`
	Channel   Channel  `json:"channel"`
}

// Validate checks the structural constraints of the request.
// The first violated constraint is returned as a *ValidationError.
func (t *TransactionRequest) Validate() error {
	if strings.TrimSpace(t.AccountID) == "" {
		return NewValidationError("account_id", "must not be empty")
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return NewValidationError("amount", "must be a finite number")
	}
	if t.Amount < 0 {
		return NewValidationError("amount", "must be non-negative")
	}
	switch t.Currency {
	case CurrencyUSD, CurrencyEUR, CurrencyINR:
	default:
		return NewValidationError("currency", "must be one of USD, EUR, INR")
	}
	if strings.TrimSpace(t.Merchant) == "" {
		return NewValidationError("merchant", "must not be empty")
	}
	if len(t.MCC) < 2 {
		return NewValidationError("mcc", "must be at least 2 characters")
	}
	if len(t.Geo) < 2 {
		return NewValidationError("geo", "must be at least 2 characters")
	}
	if strings.TrimSpace(t.DeviceID) == "" {
		return NewValidationError("device_id", "must not be empty")
	}
	switch t.Channel {
	case ChannelEcommerce, ChannelPOS, ChannelATM, ChannelP2P:
	default:
		return NewValidationError("channel", "must be one of ecommerce, pos, atm, p2p")
	}
	return nil
}

// Fields returns every scored field keyed by its JSON name.
// It feeds both the fingerprint and rule evaluation.
func (t *TransactionRequest) Fields() map[string]any {
	return map[string]any{
		"account_id": t.AccountID,
		"amount":     t.Amount,
		"currency":   string(t.Currency),
		"merchant":   t.Merchant,
		"mcc":        t.MCC,
		"geo":        t.Geo,
		"device_id":  t.DeviceID,
		"channel":    string(t.Channel),
	}
}
