package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func validTx() TransactionRequest {
	return TransactionRequest{
		AccountID: "acct-001",
		Amount:    120,
		Currency:  CurrencyUSD,
		Merchant:  "Test Merchant",
		MCC:       "7995",
		Geo:       "US-NY",
		DeviceID:  "dev-123",
		Channel:   ChannelEcommerce,
	}
}

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransactionRequest)
		field  string
	}{
		{"valid", func(*TransactionRequest) {}, ""},
		{"zero amount", func(tx *TransactionRequest) { tx.Amount = 0 }, ""},
		{"blank account", func(tx *TransactionRequest) { tx.AccountID = "  " }, "account_id"},
		{"negative amount", func(tx *TransactionRequest) { tx.Amount = -1 }, "amount"},
		{"NaN amount", func(tx *TransactionRequest) { tx.Amount = math.NaN() }, "amount"},
		{"unknown currency", func(tx *TransactionRequest) { tx.Currency = "GBP" }, "currency"},
		{"lowercase currency", func(tx *TransactionRequest) { tx.Currency = "usd" }, "currency"},
		{"empty merchant", func(tx *TransactionRequest) { tx.Merchant = "" }, "merchant"},
		{"short mcc", func(tx *TransactionRequest) { tx.MCC = "7" }, "mcc"},
		{"short geo", func(tx *TransactionRequest) { tx.Geo = "U" }, "geo"},
		{"empty device", func(tx *TransactionRequest) { tx.DeviceID = "" }, "device_id"},
		{"unknown channel", func(tx *TransactionRequest) { tx.Channel = "phone" }, "channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(&tx)
			err := tx.Validate()

			if tt.field == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, verr.Field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("expected errors.Is(err, ErrValidation)")
			}
		})
	}
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in      string
		want    Operator
		wantErr bool
	}{
		{"equals", OpEquals, false},
		{"==", OpEquals, false},
		{"!=", OpNotEquals, false},
		{">", OpGreaterThan, false},
		{" < ", OpLessThan, false},
		{"starts-with-not", OpStartsWithNot, false},
		{">=", "", true},
		{"EQUALS", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperator(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestScoringRuleJSON(t *testing.T) {
	t.Run("AliasAndTypedValue", func(t *testing.T) {
		var r ScoringRule
		data := `{"feature":"amount","operator":">","value":500,"weight":0.2}`
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if r.Operator != OpGreaterThan {
			t.Errorf("expected greater-than, got %s", r.Operator)
		}
		if r.Value.Kind() != KindNumber || r.Value.Num() != 500 {
			t.Errorf("expected number 500, got %v", r.Value)
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if r.Description != DefaultRuleDescription {
			t.Errorf("expected default description, got %q", r.Description)
		}
	})

	t.Run("Encode", func(t *testing.T) {
		r, err := NewScoringRule("casino", FeatureMCC, OpEquals, StringValue("7995"), 0.2)
		if err != nil {
			t.Fatalf("NewScoringRule failed: %v", err)
		}
		data, _ := json.Marshal(r)
		want := `{"description":"casino","feature":"mcc","operator":"equals","value":"7995","weight":0.2}`
		if string(data) != want {
			t.Errorf("expected %s, got %s", want, data)
		}
	})

	t.Run("UnknownOperatorKept", func(t *testing.T) {
		var r ScoringRule
		data := `{"feature":"mcc","operator":"like","value":"79","weight":0.1}`
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if err := r.Validate(); err == nil {
			t.Error("expected validation error for unknown operator")
		}
	})

	t.Run("InvalidValue", func(t *testing.T) {
		var r ScoringRule
		if err := json.Unmarshal([]byte(`{"value":true}`), &r); err == nil {
			t.Error("expected error for boolean value")
		}
	})
}

func TestScoringRuleValidate(t *testing.T) {
	tests := []struct {
		name  string
		rule  ScoringRule
		field string
	}{
		{"string equals", ScoringRule{Feature: FeatureMCC, Operator: OpEquals, Value: StringValue("7995"), Weight: 0.1}, ""},
		{"number less-than", ScoringRule{Feature: FeatureAmount, Operator: OpLessThan, Value: NumberValue(5), Weight: -0.1}, ""},
		{"weight at bound", ScoringRule{Feature: FeatureGeo, Operator: OpStartsWithNot, Value: StringValue("US-"), Weight: 1}, ""},
		{"unknown feature", ScoringRule{Feature: "ip", Operator: OpEquals, Value: StringValue("x"), Weight: 0.1}, "feature"},
		{"missing value", ScoringRule{Feature: FeatureMCC, Operator: OpEquals, Weight: 0.1}, "value"},
		{"kind mismatch", ScoringRule{Feature: FeatureAmount, Operator: OpEquals, Value: StringValue("5"), Weight: 0.1}, "value"},
		{"numeric op on string", ScoringRule{Feature: FeatureMCC, Operator: OpGreaterThan, Value: StringValue("5"), Weight: 0.1}, "operator"},
		{"prefix op on number", ScoringRule{Feature: FeatureAmount, Operator: OpStartsWithNot, Value: NumberValue(5), Weight: 0.1}, "operator"},
		{"invalid UTF-8", ScoringRule{Feature: FeatureGeo, Operator: OpStartsWithNot, Value: StringValue("\xe6\x97"), Weight: 0.1}, "value"},
		{"non-ASCII prefix", ScoringRule{Feature: FeatureGeo, Operator: OpStartsWithNot, Value: StringValue("日本"), Weight: 0.1}, ""},
		{"weight too large", ScoringRule{Feature: FeatureMCC, Operator: OpEquals, Value: StringValue("1"), Weight: 1.5}, "weight"},
		{"NaN weight", ScoringRule{Feature: FeatureMCC, Operator: OpEquals, Value: StringValue("1"), Weight: math.NaN()}, "weight"},
		{"infinite value", ScoringRule{Feature: FeatureAmount, Operator: OpGreaterThan, Value: NumberValue(math.Inf(1)), Weight: 0.1}, "value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected %s validation error, got %v", tt.field, err)
			}
		})
	}
}

func TestPredicate(t *testing.T) {
	r := ScoringRule{Feature: FeatureAmount, Operator: OpGreaterThan, Value: NumberValue(912.5)}
	if got := r.Predicate(); got != "amount greater-than 912.5" {
		t.Errorf("unexpected predicate %q", got)
	}
}

func TestRuleSuggestionRule(t *testing.T) {
	s := RuleSuggestion{
		ScoringRule:    ScoringRule{Description: "MCC 7995 concentration", Feature: FeatureMCC, Operator: OpEquals, Value: StringValue("7995")},
		ProposedWeight: 0.08,
	}
	if r := s.Rule(); r.Weight != 0.08 || r.Feature != FeatureMCC {
		t.Errorf("unexpected rule %+v", r)
	}
}

func TestCreditApplication(t *testing.T) {
	t.Run("FlagsAsSet", func(t *testing.T) {
		app := CreditApplication{DelinquencyFlags: []DelinquencyFlag{Delinquency90, Bankruptcy, Delinquency90}}
		flags := app.Flags()
		if len(flags) != 2 || flags[0] != Delinquency90 || flags[1] != Bankruptcy {
			t.Errorf("expected sorted unique flags, got %v", flags)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		tests := []struct {
			name  string
			app   CreditApplication
			field string
		}{
			{"valid", CreditApplication{Income: 1000, Liabilities: 100}, ""},
			{"negative income", CreditApplication{Income: -1}, "income"},
			{"infinite liabilities", CreditApplication{Liabilities: math.Inf(1)}, "liabilities"},
			{"negative limit", CreditApplication{RequestedLimit: -5}, "requested_limit"},
			{"unknown flag", CreditApplication{DelinquencyFlags: []DelinquencyFlag{"120+ days"}}, "delinquency_flags"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.app.Validate()
				if tt.field == "" {
					if err != nil {
						t.Errorf("expected valid, got %v", err)
					}
					return
				}
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.field {
					t.Errorf("expected %s validation error, got %v", tt.field, err)
				}
			})
		}
	})
}

func TestParseLabel(t *testing.T) {
	for _, s := range []string{"fraud", "genuine"} {
		if _, err := ParseLabel(s); err != nil {
			t.Errorf("ParseLabel(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseLabel("Fraud"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBandRank(t *testing.T) {
	if !(BandHigh.Rank() > BandMedium.Rank() && BandMedium.Rank() > BandLow.Rank()) {
		t.Error("expected high > medium > low")
	}
}

func TestErrorsIs(t *testing.T) {
	if !errors.Is(&NotFoundError{Kind: "event", ID: "x"}, ErrNotFound) {
		t.Error("expected NotFoundError to match ErrNotFound")
	}
	if !errors.Is(&RuleConflictError{}, ErrRuleConflict) {
		t.Error("expected RuleConflictError to match ErrRuleConflict")
	}
}
