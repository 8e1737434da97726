package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValueKind is the type of a rule literal or of the feature it is compared with.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return "invalid"
	}
}

// Feature names a scored field of a TransactionRequest.
type Feature string

const (
	FeatureAccountID Feature = "account_id"
	FeatureAmount    Feature = "amount"
	FeatureCurrency  Feature = "currency"
	FeatureMerchant  Feature = "merchant"
	FeatureMCC       Feature = "mcc"
	FeatureGeo       Feature = "geo"
	FeatureDeviceID  Feature = "device_id"
	FeatureChannel   Feature = "channel"
)

// Features lists every feature a rule may reference.
var Features = []Feature{
	FeatureAccountID, FeatureAmount, FeatureCurrency, FeatureMerchant,
	FeatureMCC, FeatureGeo, FeatureDeviceID, FeatureChannel,
}

// Kind returns the value kind of the feature, or KindInvalid for unknown names.
func (f Feature) Kind() ValueKind {
	switch f {
	case FeatureAmount:
		return KindNumber
	case FeatureAccountID, FeatureCurrency, FeatureMerchant, FeatureMCC,
		FeatureGeo, FeatureDeviceID, FeatureChannel:
		return KindString
	default:
		return KindInvalid
	}
}

// Operator is the comparison a rule applies between a feature and its value.
type Operator string

const (
	OpEquals        Operator = "equals"
	OpNotEquals     Operator = "not-equals"
	OpGreaterThan   Operator = "greater-than"
	OpLessThan      Operator = "less-than"
	OpStartsWithNot Operator = "starts-with-not"
)

var operatorAliases = map[string]Operator{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGreaterThan,
	"<":  OpLessThan,
}

// ParseOperator resolves an operator name or symbolic alias.
func ParseOperator(s string) (Operator, error) {
	s = strings.TrimSpace(s)
	if op, ok := operatorAliases[s]; ok {
		return op, nil
	}
	switch op := Operator(s); op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpStartsWithNot:
		return op, nil
	}
	return "", NewValidationError("operator", fmt.Sprintf("unsupported operator %q", s))
}

// UnmarshalJSON accepts operator names and the symbolic aliases ==, !=, > and <.
// Unknown operators are kept verbatim and rejected by ScoringRule.Validate.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if op, err := ParseOperator(s); err == nil {
		*o = op
		return nil
	}
	*o = Operator(s)
	return nil
}

// accepts reports whether the operator can compare values of kind k.
func (o Operator) accepts(k ValueKind) bool {
	switch o {
	case OpEquals, OpNotEquals:
		return k == KindString || k == KindNumber
	case OpGreaterThan, OpLessThan:
		return k == KindNumber
	case OpStartsWithNot:
		return k == KindString
	default:
		return false
	}
}

// Value is a typed rule literal: either a string or a number.
type Value struct {
	kind ValueKind
	str  string
	num  float64
}

// StringValue creates a string literal.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue creates a numeric literal.
func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }

// Kind returns the literal's kind; the zero Value is KindInvalid.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string literal.
func (v Value) Str() string { return v.str }

// Num returns the numeric literal.
func (v Value) Num() float64 { return v.num }

// Any returns the literal as a plain Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return "<nil>"
	}
}

// MarshalJSON encodes strings as JSON strings and numbers as JSON numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON string or number. null leaves the Value invalid.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Value{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("rule value must be a string or number: %w", err)
		}
		*v = NumberValue(f)
		return nil
	}
}

// DefaultRuleDescription is used when a rule arrives without a description.
const DefaultRuleDescription = "runtime rule"

// MaxRuleWeight bounds the absolute weight of a single rule.
const MaxRuleWeight = 1.0

// ScoringRule is a pure predicate over a transaction. When it fires it adds
// Weight to the alert score and Description to the explanations.
type ScoringRule struct {
	Description string   `json:"description"`
	Feature     Feature  `json:"feature"`
	Operator    Operator `json:"operator"`
	Value       Value    `json:"value"`
	Weight      float64  `json:"weight"`
}

// NewScoringRule builds a validated rule.
func NewScoringRule(description string, feature Feature, op Operator, value Value, weight float64) (ScoringRule, error) {
	r := ScoringRule{
		Description: description,
		Feature:     feature,
		Operator:    op,
		Value:       value,
		Weight:      weight,
	}
	if err := r.Validate(); err != nil {
		return ScoringRule{}, err
	}
	return r, nil
}

// Validate checks that feature, operator, value and weight form a rule that
// can be evaluated. It fills in the default description.
func (r *ScoringRule) Validate() error {
	kind := r.Feature.Kind()
	if kind == KindInvalid {
		return NewValidationError("feature", fmt.Sprintf("unknown feature %q", r.Feature))
	}
	op, err := ParseOperator(string(r.Operator))
	if err != nil {
		return err
	}
	r.Operator = op
	if r.Value.Kind() == KindInvalid {
		return NewValidationError("value", "is required")
	}
	if r.Value.Kind() != kind {
		return NewValidationError("value", fmt.Sprintf("feature %s needs a %s value, got %s", r.Feature, kind, r.Value.Kind()))
	}
	if r.Value.Kind() == KindString && !utf8.ValidString(r.Value.Str()) {
		return NewValidationError("value", "must be valid UTF-8")
	}
	if r.Value.Kind() == KindNumber && (math.IsNaN(r.Value.Num()) || math.IsInf(r.Value.Num(), 0)) {
		return NewValidationError("value", "must be a finite number")
	}
	if !r.Operator.accepts(kind) {
		return NewValidationError("operator", fmt.Sprintf("%s cannot compare %s feature %s", r.Operator, kind, r.Feature))
	}
	if math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) {
		return NewValidationError("weight", "must be a finite number")
	}
	if math.Abs(r.Weight) > MaxRuleWeight {
		return NewValidationError("weight", "must be between -1 and 1")
	}
	if strings.TrimSpace(r.Description) == "" {
		r.Description = DefaultRuleDescription
	}
	return nil
}

// Predicate renders the rule condition, e.g. "mcc equals 7995".
func (r ScoringRule) Predicate() string {
	return fmt.Sprintf("%s %s %s", r.Feature, r.Operator, r.Value)
}

// RuleCondition is the predicate part of a rule, as rendered to analysts.
type RuleCondition struct {
	Feature  Feature  `json:"feature"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

// RuleSuggestion is a candidate rule mined from recent telemetry.
// It is advisory until an analyst accepts it.
type RuleSuggestion struct {
	RuleID string `json:"rule_id"`
	ScoringRule
	Support        int           `json:"support"`
	ProposedWeight float64       `json:"proposed_weight"`
	Condition      RuleCondition `json:"condition"`
}

// Rule converts the suggestion into the rule an analyst would accept.
func (s RuleSuggestion) Rule() ScoringRule {
	r := s.ScoringRule
	r.Weight = s.ProposedWeight
	return r
}
