// Package rules compiles scoring rules to CEL programs and holds the
// analyst-accepted runtime rule overlay.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Compiler turns scoring rules into CEL programs over transaction fields.
// A Compiler is safe for concurrent use.
type Compiler struct {
	env *cel.Env
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Description string
	Weight      float64
	Expression  string
	Program     cel.Program
}

// NewCompiler creates the CEL environment with one typed variable per feature.
func NewCompiler() (*Compiler, error) {
	opts := make([]cel.EnvOption, 0, len(domain.Features)+1)
	for _, f := range domain.Features {
		opts = append(opts, cel.Variable(string(f), celType(f.Kind())))
	}
	opts = append(opts, ext.Strings())

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

func celType(k domain.ValueKind) *cel.Type {
	if k == domain.KindNumber {
		return cel.DoubleType
	}
	return cel.StringType
}

// Compile validates a rule and compiles its condition.
func (c *Compiler) Compile(rule domain.ScoringRule) (*CompiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	expr, err := Expression(rule)
	if err != nil {
		return nil, err
	}
	return c.compile(rule.Description, rule.Weight, expr)
}

func (c *Compiler) compile(description string, weight float64, expr string) (*CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %q: %w", description, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %q: expression must return bool, got %s", description, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %q: %w", description, err)
	}

	return &CompiledRule{
		Description: description,
		Weight:      weight,
		Expression:  expr,
		Program:     program,
	}, nil
}

// Matches reports whether the rule fires for the activation.
func (r *CompiledRule) Matches(activation map[string]any) (bool, error) {
	out, _, err := r.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error in rule %q: %w", r.Description, err)
	}
	b, ok := out.(types.Bool)
	return ok && bool(b), nil
}

// Activation builds the CEL variables for a transaction.
func Activation(tx *domain.TransactionRequest) map[string]any {
	return tx.Fields()
}

// Expression renders a rule condition as a CEL boolean expression.
func Expression(rule domain.ScoringRule) (string, error) {
	lhs := string(rule.Feature)
	lit := Literal(rule.Value)

	switch rule.Operator {
	case domain.OpEquals:
		return lhs + " == " + lit, nil
	case domain.OpNotEquals:
		return lhs + " != " + lit, nil
	case domain.OpGreaterThan:
		return lhs + " > " + lit, nil
	case domain.OpLessThan:
		return lhs + " < " + lit, nil
	case domain.OpStartsWithNot:
		return "!" + lhs + ".startsWith(" + lit + ")", nil
	default:
		return "", domain.NewValidationError("operator", fmt.Sprintf("unsupported operator %q", rule.Operator))
	}
}

// Literal renders a value as a CEL literal. Numbers are always doubles.
func Literal(v domain.Value) string {
	switch v.Kind() {
	case domain.KindString:
		return strconv.Quote(v.Str())
	case domain.KindNumber:
		s := strconv.FormatFloat(v.Num(), 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return "null"
	}
}
