package rules

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/harrier/internal/domain"
)

// RuleSet is an immutable snapshot of accepted runtime rules in acceptance order.
type RuleSet struct {
	Version  uint64
	rules    []domain.ScoringRule
	compiled []*CompiledRule
}

// Rules returns a copy of the rules in acceptance order.
func (s *RuleSet) Rules() []domain.ScoringRule {
	out := make([]domain.ScoringRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Compiled returns the compiled programs. The slice must not be modified.
func (s *RuleSet) Compiled() []*CompiledRule {
	return s.compiled
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Registry holds the runtime rule overlay of one tenant.
// Writers serialize on a mutex and publish a new snapshot; readers never lock.
type Registry struct {
	mu       sync.Mutex
	compiler *Compiler
	current  atomic.Pointer[RuleSet]
	onChange func(*RuleSet)
}

// NewRegistry creates an empty registry. onChange may be nil; it runs
// after every accept or clear and must not call back into the registry.
func NewRegistry(compiler *Compiler, onChange func(*RuleSet)) *Registry {
	r := &Registry{compiler: compiler, onChange: onChange}
	r.current.Store(&RuleSet{})
	return r
}

// Snapshot returns the current rule set.
func (r *Registry) Snapshot() *RuleSet {
	return r.current.Load()
}

// List returns the accepted rules in acceptance order.
func (r *Registry) List() []domain.ScoringRule {
	return r.Snapshot().Rules()
}

// Version returns the snapshot version. It increases on every accept or clear.
func (r *Registry) Version() uint64 {
	return r.Snapshot().Version
}

// Accept validates, compiles and appends a rule. Duplicates are kept as
// independent entries. It returns the rule as stored.
func (r *Registry) Accept(rule domain.ScoringRule) (domain.ScoringRule, error) {
	if err := rule.Validate(); err != nil {
		return domain.ScoringRule{}, err
	}
	compiled, err := r.compiler.Compile(rule)
	if err != nil {
		return domain.ScoringRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := &RuleSet{
		Version:  prev.Version + 1,
		rules:    make([]domain.ScoringRule, len(prev.rules), len(prev.rules)+1),
		compiled: make([]*CompiledRule, len(prev.compiled), len(prev.compiled)+1),
	}
	copy(next.rules, prev.rules)
	copy(next.compiled, prev.compiled)
	next.rules = append(next.rules, rule)
	next.compiled = append(next.compiled, compiled)

	r.publish(next)
	return rule, nil
}

// Clear removes every runtime rule.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	r.publish(&RuleSet{Version: prev.Version + 1})
}

func (r *Registry) publish(next *RuleSet) {
	r.current.Store(next)
	if r.onChange != nil {
		r.onChange(next)
	}
}

// Registries keeps one Registry per tenant, created on first use.
type Registries struct {
	mu       sync.RWMutex
	compiler *Compiler
	byTenant map[string]*Registry
	onChange func(tenantID string, set *RuleSet)
}

// NewRegistries creates an empty tenant registry map. onChange may be nil.
func NewRegistries(compiler *Compiler, onChange func(tenantID string, set *RuleSet)) *Registries {
	return &Registries{
		compiler: compiler,
		byTenant: make(map[string]*Registry),
		onChange: onChange,
	}
}

// For returns the registry of a tenant, creating it if needed. Read paths
// should use Snapshot.
func (rs *Registries) For(tenantID string) *Registry {
	rs.mu.RLock()
	reg, ok := rs.byTenant[tenantID]
	rs.mu.RUnlock()
	if ok {
		return reg
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if reg, ok := rs.byTenant[tenantID]; ok {
		return reg
	}

	var hook func(*RuleSet)
	if rs.onChange != nil {
		hook = func(set *RuleSet) { rs.onChange(tenantID, set) }
	}
	reg = NewRegistry(rs.compiler, hook)
	rs.byTenant[tenantID] = reg
	return reg
}

// emptyRuleSet stands in for tenants without a registry. RuleSets are
// immutable, so it is shared.
var emptyRuleSet = &RuleSet{}

// Snapshot returns a tenant's current rule set without creating a registry.
// Tenants that never accepted or cleared a rule get an empty set.
func (rs *Registries) Snapshot(tenantID string) *RuleSet {
	rs.mu.RLock()
	reg, ok := rs.byTenant[tenantID]
	rs.mu.RUnlock()
	if !ok {
		return emptyRuleSet
	}
	return reg.Snapshot()
}

// Tenants returns the tenants that have a registry, sorted.
func (rs *Registries) Tenants() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]string, 0, len(rs.byTenant))
	for id := range rs.byTenant {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
