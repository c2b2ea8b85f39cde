package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// GuardRule declares a capacity guard for part of an application's
// footprint. "*" matches any value in account, location, stack and
// detail.
type GuardRule struct {
	Account  string `yaml:"account" json:"account"`
	Location string `yaml:"location" json:"location"`
	Stack    string `yaml:"stack" json:"stack"`
	Detail   string `yaml:"detail" json:"detail"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// guardModule is the rego policy deciding whether any rule covers the
// cluster being verified.
const guardModule = `package helmsman.guard

default guarded = false

guarded {
	some i
	rule := input.rules[i]
	rule.enabled
	field_matches(rule.account, input.account)
	field_matches(rule.location, input.location)
	field_matches(rule.stack, input.stack)
	field_matches(rule.detail, input.detail)
}

field_matches(pattern, _) {
	pattern == "*"
}

field_matches(pattern, value) {
	pattern == value
}
`

// OPAPolicySource implements PolicySource by evaluating guard rules
// with the OPA rego engine. Rules are declared per application.
type OPAPolicySource struct {
	mu     sync.RWMutex
	rules  map[string][]GuardRule
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
}

// NewOPAPolicySource compiles the guard policy over the given
// per-application rules.
func NewOPAPolicySource(ctx context.Context, rules map[string][]GuardRule, logger *telemetry.Logger) (*OPAPolicySource, error) {
	query, err := rego.New(
		rego.Module("guard.rego", guardModule),
		rego.Query("data.helmsman.guard.guarded"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare guard policy: %w", err)
	}

	if rules == nil {
		rules = map[string][]GuardRule{}
	}
	return &OPAPolicySource{
		rules:  rules,
		query:  query,
		logger: logger.NewComponentLogger("guard-policy"),
	}, nil
}

// SetRules replaces the rules for one application.
func (s *OPAPolicySource) SetRules(application string, rules []GuardRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[application] = rules
}

// HasGuard reports whether any enabled rule covers the given cluster.
// Applications without rules are never guarded.
func (s *OPAPolicySource) HasGuard(ctx context.Context, moniker Moniker, account string, location Location) (bool, error) {
	s.mu.RLock()
	rules := s.rules[moniker.App]
	s.mu.RUnlock()
	if len(rules) == 0 {
		return false, nil
	}

	input := map[string]interface{}{
		"account":  account,
		"location": location.Value,
		"stack":    moniker.Stack,
		"detail":   moniker.Detail,
		"rules":    rules,
	}
	results, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("guard policy evaluation error: %w", err)
	}

	guarded := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if v, ok := results[0].Expressions[0].Value.(bool); ok {
			guarded = v
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"application": moniker.App,
		"account":     account,
		"location":    location.Value,
		"guarded":     guarded,
	}).Debug("Guard policy evaluated")
	return guarded, nil
}
