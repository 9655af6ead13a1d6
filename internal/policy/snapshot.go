package policy

import (
	"sort"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

type compiledRule struct {
	policy Policy
	tool   glob.Glob
	scope  glob.Glob
	broken bool
}

// Snapshot is an immutable, ordered view of the enabled policies. It is
// safe for concurrent Evaluate calls.
type Snapshot struct {
	rules []compiledRule
}

// NewSnapshot keeps enabled policies, orders them by priority descending
// then id ascending, and compiles their patterns once.
func NewSnapshot(policies []Policy) *Snapshot {
	enabled := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})

	rules := make([]compiledRule, 0, len(enabled))
	for _, p := range enabled {
		rules = append(rules, compileRule(p))
	}

	return &Snapshot{rules: rules}
}

func compileRule(p Policy) compiledRule {
	r := compiledRule{policy: p}

	var err error
	if r.tool, err = compilePattern(p.ToolNamePattern); err != nil {
		log.Warn().Err(err).Int64("policy_id", p.ID).Str("pattern", p.ToolNamePattern).
			Msg("invalid tool name pattern, policy will never match")
		r.broken = true
	}
	if r.scope, err = compilePattern(p.ScopeFilter); err != nil {
		log.Warn().Err(err).Int64("policy_id", p.ID).Str("scope_filter", p.ScopeFilter).
			Msg("invalid scope filter, policy will never match")
		r.broken = true
	}
	if !p.Action.Valid() {
		log.Warn().Int64("policy_id", p.ID).Str("action", string(p.Action)).
			Msg("invalid policy action, policy will never match")
		r.broken = true
	}

	return r
}

// Evaluate returns the action of the first fully matching rule.
func (s *Snapshot) Evaluate(a Attributes) Result {
	if s == nil {
		return NoMatch()
	}

	keys := a.Scope.Keys()
	for _, r := range s.rules {
		if r.broken {
			continue
		}
		if !matchEventType(r.policy.EventType, a.EventType) {
			continue
		}
		if !matchPattern(r.tool, a.ToolName) {
			continue
		}
		if !matchAnyKey(r.scope, keys) {
			continue
		}

		return Result{
			Action:     r.policy.Action,
			Matched:    true,
			PolicyID:   r.policy.ID,
			PolicyName: r.policy.Name,
		}
	}

	return NoMatch()
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Policies returns the enabled policies in evaluation order.
func (s *Snapshot) Policies() []Policy {
	if s == nil {
		return nil
	}
	out := make([]Policy, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.policy
	}
	return out
}

// Evaluate is the pure form: it builds a snapshot of policies and evaluates
// a against it.
func Evaluate(a Attributes, policies []Policy) Result {
	return NewSnapshot(policies).Evaluate(a)
}

func matchEventType(want, got hook.EventType) bool {
	return want == "" || want == "*" || want == got
}
