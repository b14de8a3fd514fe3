package risk

import (
	"fmt"
	"sort"
	"sync"
)

// Condition is a rule predicate over an assessment and its transaction
// context.
type Condition func(a *Assessment, ctx *Context) bool

// DecisionRule maps a matching assessment to an enforcement action. Names
// are unique; adding a rule under an existing name replaces it.
type DecisionRule struct {
	Name        string
	Condition   Condition
	Action      Action
	Priority    int // higher evaluated first
	Description string
}

// Default decision thresholds.
const (
	BlockScoreThreshold = 0.9
	HoldScoreThreshold  = 0.7
	FlagScoreThreshold  = 0.4
)

// DecisionEngine evaluates an ordered rule set. The rule list is copied on
// every mutation and swapped atomically so concurrent MakeDecision calls
// never observe a partial update.
type DecisionEngine struct {
	mu    sync.RWMutex
	rules []DecisionRule // sorted: priority desc, insertion order on ties
	seq   int            // insertion counter for tie breaking
	order map[string]int // rule name -> insertion sequence
}

// NewDecisionEngine creates an engine preloaded with the built-in default
// rules.
func NewDecisionEngine() *DecisionEngine {
	e := &DecisionEngine{order: make(map[string]int)}
	for _, r := range defaultRules() {
		// Built-in rules are well formed.
		_ = e.AddRule(r)
	}
	return e
}

func defaultRules() []DecisionRule {
	return []DecisionRule{
		{
			Name:        "critical_score_block",
			Condition:   func(a *Assessment, _ *Context) bool { return a.OverallRiskScore > BlockScoreThreshold },
			Action:      ActionBlock,
			Priority:    100,
			Description: "Block transactions with critical risk scores",
		},
		{
			Name:        "high_score_hold",
			Condition:   func(a *Assessment, _ *Context) bool { return a.OverallRiskScore > HoldScoreThreshold },
			Action:      ActionHold,
			Priority:    90,
			Description: "Hold transactions with high risk scores for review",
		},
		{
			Name:        "elevated_score_flag",
			Condition:   func(a *Assessment, _ *Context) bool { return a.OverallRiskScore > FlagScoreThreshold },
			Action:      ActionFlag,
			Priority:    80,
			Description: "Flag transactions with elevated risk scores",
		},
	}
}

// AddRule inserts or replaces a rule by name. Malformed rules are rejected
// synchronously and the current rule set is kept.
func (e *DecisionEngine) AddRule(r DecisionRule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: rule %q has no condition", ErrInvalidRule, r.Name)
	}
	switch r.Action {
	case ActionApprove, ActionFlag, ActionHold, ActionBlock:
	default:
		return fmt.Errorf("%w: rule %q has unknown action %q", ErrInvalidRule, r.Name, r.Action)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]DecisionRule, 0, len(e.rules)+1)
	for _, existing := range e.rules {
		if existing.Name != r.Name {
			next = append(next, existing)
		}
	}
	if _, replaced := e.order[r.Name]; !replaced {
		e.order[r.Name] = e.seq
		e.seq++
	}
	next = append(next, r)
	e.sortRules(next)
	e.rules = next
	return nil
}

// RemoveRule deletes a rule by name. Removing an unknown rule is a no-op
// returning false.
func (e *DecisionEngine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]DecisionRule, 0, len(e.rules))
	removed := false
	for _, r := range e.rules {
		if r.Name == name {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if removed {
		delete(e.order, name)
		e.rules = next
	}
	return removed
}

// Rules returns a copy of the current rule set in evaluation order.
func (e *DecisionEngine) Rules() []DecisionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DecisionRule(nil), e.rules...)
}

// MakeDecision evaluates rules in priority order and returns the action of
// the first match, with the matching rule's name. No match returns the safe
// default approve.
func (e *DecisionEngine) MakeDecision(a *Assessment, ctx *Context) (Action, string) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if r.Condition(a, ctx) {
			return r.Action, r.Name
		}
	}
	return ActionApprove, ""
}

// sortRules orders by priority descending, insertion order on ties. Caller
// holds the write lock.
func (e *DecisionEngine) sortRules(rules []DecisionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return e.order[rules[i].Name] < e.order[rules[j].Name]
	})
}
