// Package policy evaluates routed messages against the operator's approval
// rules. Decide is pure rule matching; runtime grants recorded by Record
// make mission- and session-scoped approvals stick for the hub's lifetime.
package policy

import (
	"regexp"
	"sync"

	"github.com/gobwas/glob"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// Level is the approval requirement attached to a rule.
type Level string

const (
	Never       Level = "never"
	AlwaysAllow Level = "always_allow"
	Once        Level = "once"
	Mission     Level = "mission"
	Session     Level = "session"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case Never, AlwaysAllow, Once, Mission, Session:
		return true
	}
	return false
}

// Scope identifies how far an operator's allow/deny reaches.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeMission Scope = "mission"
	ScopeSession Scope = "session"
	ScopeAlways  Scope = "always_allow"
)

// Outcome is the three-way result of Decide.
type Outcome int

const (
	AutoAllow Outcome = iota
	AutoDeny
	AskOperator
)

// Decision is what the router acts on. Notify is set when an auto-allowed
// traversal should still be visible to the operator.
type Decision struct {
	Outcome Outcome
	Notify  bool
	Label   string
	Scopes  []Scope
}

// Rule is one ordered policy entry; first match wins.
type Rule struct {
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	Type           string `yaml:"type,omitempty"`
	MessagePattern string `yaml:"message_pattern,omitempty"`
	Approval       Level  `yaml:"approval"`
	Label          string `yaml:"label,omitempty"`
}

type compiledRule struct {
	from    glob.Glob
	to      glob.Glob
	typ     string
	pattern *regexp.Regexp
	level   Level
	label   string
}

func (r compiledRule) matches(msg model.Message) bool {
	if !r.from.Match(msg.FromAgent) || !r.to.Match(msg.ToAgent) {
		return false
	}
	if r.typ != "" && r.typ != "*" && r.typ != "any" && r.typ != string(msg.Type) {
		return false
	}
	if r.pattern != nil && !r.pattern.MatchString(msg.Payload.Text()) {
		return false
	}
	return true
}

type grantKey struct {
	scope   Scope
	from    string
	to      string
	mission string
}

// Engine is the rule matcher plus the runtime grant cache. Rules are
// replaced wholesale on reload; grants survive reloads.
type Engine struct {
	mu       sync.RWMutex
	rules    []compiledRule
	defaults Level
	grants   map[grantKey]bool // true = allowed, false = denied
}

// NewEngine builds an engine with the given default level and no rules.
func NewEngine(defaultLevel Level) *Engine {
	if !defaultLevel.Valid() {
		defaultLevel = Once
	}
	return &Engine{
		defaults: defaultLevel,
		grants:   make(map[grantKey]bool),
	}
}

// allScopes is offered on every operator prompt: allow once, for the
// mission, for the sender/recipient pair, or permanently.
var allScopes = []Scope{ScopeOnce, ScopeMission, ScopeSession, ScopeAlways}

// Decide evaluates a message. It performs no I/O and takes no locks beyond
// the engine's own read lock.
func (e *Engine) Decide(msg model.Message) Decision {
	// Operator-originated traffic never prompts the operator.
	if msg.FromAgent == model.HumanSender {
		return Decision{Outcome: AutoAllow}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Runtime grants take priority over static rules, narrowest first.
	for _, key := range []grantKey{
		{scope: ScopeMission, from: msg.FromAgent, to: msg.ToAgent, mission: msg.MissionID},
		{scope: ScopeSession, from: msg.FromAgent, to: msg.ToAgent},
		{scope: ScopeAlways, from: msg.FromAgent, to: msg.ToAgent},
	} {
		allowed, ok := e.grants[key]
		if !ok {
			continue
		}
		if allowed {
			return Decision{Outcome: AutoAllow, Notify: key.scope == ScopeAlways}
		}
		return Decision{Outcome: AutoDeny}
	}

	level := e.defaults
	label := ""
	for _, rule := range e.rules {
		if rule.matches(msg) {
			level = rule.level
			label = rule.label
			break
		}
	}

	switch level {
	case Never:
		return Decision{Outcome: AutoAllow}
	case AlwaysAllow:
		return Decision{Outcome: AutoAllow, Notify: true}
	default: // once, mission, session
		return Decision{Outcome: AskOperator, Label: label, Scopes: allScopes}
	}
}

// Record stores the operator's choice. ScopeOnce leaves no grant; the next
// message asks again. A denial with scope mission or session blocks the
// same scope without another prompt.
func (e *Engine) Record(msg model.Message, scope Scope, allowed bool) {
	if scope == ScopeOnce {
		return
	}
	key := grantKey{scope: scope, from: msg.FromAgent, to: msg.ToAgent}
	if scope == ScopeMission {
		key.mission = msg.MissionID
	}
	e.mu.Lock()
	e.grants[key] = allowed
	e.mu.Unlock()
}

// ClearMission drops all grants recorded for a mission, called when the
// mission reaches a terminal state.
func (e *Engine) ClearMission(missionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.grants {
		if key.scope == ScopeMission && key.mission == missionID {
			delete(e.grants, key)
		}
	}
}

// Replace swaps the rule set and default, keeping grants.
func (e *Engine) Replace(defaultLevel Level, rules []compiledRule) {
	if !defaultLevel.Valid() {
		defaultLevel = Once
	}
	e.mu.Lock()
	e.defaults = defaultLevel
	e.rules = rules
	e.mu.Unlock()
}

// RuleCount returns the number of active rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
