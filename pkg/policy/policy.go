// Package policy gates HTTP actions and plan steps on capability rules.
package policy

import (
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// Run modes. Enterprise mode additionally requires an authenticated subject
// for every enforced action.
const (
	RunModeDevelopment = "development"
	RunModeEnterprise  = "enterprise"
)

// Deny is one reason an action was refused.
type Deny struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// Decision is the enforcement outcome. Deny is non-empty iff Allow is false.
type Decision struct {
	Allow bool   `json:"allow"`
	Deny  []Deny `json:"deny,omitempty"`
}

// HTTPAction describes one request being gated.
type HTTPAction struct {
	Action               string
	RequiredCapabilities []string
	Agent                string
	TraceID              string
	Subject              *models.Subject
	RunMode              string
}

// Enforcer is the pluggable policy contract. Implementations must be pure:
// no side effects, callable concurrently.
type Enforcer interface {
	EnforceHTTPAction(action HTTPAction) Decision
	EnforcePlanStep(step models.PlanStep, subject *models.Subject) Decision
}

// Rule grants a capability to subjects holding any of the listed roles or
// scopes. A capability without a rule is open.
type Rule struct {
	Capability string   `yaml:"capability"`
	Roles      []string `yaml:"roles"`
	Scopes     []string `yaml:"scopes"`
}

// RuleEnforcer is the embedded rule evaluator.
type RuleEnforcer struct {
	runMode string
	rules   map[string]Rule
}

// NewRuleEnforcer builds an enforcer from the configured rules.
func NewRuleEnforcer(runMode string, rules []Rule) *RuleEnforcer {
	indexed := make(map[string]Rule, len(rules))
	for _, r := range rules {
		indexed[r.Capability] = r
	}
	return &RuleEnforcer{runMode: runMode, rules: indexed}
}

// EnforceHTTPAction implements Enforcer.
func (e *RuleEnforcer) EnforceHTTPAction(action HTTPAction) Decision {
	runMode := action.RunMode
	if runMode == "" {
		runMode = e.runMode
	}
	if runMode == RunModeEnterprise && action.Subject == nil {
		return Decision{Deny: []Deny{{Reason: "subject required in enterprise run mode"}}}
	}

	var denies []Deny
	for _, capability := range action.RequiredCapabilities {
		if deny, ok := e.check(capability, action.Subject); !ok {
			denies = append(denies, deny)
		}
	}
	if len(denies) > 0 {
		return Decision{Deny: denies}
	}
	return Decision{Allow: true}
}

// EnforcePlanStep implements Enforcer.
func (e *RuleEnforcer) EnforcePlanStep(step models.PlanStep, subject *models.Subject) Decision {
	if e.runMode == RunModeEnterprise && subject == nil {
		return Decision{Deny: []Deny{{Reason: "subject required in enterprise run mode", Capability: step.Capability}}}
	}
	if step.Capability == "" {
		return Decision{Allow: true}
	}
	if deny, ok := e.check(step.Capability, subject); !ok {
		return Decision{Deny: []Deny{deny}}
	}
	return Decision{Allow: true}
}

// check evaluates one capability against the subject's roles and scopes.
func (e *RuleEnforcer) check(capability string, subject *models.Subject) (Deny, bool) {
	rule, ok := e.rules[capability]
	if !ok {
		return Deny{}, true
	}
	if subject == nil {
		return Deny{Reason: "capability restricted, no subject", Capability: capability}, false
	}
	for _, role := range rule.Roles {
		for _, have := range subject.Roles {
			if role == have {
				return Deny{}, true
			}
		}
	}
	for _, scope := range rule.Scopes {
		for _, have := range subject.Scopes {
			if scope == have {
				return Deny{}, true
			}
		}
	}
	return Deny{Reason: "subject lacks required role or scope", Capability: capability}, false
}
