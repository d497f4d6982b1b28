// Package compliance enforces data-residency and no-logs policy before any
// connection or telemetry action leaves the device. Evaluation is a pure
// function of (action, rule-set snapshot): replaying the same action against
// the same snapshot always yields the same verdict, which is what makes the
// enforcement auditable. Acting on a verdict is the caller's job.
package compliance

import (
	"fmt"
	"time"
)

// Scope classifies what a rule governs.
type Scope string

const (
	ScopeDataLocalization Scope = "data-localization"
	ScopeNoLogs           Scope = "no-logs"
	ScopeAuditRequired    Scope = "audit-required"
)

// Rule is one policy entry. Rules are value types inside an immutable
// rule-set snapshot; they are never mutated after load.
type Rule struct {
	ID     string `yaml:"id"`
	Scope  Scope  `yaml:"scope"`
	Region string `yaml:"region,omitempty"` // overrides the set residency for localization rules
}

// RuleSet is an immutable snapshot of the active policy. Updating policy
// builds a new snapshot with a higher epoch; concurrent evaluations keep
// reading the one they started with.
type RuleSet struct {
	epoch     uint64
	residency string
	rules     []Rule
}

// NewRuleSet builds a snapshot. The rule slice is copied.
func NewRuleSet(epoch uint64, residency string, rules []Rule) *RuleSet {
	rs := &RuleSet{epoch: epoch, residency: residency}
	rs.rules = make([]Rule, len(rules))
	copy(rs.rules, rules)
	return rs
}

// Epoch identifies the policy generation.
func (rs *RuleSet) Epoch() uint64 { return rs.epoch }

// Residency is the configured data-residency region.
func (rs *RuleSet) Residency() string { return rs.residency }

// Rules returns a copy of the rule entries.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func (rs *RuleSet) find(scope Scope) (Rule, bool) {
	for _, r := range rs.rules {
		if r.Scope == scope {
			return r, true
		}
	}
	return Rule{}, false
}

// Class tags what an outgoing action is.
type Class string

const (
	ClassConnect       Class = "connect"
	ClassTelemetry     Class = "telemetry"
	ClassDiagnostic    Class = "diagnostic"
	ClassConnectionLog Class = "connection-log"
	ClassBrowsingLog   Class = "browsing-log"
)

// Action describes one outgoing action to be judged.
type Action struct {
	Class        Class
	TargetRegion string

	// Scope is the declared compliance scope of the target server, when
	// the action is bound to one.
	Scope Scope

	// Fields names the payload fields the action wants to carry; under
	// AllowWithRedaction they are all stripped.
	Fields []string

	// SecurityIncident marks a record requested under incident audit.
	SecurityIncident bool
}

// Outcome is the verdict category.
type Outcome string

const (
	OutcomeAllow              Outcome = "allow"
	OutcomeDeny               Outcome = "deny"
	OutcomeAllowWithRedaction Outcome = "allow_with_redaction"
)

// Denial reasons surfaced verbatim to callers.
const (
	ReasonRegionMismatch = "region_mismatch"
	ReasonNoLogs         = "no_logs"
)

// Verdict is the result of evaluating one action.
type Verdict struct {
	Outcome        Outcome
	Reason         string
	RuleID         string
	RedactedFields []string
}

// Evaluate judges an action against a rule-set snapshot. It is
// deterministic and side-effect free.
func Evaluate(action Action, rs *RuleSet) Verdict {
	switch action.Class {
	case ClassConnect, ClassTelemetry, ClassDiagnostic:
		rule, ok := rs.find(ScopeDataLocalization)
		if !ok {
			// Without an explicit localization rule, a server declared
			// under the data-localization scope is still held to the
			// configured residency.
			if action.Scope != ScopeDataLocalization || rs.residency == "" {
				return Verdict{Outcome: OutcomeAllow}
			}
			if action.TargetRegion != rs.residency {
				return Verdict{Outcome: OutcomeDeny, Reason: ReasonRegionMismatch}
			}
			return Verdict{Outcome: OutcomeAllow}
		}
		required := rule.Region
		if required == "" {
			required = rs.residency
		}
		if required != "" && action.TargetRegion != required {
			return Verdict{Outcome: OutcomeDeny, Reason: ReasonRegionMismatch, RuleID: rule.ID}
		}
		return Verdict{Outcome: OutcomeAllow, RuleID: rule.ID}

	case ClassConnectionLog, ClassBrowsingLog:
		noLogs, hasNoLogs := rs.find(ScopeNoLogs)
		audit, hasAudit := rs.find(ScopeAuditRequired)
		if hasAudit && action.SecurityIncident {
			// Only the minimal structured record passes: timestamp,
			// rule id and outcome. Every payload field is stripped.
			return Verdict{
				Outcome:        OutcomeAllowWithRedaction,
				RuleID:         audit.ID,
				RedactedFields: append([]string(nil), action.Fields...),
			}
		}
		if hasNoLogs {
			return Verdict{Outcome: OutcomeDeny, Reason: ReasonNoLogs, RuleID: noLogs.ID}
		}
		// No-logs posture is the default even without an explicit rule.
		return Verdict{Outcome: OutcomeDeny, Reason: ReasonNoLogs}

	default:
		return Verdict{Outcome: OutcomeAllow}
	}
}

// DenialError carries a compliance denial to callers. Denials are terminal
// for the action and are never retried.
type DenialError struct {
	Reason string
	RuleID string
}

func (e *DenialError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("compliance denied: %s", e.Reason)
	}
	return fmt.Sprintf("compliance denied: %s (rule %s)", e.Reason, e.RuleID)
}

// AuditRecord is the only shape allowed out to the logging collaborator:
// timestamp, rule id and outcome. Payload content never appears here.
type AuditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	RuleID    string    `json:"rule_id"`
	Outcome   Outcome   `json:"outcome"`
}
