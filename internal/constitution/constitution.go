// Package constitution classifies proposed actions against an ordered,
// declarative rule set. Rules are evaluated in declared order and the first
// matching pattern wins, so rule order is significant to authors. An action
// matching no rule is APPROVAL_REQUIRED: unknown actions never run on their
// own.
package constitution

import (
	"fmt"
	"strings"
)

// Classification is the policy decision for a proposed action.
type Classification string

const (
	Autonomous       Classification = "autonomous"
	ApprovalRequired Classification = "approval_required"
	Forbidden        Classification = "forbidden"
)

// Rule maps an action-name pattern to a classification. Patterns match the
// whole action name, case-insensitively; '*' matches any run of characters
// (e.g. "task.*", "*.delete").
type Rule struct {
	Pattern        string         `yaml:"pattern"`
	Classification Classification `yaml:"classification"`
	Reason         string         `yaml:"reason,omitempty"`
}

// RuleSet is an ordered set of rules. The zero value classifies everything as
// ApprovalRequired.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Decision is the result of classifying one action.
type Decision struct {
	Classification Classification
	// MatchedRule is the pattern of the winning rule, empty when no rule
	// matched and the default applied.
	MatchedRule string
	Reason      string
}

// Classify evaluates the rules in order against the action name and returns
// the first match. It is a pure function: no I/O, no hidden state.
func (rs RuleSet) Classify(action string) Decision {
	action = strings.ToLower(strings.TrimSpace(action))
	for _, r := range rs.Rules {
		if matchPattern(strings.ToLower(strings.TrimSpace(r.Pattern)), action) {
			return Decision{Classification: r.Classification, MatchedRule: r.Pattern, Reason: r.Reason}
		}
	}
	return Decision{Classification: ApprovalRequired, Reason: "no matching rule"}
}

// matchPattern reports whether s matches pattern in full, where '*' matches
// any (possibly empty) run of characters.
func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

// Validate checks every rule has a pattern and a known classification.
func (rs RuleSet) Validate() error {
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return &RuleError{Index: i, Msg: "empty pattern"}
		}
		switch r.Classification {
		case Autonomous, ApprovalRequired, Forbidden:
		default:
			return &RuleError{Index: i, Msg: "unknown classification " + string(r.Classification)}
		}
	}
	return nil
}

// RuleError reports an invalid rule by position.
type RuleError struct {
	Index int
	Msg   string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("constitution rule %d: %s", e.Index, e.Msg)
}
