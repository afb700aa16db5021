package constitution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the rule file under the waked home directory.
const FileName = "constitution.yaml"

// Path returns the constitution file location under home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// LoadFile parses the rule set from a YAML file. A missing file yields the
// default rule set (not an error): the controller re-reads the file on every
// wake, so edits take effect without a restart.
func LoadFile(path string) (RuleSet, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRuleSet(), nil
		}
		return RuleSet{}, fmt.Errorf("read constitution: %w", err)
	}
	return Parse(body)
}

// Parse parses and validates a YAML rule set.
func Parse(body []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(body, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse constitution: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// DefaultRuleSet is the boundary applied when no constitution file exists.
// Routine backlog and bookkeeping actions run autonomously, anything that
// reaches outside the agent's own stores needs approval, and destructive
// operations are forbidden outright.
func DefaultRuleSet() RuleSet {
	return RuleSet{Rules: []Rule{
		{Pattern: "shell.*", Classification: Forbidden, Reason: "no shell access"},
		{Pattern: "*.delete", Classification: Forbidden, Reason: "destructive"},
		{Pattern: "task.complete", Classification: Autonomous},
		{Pattern: "task.block", Classification: Autonomous},
		{Pattern: "task.create", Classification: Autonomous},
		{Pattern: "focus.set", Classification: Autonomous},
		{Pattern: "noop", Classification: Autonomous},
		{Pattern: "notify.send", Classification: ApprovalRequired, Reason: "reaches the principal"},
	}}
}

// WriteDefault writes the default rule set to path if no file exists there.
// Used by `waked constitution init`.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("constitution already exists at %s", path)
	}
	body, err := yaml.Marshal(DefaultRuleSet())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}
