package policy

import (
	"fmt"
	"os"
	"regexp"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk policy file.
type Document struct {
	Defaults struct {
		RequireApproval Level `yaml:"require_approval"`
	} `yaml:"defaults"`
	Rules []Rule `yaml:"rules"`
}

func compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if !r.Approval.Valid() {
			return nil, fmt.Errorf("rule %d: unknown approval level %q", i, r.Approval)
		}
		fromPat := r.From
		if fromPat == "" {
			fromPat = "*"
		}
		toPat := r.To
		if toPat == "" {
			toPat = "*"
		}
		from, err := glob.Compile(fromPat)
		if err != nil {
			return nil, fmt.Errorf("rule %d: from glob %q: %w", i, r.From, err)
		}
		to, err := glob.Compile(toPat)
		if err != nil {
			return nil, fmt.Errorf("rule %d: to glob %q: %w", i, r.To, err)
		}
		var pattern *regexp.Regexp
		if r.MessagePattern != "" {
			pattern, err = regexp.Compile("(?i)" + r.MessagePattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: message_pattern %q: %w", i, r.MessagePattern, err)
			}
		}
		compiled = append(compiled, compiledRule{
			from:    from,
			to:      to,
			typ:     r.Type,
			pattern: pattern,
			level:   r.Approval,
			label:   r.Label,
		})
	}
	return compiled, nil
}

// LoadInto parses the policy file at path and replaces the engine's rules.
// A missing file leaves the engine on its defaults.
func LoadInto(e *Engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	rules, err := compile(doc.Rules)
	if err != nil {
		return err
	}
	e.Replace(doc.Defaults.RequireApproval, rules)
	return nil
}

// Load builds an engine from the policy file at path.
func Load(path string) (*Engine, error) {
	e := NewEngine(Once)
	if err := LoadInto(e, path); err != nil {
		return nil, err
	}
	return e, nil
}
