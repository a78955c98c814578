package gateway

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed closecodes.yaml
var defaultCloseCodesYAML []byte

// CloseAction is what a session does after a close code.
type CloseAction string

const (
	ActionResume     CloseAction = "resume"
	ActionReidentify CloseAction = "reidentify"
	ActionFatal      CloseAction = "fatal"
)

// FatalKind names the cause of a fatal close.
type FatalKind string

const (
	FatalAuthentication FatalKind = "authentication"
	FatalIntents        FatalKind = "intents"
	FatalVersion        FatalKind = "version"
	FatalSharding       FatalKind = "sharding"
	FatalValidation     FatalKind = "validation"
	FatalResume         FatalKind = "resume_rejected"
	FatalIdentify       FatalKind = "identify_rejected"
)

// CloseRule is the handling for one close code.
type CloseRule struct {
	Action      CloseAction `yaml:"action" mapstructure:"action"`
	Fatal       FatalKind   `yaml:"fatal,omitempty" mapstructure:"fatal"`
	Description string      `yaml:"description,omitempty" mapstructure:"description"`
}

func (r CloseRule) validate() error {
	switch r.Action {
	case ActionResume, ActionReidentify:
		return nil
	case ActionFatal:
		if r.Fatal == "" {
			return fmt.Errorf("fatal close rule needs a fatal kind")
		}
		return nil
	default:
		return fmt.Errorf("unknown close action %q", r.Action)
	}
}

// CloseCodeTable maps close codes to handling rules.
type CloseCodeTable struct {
	Default CloseRule         `yaml:"default"`
	Codes   map[int]CloseRule `yaml:"codes"`
}

// ParseCloseCodes reads a close code table from YAML.
func ParseCloseCodes(data []byte) (*CloseCodeTable, error) {
	var table CloseCodeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse close codes: %w", err)
	}
	if table.Default.Action == "" {
		table.Default = CloseRule{Action: ActionResume}
	}
	if err := table.Default.validate(); err != nil {
		return nil, fmt.Errorf("default close rule: %w", err)
	}
	for code, rule := range table.Codes {
		rule.Action = CloseAction(strings.ToLower(string(rule.Action)))
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("close code %d: %w", code, err)
		}
		table.Codes[code] = rule
	}
	return &table, nil
}

// DefaultCloseCodes returns the built-in table.
func DefaultCloseCodes() *CloseCodeTable {
	table, err := ParseCloseCodes(defaultCloseCodesYAML)
	if err != nil {
		panic(err)
	}
	return table
}

// Classify returns the rule for code.
func (t *CloseCodeTable) Classify(code int) CloseRule {
	if t == nil {
		return DefaultCloseCodes().Classify(code)
	}
	if rule, ok := t.Codes[code]; ok {
		return rule
	}
	return t.Default
}

// WithOverrides returns a copy of t with rules replaced by overrides.
func (t *CloseCodeTable) WithOverrides(overrides map[int]CloseRule) (*CloseCodeTable, error) {
	out := &CloseCodeTable{Default: t.Default, Codes: make(map[int]CloseRule, len(t.Codes)+len(overrides))}
	for code, rule := range t.Codes {
		out.Codes[code] = rule
	}
	for code, rule := range overrides {
		rule.Action = CloseAction(strings.ToLower(string(rule.Action)))
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("close code %d: %w", code, err)
		}
		out.Codes[code] = rule
	}
	return out, nil
}

// errorFor converts a server close into the session error it causes.
func (t *CloseCodeTable) errorFor(ce *CloseError) error {
	rule := t.Classify(ce.Code)
	if rule.Action != ActionFatal {
		return ce
	}
	reason := ce.Reason
	if reason == "" {
		reason = rule.Description
	}
	if rule.Fatal == FatalAuthentication {
		return &AuthenticationError{Code: ce.Code, Reason: reason}
	}
	return &FatalError{Kind: rule.Fatal, Code: ce.Code, Reason: reason}
}
