package redact

import (
	"fmt"
	"regexp"

	"github.com/mbeema/wiretap/pkg/config"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to recorded message bodies.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, every
// method returns its input unchanged.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// FromConfig builds a Redactor from the redaction config section.
func FromConfig(cfg config.RedactionConfig) (*Redactor, error) {
	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return New(cfg.Enabled, rules), nil
}

// CompileRules compiles user-defined rules.
func CompileRules(specs []config.RedactionRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", s.Name, err)
		}
		repl := s.Replacement
		if repl == "" {
			repl = "[REDACTED]"
		}
		rules = append(rules, Rule{Name: s.Name, Pattern: re, Replacement: repl})
	}
	return rules, nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool { return r.enabled }

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Statement strips literals and bound values from a recorded request body.
func (r *Redactor) Statement(body string) string {
	if !r.enabled {
		return body
	}
	return r.Redact(NormalizeStatement(body))
}

// RedactMap applies redaction to selected map values.
func (r *Redactor) RedactMap(attrs map[string]string, keys ...string) {
	if !r.enabled {
		return
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			attrs[k] = r.Redact(v)
		}
	}
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			// CREATE ROLE r WITH PASSWORD = 'x', ALTER USER u WITH PASSWORD 'x'
			Name:        "role_password",
			Pattern:     regexp.MustCompile(`(?i)(\bPASSWORD\s*=?\s*)'(?:[^']|'')*'`),
			Replacement: "${1}'[REDACTED]'",
		},
		{
			Name:        "credential_option",
			Pattern:     regexp.MustCompile(`(?i)("(?:password|secret|token|api_key)"\s*:\s*)"[^"]*"`),
			Replacement: `${1}"[REDACTED]"`,
		},
	}
}
