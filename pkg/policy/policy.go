// Package policy turns detector findings into enforcement decisions.
//
// A Policy is an ordered rule list: rules are validated and sorted once at
// load by descending priority (stable, so declaration order breaks ties) and
// evaluation walks that order, stopping at the first enabled rule whose
// condition matches. No match means ALLOW. Policies come from code
// (DefaultPolicy), YAML files, or redis, all through the same Parse/New path
// so a rule set that failed validation can never be evaluated.
package policy

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/arunrao/rampart/pkg/finding"
)

// Action is what the gateway does with content once a rule matches.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionBlock  Action = "BLOCK"
	ActionRedact Action = "REDACT"
	ActionFlag   Action = "FLAG"
	ActionAlert  Action = "ALERT"
)

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionBlock, ActionRedact, ActionFlag, ActionAlert:
		return true
	}
	return false
}

// Phase names the request phase a decision belongs to.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// ConfigError reports a malformed policy document or rule set. It is fatal
// at startup; a running gateway never swaps in a policy that failed to load.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Condition is a predicate over one phase's findings and the scanned
// content. Leaf fields combine with AND; AnyOf needs at least one
// sub-condition to hold, AllOf needs all of them. A condition with no fields
// set is rejected at load so a half-written rule can never match everything.
type Condition struct {
	// Category matches when a finding of this category is present. With
	// MinConfidence also set, the category's best finding must reach it.
	Category finding.Category `yaml:"category,omitempty" json:"category,omitempty"`

	// MinConfidence without Category applies to the best finding of any
	// category. Matches on >=, so a 0.5 rule fires on a 0.5 finding.
	MinConfidence float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`

	// ContentRegex matches against the scanned content itself, independent
	// of findings. Compiled once at load.
	ContentRegex string `yaml:"content_regex,omitempty" json:"content_regex,omitempty"`

	AnyOf []Condition `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	AllOf []Condition `yaml:"all_of,omitempty" json:"all_of,omitempty"`

	contentRe *regexp.Regexp
}

func (c Condition) empty() bool {
	return c.Category == "" && c.MinConfidence == 0 && c.ContentRegex == "" &&
		len(c.AnyOf) == 0 && len(c.AllOf) == 0
}

var knownCategories = map[finding.Category]bool{
	finding.CategoryInstructionOverride: true,
	finding.CategoryRoleManipulation:    true,
	finding.CategoryJailbreak:           true,
	finding.CategoryContextConfusion:    true,
	finding.CategoryScopeViolation:      true,
	finding.CategoryExfiltration:        true,
	finding.CategoryPII:                 true,
	finding.CategoryToxicity:            true,
}

// compileCondition validates the condition tree and compiles its regexes.
// Typos in category names are caught here rather than silently matching
// nothing for the lifetime of the process.
func compileCondition(c Condition) (Condition, error) {
	if c.empty() {
		return c, fmt.Errorf("condition has no fields set")
	}
	if c.Category != "" && !knownCategories[c.Category] {
		return c, fmt.Errorf("unknown category %q", c.Category)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return c, fmt.Errorf("min_confidence %v outside [0,1]", c.MinConfidence)
	}
	if c.ContentRegex != "" {
		re, err := regexp.Compile(c.ContentRegex)
		if err != nil {
			return c, fmt.Errorf("content_regex: %w", err)
		}
		c.contentRe = re
	}
	for i := range c.AnyOf {
		sub, err := compileCondition(c.AnyOf[i])
		if err != nil {
			return c, fmt.Errorf("any_of[%d]: %w", i, err)
		}
		c.AnyOf[i] = sub
	}
	for i := range c.AllOf {
		sub, err := compileCondition(c.AllOf[i])
		if err != nil {
			return c, fmt.Errorf("all_of[%d]: %w", i, err)
		}
		c.AllOf[i] = sub
	}
	return c, nil
}

func (c Condition) matches(findings finding.Set, content string) bool {
	if c.Category != "" {
		if c.MinConfidence > 0 {
			if findings.MaxConfidenceFor(c.Category) < c.MinConfidence {
				return false
			}
		} else if !findings.HasCategory(c.Category) {
			return false
		}
	} else if c.MinConfidence > 0 && findings.MaxConfidence() < c.MinConfidence {
		return false
	}
	if c.contentRe != nil && !c.contentRe.MatchString(content) {
		return false
	}
	for _, sub := range c.AllOf {
		if !sub.matches(findings, content) {
			return false
		}
	}
	if len(c.AnyOf) > 0 {
		matched := false
		for _, sub := range c.AnyOf {
			if sub.matches(findings, content) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Rule is one enforcement rule. Higher priority evaluates first; rules
// sharing a priority keep their declaration order.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   Condition `yaml:"condition" json:"condition"`
	Action      Action    `yaml:"action" json:"action"`
	Priority    int       `yaml:"priority" json:"priority"`
	Enabled     bool      `yaml:"-" json:"enabled"`
}

// Policy is an immutable, evaluation-ordered rule set.
type Policy struct {
	version string
	rules   []Rule
}

// New validates and compiles the rules into a Policy, sorting them once by
// descending priority. The returned policy owns its rule slice; callers must
// not modify rules after handing them over.
func New(version string, rules []Rule) (*Policy, error) {
	if version == "" {
		version = "unversioned"
	}
	compiled := make([]Rule, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, &ConfigError{Source: version, Err: fmt.Errorf("rule %d: missing id", i)}
		}
		if seen[r.ID] {
			return nil, &ConfigError{Source: version, Err: fmt.Errorf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true
		if !validAction(r.Action) {
			return nil, &ConfigError{Source: version, Err: fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)}
		}
		cond, err := compileCondition(r.Condition)
		if err != nil {
			return nil, &ConfigError{Source: version, Err: fmt.Errorf("rule %s: %w", r.ID, err)}
		}
		r.Condition = cond
		compiled[i] = r
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return &Policy{version: version, rules: compiled}, nil
}

// Version identifies the loaded rule set in logs and audit records.
func (p *Policy) Version() string { return p.version }

// Rules returns a copy of the rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// injectionCategories are the categories that aggregate into the injection
// risk group.
var injectionCategories = []finding.Category{
	finding.CategoryInstructionOverride,
	finding.CategoryRoleManipulation,
	finding.CategoryJailbreak,
	finding.CategoryContextConfusion,
	finding.CategoryScopeViolation,
}

// DefaultPolicy is the baseline the gateway ships with: block injection and
// exfiltration at or above the threshold, redact PII, flag toxicity.
// Thresholds outside (0,1] fall back to 0.5.
func DefaultPolicy(threshold float64) *Policy {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	anyInjection := make([]Condition, 0, len(injectionCategories))
	for _, cat := range injectionCategories {
		anyInjection = append(anyInjection, Condition{Category: cat, MinConfidence: threshold})
	}
	rules := []Rule{
		{
			ID:          "default-block-injection",
			Description: "block prompt injection attempts",
			Condition:   Condition{AnyOf: anyInjection},
			Action:      ActionBlock,
			Priority:    100,
			Enabled:     true,
		},
		{
			ID:          "default-block-exfiltration",
			Description: "block credential and data exfiltration",
			Condition:   Condition{Category: finding.CategoryExfiltration, MinConfidence: threshold},
			Action:      ActionBlock,
			Priority:    90,
			Enabled:     true,
		},
		{
			ID:          "default-redact-pii",
			Description: "redact detected PII in place",
			Condition:   Condition{Category: finding.CategoryPII, MinConfidence: threshold},
			Action:      ActionRedact,
			Priority:    80,
			Enabled:     true,
		},
		{
			ID:          "default-flag-toxicity",
			Description: "flag toxic content for review",
			Condition:   Condition{Category: finding.CategoryToxicity, MinConfidence: threshold},
			Action:      ActionFlag,
			Priority:    70,
			Enabled:     true,
		},
	}
	pol, err := New("builtin-default", rules)
	if err != nil {
		// The builtin rules are fixed; failing to compile them is a bug.
		panic(fmt.Sprintf("policy: builtin default invalid: %v", err))
	}
	return pol
}
