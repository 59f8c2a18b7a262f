// Package finding defines the evidence types shared by every detector:
// findings, matched spans, risk categories and the per-request risk score.
// Values are created by detectors and treated as immutable afterwards;
// anything that needs a modified finding builds a new one.
package finding

import "sort"

// Category classifies the risk a finding provides evidence for.
type Category string

const (
	CategoryInstructionOverride Category = "instruction_override"
	CategoryRoleManipulation    Category = "role_manipulation"
	CategoryJailbreak           Category = "jailbreak"
	CategoryContextConfusion    Category = "context_confusion"
	CategoryScopeViolation      Category = "scope_violation"
	CategoryExfiltration        Category = "exfiltration"
	CategoryPII                 Category = "pii"
	CategoryToxicity            Category = "toxicity"
)

// Group is the coarse risk family a category aggregates into.
type Group string

const (
	GroupInjection    Group = "injection"
	GroupExfiltration Group = "exfiltration"
	GroupPII          Group = "pii"
	GroupToxicity     Group = "toxicity"
)

// GroupOf maps a category to its risk group. Unknown categories fall into
// the injection group so a new detector can never silently escape scoring.
func GroupOf(cat Category) Group {
	switch cat {
	case CategoryExfiltration:
		return GroupExfiltration
	case CategoryPII:
		return GroupPII
	case CategoryToxicity:
		return GroupToxicity
	default:
		return GroupInjection
	}
}

// Span is one matched character range in the scanned text.
// Start is inclusive, End exclusive, both byte offsets into the input.
type Span struct {
	Start       int     `json:"start"`
	End         int     `json:"end"`
	MatchedText string  `json:"matched_text"`
	PatternName string  `json:"pattern_name"`
	Severity    float64 `json:"severity"` // 0.0-1.0
}

// Finding is one detector's evidence for one category. Spans are ordered by
// Start. A finding is never mutated after the detector returns it.
type Finding struct {
	DetectorID string   `json:"detector_id"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"` // 0.0-1.0
	Spans      []Span   `json:"spans,omitempty"`
	LatencyMs  float64  `json:"latency_ms"`
}

// WithConfidence returns a copy of the finding with a replaced confidence.
// Spans are shared: they are never written after creation.
func (f Finding) WithConfidence(c float64) Finding {
	f.Confidence = c
	return f
}

// Set is an ordered collection of findings from one scan phase.
type Set []Finding

// MaxConfidence returns the highest confidence in the set, 0 when empty.
func (s Set) MaxConfidence() float64 {
	max := 0.0
	for _, f := range s {
		if f.Confidence > max {
			max = f.Confidence
		}
	}
	return max
}

// MaxConfidenceFor returns the highest confidence among findings of the
// given category, 0 when none match.
func (s Set) MaxConfidenceFor(cat Category) float64 {
	max := 0.0
	for _, f := range s {
		if f.Category == cat && f.Confidence > max {
			max = f.Confidence
		}
	}
	return max
}

// HasCategory reports whether any finding carries the category.
func (s Set) HasCategory(cat Category) bool {
	for _, f := range s {
		if f.Category == cat {
			return true
		}
	}
	return false
}

// ByCategory returns the findings carrying the category, preserving order.
func (s Set) ByCategory(cat Category) Set {
	var out Set
	for _, f := range s {
		if f.Category == cat {
			out = append(out, f)
		}
	}
	return out
}

// Categories returns the distinct categories present, sorted for stable output.
func (s Set) Categories() []Category {
	seen := make(map[Category]bool, len(s))
	var cats []Category
	for _, f := range s {
		if !seen[f.Category] {
			seen[f.Category] = true
			cats = append(cats, f.Category)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
