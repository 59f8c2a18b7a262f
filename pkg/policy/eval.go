package policy

import (
	"log"
	"sort"
	"strings"

	"github.com/arunrao/rampart/pkg/finding"
)

// Decision is the outcome of one policy pass over one piece of content. It
// is terminal for its phase: callers copy it into responses and audit
// records but never change it afterwards.
type Decision struct {
	Action             Action            `json:"action"`
	TriggeringRuleID   string            `json:"triggering_rule_id,omitempty"`
	Risk               finding.RiskScore `json:"risk_score"`
	Findings           finding.Set       `json:"findings,omitempty"`
	TransformedContent string            `json:"transformed_content,omitempty"`

	// Stamped by the orchestrator when it assembles the final record.
	Phase    Phase  `json:"phase,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Blocked reports whether the decision denies the content.
func (d Decision) Blocked() bool { return d.Action == ActionBlock }

// Evaluate runs the policy against one phase's findings. Rules are walked in
// evaluation order and the first enabled rule whose condition matches
// decides; no match means ALLOW. A nil policy allows everything. Identical
// (findings, content, policy) always produce an identical decision; the one
// side effect is the [ALERT] log line when an alert rule fires.
//
// Mixed-category finding sets go through the single rule list in one pass.
// There are no per-category sub-evaluations: a rule about pii and a rule
// about jailbreak compete on priority alone.
func Evaluate(findings finding.Set, content string, pol *Policy) Decision {
	risk := finding.ComputeRisk(findings)
	if pol == nil {
		return Decision{Action: ActionAllow, Risk: risk, Findings: findings}
	}
	for _, rule := range pol.rules {
		if !rule.Enabled {
			continue
		}
		if !rule.Condition.matches(findings, content) {
			continue
		}
		d := Decision{
			Action:           rule.Action,
			TriggeringRuleID: rule.ID,
			Risk:             risk,
			Findings:         findings,
		}
		switch rule.Action {
		case ActionRedact:
			d.TransformedContent = transform(content, findings)
		case ActionAlert:
			log.Printf("[ALERT] rule %s matched: risk=%.2f categories=%v",
				rule.ID, risk.Overall, findings.Categories())
		}
		return d
	}
	return Decision{Action: ActionAllow, Risk: risk, Findings: findings}
}

// transform rewrites the matched spans out of the content. PII spans carry
// their entity type in PatternName and become [TYPE_REDACTED] placeholders,
// the same shape the PII engine's full mode produces; spans from other
// categories are blanked with asterisks of equal length. Replacements apply
// in descending start order so earlier splices never shift a later span's
// offsets; when spans overlap, the first one applied wins.
//
// Spans marked "(normalized)" or "(decoded)" index a rescan surface, not
// the raw input, and are skipped here. They exist for risk scoring only.
func transform(content string, findings finding.Set) string {
	type replacement struct {
		start, end int
		text       string
	}
	var repls []replacement
	for _, f := range findings {
		for _, sp := range f.Spans {
			if strings.Contains(sp.PatternName, "(normalized)") ||
				strings.Contains(sp.PatternName, "(decoded)") {
				continue
			}
			if sp.Start < 0 || sp.End > len(content) || sp.Start >= sp.End {
				continue
			}
			r := replacement{start: sp.Start, end: sp.End}
			if f.Category == finding.CategoryPII {
				r.text = "[" + strings.ToUpper(sp.PatternName) + "_REDACTED]"
			} else {
				r.text = strings.Repeat("*", sp.End-sp.Start)
			}
			repls = append(repls, r)
		}
	}
	if len(repls) == 0 {
		return content
	}
	sort.SliceStable(repls, func(i, j int) bool { return repls[i].start > repls[j].start })
	out := content
	applied := len(content) + 1
	for _, r := range repls {
		if r.end > applied {
			continue
		}
		out = out[:r.start] + r.text + out[r.end:]
		applied = r.start
	}
	return out
}
