package ml

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/arunrao/rampart/pkg/finding"
	"github.com/arunrao/rampart/pkg/normalize"
	"github.com/arunrao/rampart/pkg/patterns"
)

// Detector IDs attached to router-produced findings.
const (
	// ClassifierDetectorID marks findings from the injection classifier.
	ClassifierDetectorID = "ml.classifier"
	// SemanticDetectorID marks findings from the vector-similarity detector.
	SemanticDetectorID = "ml.semantic"
	// HybridDetectorID marks findings merged from agreeing detectors.
	HybridDetectorID = "hybrid"
)

// TextClassifier is the classification surface the router depends on.
// *Classifier satisfies it; tests substitute fakes.
type TextClassifier interface {
	ClassifyText(ctx context.Context, text string) (Verdict, error)
	IsReady() bool
}

// RouteResult is the complete input-side detection outcome for one text.
type RouteResult struct {
	Findings finding.Set       `json:"findings"`
	Risk     finding.RiskScore `json:"risk"`

	// Preliminary is the highest pattern confidence before the ML pass,
	// kept for observability. It never gates the ML path.
	Preliminary float64 `json:"preliminary"`

	// Degraded marks that the ML path was unavailable and the result is
	// pattern-only. The request still gets a decision.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	// Truncated reports partial pattern coverage of an oversized input.
	Truncated    bool   `json:"truncated,omitempty"`
	TableVersion string `json:"table_version"`
}

// Router runs the hybrid detection pipeline: pattern matching first (raw
// and canonicalized surfaces), then the ML classifier, then the optional
// semantic detector, merging everything into one finding set.
type Router struct {
	registry   *patterns.Registry
	classifier TextClassifier
	semantic   *SemanticDetector
	fastMode   bool
}

// RouterOption configures optional router behavior.
type RouterOption func(*Router)

// WithSemanticDetector attaches the vector-similarity layer.
func WithSemanticDetector(sd *SemanticDetector) RouterOption {
	return func(r *Router) { r.semantic = sd }
}

// WithFastMode skips the ML path entirely. This is the only condition under
// which the classifier does not run; pattern confidence never gates it.
func WithFastMode(enabled bool) RouterOption {
	return func(r *Router) { r.fastMode = enabled }
}

// NewRouter builds a router over the shared pattern registry and classifier.
func NewRouter(registry *patterns.Registry, classifier TextClassifier, opts ...RouterOption) *Router {
	r := &Router{
		registry:   registry,
		classifier: classifier,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Analyze runs the full input-side pipeline. It always returns a result:
// ML failure degrades to pattern-only findings, it never aborts.
func (r *Router) Analyze(ctx context.Context, text string) RouteResult {
	if strings.TrimSpace(text) == "" {
		return RouteResult{TableVersion: r.registry.Version()}
	}

	scan := r.registry.Scan(text)
	fs := scan.Findings

	// Second scan surface: the canonicalized text catches homoglyph and
	// width obfuscation. Folded offsets do not map back to the raw input,
	// so these findings span the whole input and contribute risk only.
	if folded := normalize.Fold(text); folded.Changed {
		foldScan := r.registry.Scan(folded.Folded)
		for _, f := range foldScan.Findings {
			if fs.MaxConfidenceFor(f.Category) >= f.Confidence {
				continue
			}
			fs = mergeByCategory(fs, rescanFinding(f, len(text), "(normalized)"))
		}
	}

	// Third scan surface: plaintext recovered from reversible encodings
	// (base64, percent escapes, numeric character references). Decoded
	// offsets mean nothing in the raw input, same whole-input span rule.
	if dec := normalize.Decode(text); dec.Recovered != "" {
		decScan := r.registry.Scan(dec.Recovered)
		for _, f := range decScan.Findings {
			if fs.MaxConfidenceFor(f.Category) >= f.Confidence {
				continue
			}
			fs = mergeByCategory(fs, rescanFinding(f, len(text), "(decoded)"))
		}
	}

	result := RouteResult{
		Preliminary:  fs.MaxConfidence(),
		Truncated:    scan.Truncated,
		TableVersion: scan.TableVersion,
	}

	if !r.fastMode {
		var verdict Verdict
		var err error
		if r.classifier == nil {
			err = &DegradedError{Reason: "classifier not configured"}
		} else {
			verdict, err = r.classifier.ClassifyText(ctx, text)
		}
		switch {
		case err != nil:
			var degraded *DegradedError
			if errors.As(err, &degraded) {
				result.Degraded = true
				result.DegradedReason = degraded.Reason
			} else {
				result.Degraded = true
				result.DegradedReason = err.Error()
			}
		case verdict.IsThreat:
			fs = mergeByCategory(fs, finding.Finding{
				DetectorID: ClassifierDetectorID,
				Category:   categoryForLabel(verdict.Label),
				Confidence: verdict.Confidence,
				LatencyMs:  verdict.LatencyMs,
			})
		}

		if r.semantic.IsReady() {
			if match, err := r.semantic.Detect(ctx, text); err != nil {
				// Optional layer: failure is logged and skipped, never degraded.
				log.Printf("[ML] semantic detection skipped: %v", err)
			} else if match.IsThreat {
				fs = mergeByCategory(fs, finding.Finding{
					DetectorID: SemanticDetectorID,
					Category:   match.Category,
					Confidence: match.Score,
					Spans: []finding.Span{{
						Start:       0,
						End:         len(text),
						PatternName: "similar: " + match.MatchedText,
						Severity:    match.Score,
					}},
				})
			}
		}
	}

	result.Findings = fs
	result.Risk = finding.ComputeRisk(fs)
	return result
}

// mergeByCategory applies the agreement rule. When the candidate's category
// already exists in the set, the strongest same-category finding and the
// candidate collapse into one NEW finding at the max of their confidences,
// carrying both evidence span lists; the originals are not mutated.
// A disagreeing (new) category appends the candidate unchanged.
func mergeByCategory(fs finding.Set, candidate finding.Finding) finding.Set {
	bestIdx := -1
	for i := range fs {
		if fs[i].Category != candidate.Category {
			continue
		}
		if bestIdx == -1 || fs[i].Confidence > fs[bestIdx].Confidence {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return append(fs, candidate)
	}

	existing := fs[bestIdx]
	conf := existing.Confidence
	if candidate.Confidence > conf {
		conf = candidate.Confidence
	}

	spans := make([]finding.Span, 0, len(existing.Spans)+len(candidate.Spans))
	spans = append(spans, existing.Spans...)
	spans = append(spans, candidate.Spans...)

	merged := finding.Finding{
		DetectorID: HybridDetectorID,
		Category:   candidate.Category,
		Confidence: conf,
		Spans:      spans,
		LatencyMs:  existing.LatencyMs + candidate.LatencyMs,
	}

	out := make(finding.Set, 0, len(fs))
	out = append(out, fs[:bestIdx]...)
	out = append(out, fs[bestIdx+1:]...)
	return append(out, merged)
}

// rescanFinding rewrites a secondary-surface pattern hit as a whole-input
// finding. The marker suffix ("(normalized)", "(decoded)") keeps it out of
// redaction, which only trusts raw-input offsets.
func rescanFinding(f finding.Finding, rawLen int, marker string) finding.Finding {
	patternName := string(f.Category)
	matched := ""
	severity := f.Confidence
	if len(f.Spans) > 0 {
		patternName = f.Spans[0].PatternName
		matched = f.Spans[0].MatchedText
		severity = f.Spans[0].Severity
	}
	return finding.Finding{
		DetectorID: f.DetectorID,
		Category:   f.Category,
		Confidence: f.Confidence,
		Spans: []finding.Span{{
			Start:       0,
			End:         rawLen,
			MatchedText: matched,
			PatternName: patternName + " " + marker,
			Severity:    severity,
		}},
		LatencyMs: f.LatencyMs,
	}
}

// categoryForLabel maps classifier labels onto finding categories. Binary
// injection models distinguish only attack/benign; jailbreak-flavored labels
// map to jailbreak, everything else to instruction_override.
func categoryForLabel(label string) finding.Category {
	if strings.Contains(strings.ToLower(label), "jailbreak") {
		return finding.CategoryJailbreak
	}
	return finding.CategoryInstructionOverride
}
