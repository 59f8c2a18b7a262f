// Package pii detects personal data in text and rewrites it. Structured
// entities (emails, phone numbers, SSNs, cards, IPs) come from the pattern
// registry; semantic entities (names, organizations, addresses) come from the
// ML adapter's NER pipeline when a model is loaded. Redaction supports full
// replacement, format-preserving partial masks, and reversible tokenization
// through a TokenVault.
package pii

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/arunrao/rampart/pkg/finding"
	"github.com/arunrao/rampart/pkg/ml"
	"github.com/arunrao/rampart/pkg/patterns"
)

// EngineDetectorID is stamped on findings produced by DetectFindings.
const EngineDetectorID = "pii.engine"

// Source tells which detection surface produced an entity.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceModel   Source = "model"
)

// Mode selects how Redact rewrites detected entities.
type Mode string

const (
	// ModeFull replaces the value with [TYPE_REDACTED].
	ModeFull Mode = "full"
	// ModePartial masks all but the last 4 characters, keeping separators.
	ModePartial Mode = "partial"
	// ModeTokenize swaps the value for an opaque reversible vault token.
	ModeTokenize Mode = "tokenize"
)

// Entity is one detected piece of personal data. Start/End are byte offsets
// into the original input.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// EntityExtractor is the NER surface of the ML adapter. *ml.Classifier
// satisfies it; tests substitute fakes.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) ([]ml.Entity, error)
	NERReady() bool
}

// Engine merges pattern and model entities and applies redaction.
type Engine struct {
	registry  *patterns.Registry
	extractor EntityExtractor
	vault     TokenVault
}

// Option configures optional engine surfaces.
type Option func(*Engine)

// WithExtractor attaches the NER pipeline for semantic entities.
func WithExtractor(x EntityExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithVault attaches the token vault required by ModeTokenize.
func WithVault(v TokenVault) Option {
	return func(e *Engine) { e.vault = v }
}

// NewEngine builds a PII engine over the shared pattern registry.
func NewEngine(registry *patterns.Registry, opts ...Option) *Engine {
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect returns every PII entity in the text, pattern and model surfaces
// merged, with no overlapping spans. NER failure downgrades silently to
// pattern-only results; structured detection must never depend on the model.
func (e *Engine) Detect(ctx context.Context, text string) []Entity {
	if text == "" {
		return nil
	}

	matches, _ := e.registry.FindAll(text, patterns.ClassPII)
	candidates := make([]Entity, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, Entity{
			Type:       m.Family,
			Value:      m.Text,
			Start:      m.Start,
			End:        m.End,
			Confidence: m.Severity,
			Source:     SourcePattern,
		})
	}

	if e.extractor != nil && e.extractor.NERReady() {
		nerEntities, err := e.extractor.ExtractEntities(ctx, text)
		if err != nil {
			log.Printf("[ML] ner extraction skipped: %v", err)
		}
		for _, ne := range nerEntities {
			candidates = append(candidates, Entity{
				Type:       ne.Label,
				Value:      ne.Word,
				Start:      ne.Start,
				End:        ne.End,
				Confidence: ne.Score,
				Source:     SourceModel,
			})
		}
	}

	return dedupeOverlaps(candidates)
}

// dedupeOverlaps drops the weaker of any two overlapping entities. Ties go to
// the pattern source, then the lower start offset, so output is deterministic
// for a given candidate multiset. Result is ordered by start.
func dedupeOverlaps(candidates []Entity) []Entity {
	if len(candidates) < 2 {
		return candidates
	}

	ranked := make([]Entity, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Source != b.Source {
			return a.Source == SourcePattern
		}
		return a.Start < b.Start
	})

	kept := make([]Entity, 0, len(ranked))
	for _, cand := range ranked {
		overlaps := false
		for _, k := range kept {
			if cand.Start < k.End && k.Start < cand.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Redact rewrites the given entities in the text. Entities must not overlap
// (Detect guarantees this). Replacements are applied in descending start
// order so earlier rewrites never shift the offsets of later ones.
func (e *Engine) Redact(ctx context.Context, text string, entities []Entity, mode Mode) (string, error) {
	if len(entities) == 0 {
		return text, nil
	}
	if mode == ModeTokenize && e.vault == nil {
		return "", fmt.Errorf("tokenize mode requires a vault")
	}

	for _, ent := range entities {
		if ent.Start < 0 || ent.End > len(text) || ent.Start > ent.End {
			return "", fmt.Errorf("entity span [%d,%d) out of bounds for %d-byte input",
				ent.Start, ent.End, len(text))
		}
	}

	ordered := make([]Entity, len(entities))
	copy(ordered, entities)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := text
	for _, ent := range ordered {
		repl, err := e.replacement(ctx, ent, mode)
		if err != nil {
			return "", err
		}
		out = out[:ent.Start] + repl + out[ent.End:]
	}
	return out, nil
}

func (e *Engine) replacement(ctx context.Context, ent Entity, mode Mode) (string, error) {
	switch mode {
	case ModeFull:
		return "[" + strings.ToUpper(ent.Type) + "_REDACTED]", nil
	case ModePartial:
		return maskPartial(ent.Value), nil
	case ModeTokenize:
		token, err := e.vault.Store(ctx, ent.Type, ent.Value)
		if err != nil {
			return "", fmt.Errorf("tokenize %s: %w", ent.Type, err)
		}
		return token, nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q", mode)
	}
}

// maskPartial hides all but the last 4 alphanumeric characters, leaving
// separators in place so the shape of the value survives: (555) 123-4567
// becomes (***) ***-4567. Values with 4 or fewer alphanumerics mask fully.
func maskPartial(value string) string {
	alnum := 0
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	keep := 4
	if alnum <= keep {
		keep = 0
	}
	toMask := alnum - keep

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if (unicode.IsLetter(r) || unicode.IsDigit(r)) && toMask > 0 {
			b.WriteRune('*')
			toMask--
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FindingsFromEntities folds detected entities into category-pii findings,
// one finding per entity type with every occurrence attached as a span.
// Pure; callers that timed the detection stamp LatencyMs themselves.
func FindingsFromEntities(entities []Entity) finding.Set {
	if len(entities) == 0 {
		return nil
	}

	var order []string
	grouped := make(map[string]*finding.Finding)
	for _, ent := range entities {
		f, ok := grouped[ent.Type]
		if !ok {
			f = &finding.Finding{
				DetectorID: EngineDetectorID,
				Category:   finding.CategoryPII,
			}
			grouped[ent.Type] = f
			order = append(order, ent.Type)
		}
		if ent.Confidence > f.Confidence {
			f.Confidence = ent.Confidence
		}
		f.Spans = append(f.Spans, finding.Span{
			Start:       ent.Start,
			End:         ent.End,
			MatchedText: ent.Value,
			PatternName: ent.Type,
			Severity:    ent.Confidence,
		})
	}

	out := make(finding.Set, 0, len(order))
	for _, typ := range order {
		out = append(out, *grouped[typ])
	}
	return out
}

// DetectFindings runs Detect and folds the entities into category-pii
// findings for the policy pass, one finding per entity type with every
// occurrence attached as a span.
func (e *Engine) DetectFindings(ctx context.Context, text string) finding.Set {
	started := time.Now()
	out := FindingsFromEntities(e.Detect(ctx, text))
	elapsed := float64(time.Since(started).Microseconds()) / 1000.0
	for i := range out {
		out[i].LatencyMs = elapsed
	}
	return out
}

// DetectAndRedact is the one-call surface used by the policy evaluator's
// REDACT action: detect everything, rewrite in full mode.
func (e *Engine) DetectAndRedact(ctx context.Context, text string) (string, error) {
	return e.Redact(ctx, text, e.Detect(ctx, text), ModeFull)
}
