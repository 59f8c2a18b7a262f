package pii

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/arunrao/rampart/pkg/ml"
	"github.com/arunrao/rampart/pkg/patterns"
)

// fakeExtractor scripts NER output so merge behavior is testable without a
// model.
type fakeExtractor struct {
	entities []ml.Entity
	err      error
	ready    bool
	calls    atomic.Int32
}

func (f *fakeExtractor) ExtractEntities(_ context.Context, _ string) ([]ml.Entity, error) {
	f.calls.Add(1)
	return f.entities, f.err
}

func (f *fakeExtractor) NERReady() bool { return f.ready }

func TestDetectPatternEntities(t *testing.T) {
	e := NewEngine(patterns.Get())
	text := "Contact me at john@example.com or call (555) 123-4567"

	entities := e.Detect(context.Background(), text)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(entities), entities)
	}

	email, phone := entities[0], entities[1]
	if email.Type != "email" || email.Value != "john@example.com" {
		t.Errorf("first entity = %+v, want the email", email)
	}
	if phone.Type != "phone" {
		t.Errorf("second entity = %+v, want the phone", phone)
	}
	for _, ent := range entities {
		if ent.Source != SourcePattern {
			t.Errorf("entity %s source = %s, want pattern", ent.Type, ent.Source)
		}
		if text[ent.Start:ent.End] != ent.Value {
			t.Errorf("offsets [%d,%d) do not point at %q", ent.Start, ent.End, ent.Value)
		}
	}
}

func TestDetectMergesModelEntities(t *testing.T) {
	text := "John Smith's address is john@example.com"
	fake := &fakeExtractor{
		ready: true,
		entities: []ml.Entity{
			{Label: "person", Word: "John Smith", Start: 0, End: 10, Score: 0.97},
		},
	}
	e := NewEngine(patterns.Get(), WithExtractor(fake))

	entities := e.Detect(context.Background(), text)
	if len(entities) != 2 {
		t.Fatalf("expected person + email, got %+v", entities)
	}
	if entities[0].Type != "person" || entities[0].Source != SourceModel {
		t.Errorf("first entity = %+v, want model person", entities[0])
	}
	if entities[1].Type != "email" || entities[1].Source != SourcePattern {
		t.Errorf("second entity = %+v, want pattern email", entities[1])
	}
}

func TestDetectNERFailureFallsBackToPatterns(t *testing.T) {
	fake := &fakeExtractor{ready: true, err: errors.New("inference timeout")}
	e := NewEngine(patterns.Get(), WithExtractor(fake))

	entities := e.Detect(context.Background(), "reach me at jane@corp.io")
	if len(entities) != 1 || entities[0].Type != "email" {
		t.Errorf("pattern entities lost on NER failure: %+v", entities)
	}
}

func TestDetectSkipsExtractorWhenNotReady(t *testing.T) {
	fake := &fakeExtractor{ready: false}
	e := NewEngine(patterns.Get(), WithExtractor(fake))

	e.Detect(context.Background(), "reach me at jane@corp.io")
	if fake.calls.Load() != 0 {
		t.Errorf("extractor called %d times while not ready", fake.calls.Load())
	}
}

func TestDetectEmptyText(t *testing.T) {
	e := NewEngine(patterns.Get())
	if entities := e.Detect(context.Background(), ""); entities != nil {
		t.Errorf("empty text produced entities: %+v", entities)
	}
}

func TestDedupeOverlaps(t *testing.T) {
	testCases := []struct {
		name       string
		candidates []Entity
		wantTypes  []string
	}{
		{
			name: "higher confidence wins",
			candidates: []Entity{
				{Type: "person", Start: 0, End: 10, Confidence: 0.6, Source: SourceModel},
				{Type: "email", Start: 5, End: 20, Confidence: 0.95, Source: SourcePattern},
			},
			wantTypes: []string{"email"},
		},
		{
			name: "model beats pattern on confidence",
			candidates: []Entity{
				{Type: "phone", Start: 0, End: 12, Confidence: 0.9, Source: SourcePattern},
				{Type: "person", Start: 4, End: 16, Confidence: 0.99, Source: SourceModel},
			},
			wantTypes: []string{"person"},
		},
		{
			name: "confidence tie goes to pattern",
			candidates: []Entity{
				{Type: "person", Start: 0, End: 10, Confidence: 0.9, Source: SourceModel},
				{Type: "phone", Start: 0, End: 10, Confidence: 0.9, Source: SourcePattern},
			},
			wantTypes: []string{"phone"},
		},
		{
			name: "full tie goes to lower start",
			candidates: []Entity{
				{Type: "ssn", Start: 6, End: 14, Confidence: 0.9, Source: SourcePattern},
				{Type: "phone", Start: 2, End: 10, Confidence: 0.9, Source: SourcePattern},
			},
			wantTypes: []string{"phone"},
		},
		{
			name: "disjoint spans all survive",
			candidates: []Entity{
				{Type: "email", Start: 10, End: 20, Confidence: 0.95, Source: SourcePattern},
				{Type: "person", Start: 0, End: 9, Confidence: 0.5, Source: SourceModel},
			},
			wantTypes: []string{"person", "email"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := dedupeOverlaps(tc.candidates)
			if len(got) != len(tc.wantTypes) {
				t.Fatalf("kept %d entities, want %d: %+v", len(got), len(tc.wantTypes), got)
			}
			for i, typ := range tc.wantTypes {
				if got[i].Type != typ {
					t.Errorf("entity %d = %s, want %s", i, got[i].Type, typ)
				}
			}
			for i := 1; i < len(got); i++ {
				if got[i].Start < got[i-1].End {
					t.Errorf("output entities overlap: %+v", got)
				}
			}
		})
	}
}

func TestRedactFull(t *testing.T) {
	e := NewEngine(patterns.Get())
	text := "Contact John Smith at john@example.com, call (555) 123-4567"

	entities := e.Detect(context.Background(), text)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %+v", entities)
	}

	redacted, err := e.Redact(context.Background(), text, entities, ModeFull)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if strings.Contains(redacted, "john@example.com") {
		t.Error("email survived redaction")
	}
	if strings.Contains(redacted, "(555) 123-4567") {
		t.Error("phone survived redaction")
	}
	if !strings.Contains(redacted, "[EMAIL_REDACTED]") || !strings.Contains(redacted, "[PHONE_REDACTED]") {
		t.Errorf("placeholders missing: %q", redacted)
	}
}

// Right-to-left application: replacements of assorted lengths must never
// shift the offsets of entities earlier in the text.
func TestRedactOffsetsStaySound(t *testing.T) {
	e := NewEngine(patterns.Get())
	text := "a@b.co then 123-45-6789 then c@d.org end"

	entities := e.Detect(context.Background(), text)
	if len(entities) != 3 {
		t.Fatalf("expected 3 entities, got %+v", entities)
	}

	redacted, err := e.Redact(context.Background(), text, entities, ModeFull)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	want := "[EMAIL_REDACTED] then [SSN_REDACTED] then [EMAIL_REDACTED] end"
	if redacted != want {
		t.Errorf("redacted = %q, want %q", redacted, want)
	}
}

func TestRedactPartial(t *testing.T) {
	e := NewEngine(patterns.Get())

	testCases := []struct {
		name string
		text string
		want string
	}{
		{"phone keeps shape", "(555) 123-4567", "(***) ***-4567"},
		{"ssn keeps last four", "123-45-6789", "***-**-6789"},
		{"card keeps last four", "4111 1111 1111 1234", "**** **** **** 1234"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entities := e.Detect(context.Background(), tc.text)
			if len(entities) != 1 {
				t.Fatalf("expected 1 entity in %q, got %+v", tc.text, entities)
			}
			redacted, err := e.Redact(context.Background(), tc.text, entities, ModePartial)
			if err != nil {
				t.Fatalf("Redact: %v", err)
			}
			if redacted != tc.want {
				t.Errorf("redacted = %q, want %q", redacted, tc.want)
			}
		})
	}
}

func TestMaskPartial(t *testing.T) {
	testCases := []struct {
		value string
		want  string
	}{
		{"(555) 123-4567", "(***) ***-4567"},
		{"john@example.com", "****@******e.com"},
		{"abc", "***"},
		{"ab-1", "**-*"},
		{"", ""},
	}
	for _, tc := range testCases {
		if got := maskPartial(tc.value); got != tc.want {
			t.Errorf("maskPartial(%q) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestRedactTokenize(t *testing.T) {
	vault := NewMemoryVault(0)
	e := NewEngine(patterns.Get(), WithVault(vault))
	text := "My SSN is 123-45-6789"

	entities := e.Detect(context.Background(), text)
	redacted, err := e.Redact(context.Background(), text, entities, ModeTokenize)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if strings.Contains(redacted, "123-45-6789") {
		t.Fatal("value survived tokenization")
	}

	start := strings.Index(redacted, "[PII_SSN_")
	if start < 0 {
		t.Fatalf("no token in output: %q", redacted)
	}
	end := strings.Index(redacted[start:], "]")
	token := redacted[start : start+end+1]

	value, err := vault.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", token, err)
	}
	if value != "123-45-6789" {
		t.Errorf("resolved = %q, want original SSN", value)
	}
}

func TestRedactTokenizeRequiresVault(t *testing.T) {
	e := NewEngine(patterns.Get())
	entities := []Entity{{Type: "ssn", Value: "123-45-6789", Start: 0, End: 11, Confidence: 0.98}}

	if _, err := e.Redact(context.Background(), "123-45-6789", entities, ModeTokenize); err == nil {
		t.Fatal("expected error without a vault")
	}
}

func TestRedactRejectsBadSpans(t *testing.T) {
	e := NewEngine(patterns.Get())
	entities := []Entity{{Type: "email", Start: 5, End: 50, Confidence: 0.95}}

	if _, err := e.Redact(context.Background(), "short", entities, ModeFull); err == nil {
		t.Fatal("expected error for out-of-bounds span")
	}
}

func TestRedactNoEntities(t *testing.T) {
	e := NewEngine(patterns.Get())
	text := "nothing sensitive here"

	redacted, err := e.Redact(context.Background(), text, nil, ModeFull)
	if err != nil || redacted != text {
		t.Errorf("Redact(no entities) = (%q, %v), want input unchanged", redacted, err)
	}
}

func TestRedactUnknownMode(t *testing.T) {
	e := NewEngine(patterns.Get())
	entities := []Entity{{Type: "email", Value: "a@b.co", Start: 0, End: 6, Confidence: 0.95}}

	if _, err := e.Redact(context.Background(), "a@b.co", entities, Mode("scramble")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDetectFindings(t *testing.T) {
	e := NewEngine(patterns.Get())
	text := "Emails: a@b.co and c@d.org, phone (555) 123-4567"

	findings := e.DetectFindings(context.Background(), text)
	if len(findings) != 2 {
		t.Fatalf("expected email + phone findings, got %+v", findings)
	}

	email := findings[0]
	if email.DetectorID != EngineDetectorID || string(email.Category) != "pii" {
		t.Errorf("finding identity wrong: %+v", email)
	}
	if len(email.Spans) != 2 {
		t.Errorf("email finding should carry both occurrences, got %d spans", len(email.Spans))
	}
	if email.Confidence != 0.95 {
		t.Errorf("email confidence = %v", email.Confidence)
	}

	if got := e.DetectFindings(context.Background(), "all clear"); got != nil {
		t.Errorf("clean text produced findings: %+v", got)
	}
}

func TestDetectAndRedact(t *testing.T) {
	e := NewEngine(patterns.Get())

	out, err := e.DetectAndRedact(context.Background(), "write to a@b.co today")
	if err != nil {
		t.Fatalf("DetectAndRedact: %v", err)
	}
	if out != "write to [EMAIL_REDACTED] today" {
		t.Errorf("out = %q", out)
	}
}
