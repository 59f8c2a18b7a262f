// Package patterns provides the compiled, versioned pattern tables behind
// the deterministic detectors. All regexes compile once at load and the
// resulting registry is shared read-only across requests; replacing tables
// is an explicit versioned swap, never in-place mutation.
//
// Design principles:
// - COMPILE ONCE: tables compile at load, not per-request
// - ONE FINDING PER FAMILY: the highest-severity match wins, near-duplicate
//   matches within a family are never double-counted
// - CLASSED: families are grouped by class so each engine scans only the
//   surface it owns (injection, pii, credential, infrastructure)
package patterns

import (
	"fmt"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/arunrao/rampart/pkg/finding"
)

// Class selects which detection surface a family belongs to.
type Class string

const (
	ClassInjection      Class = "injection"      // input-side prompt attacks
	ClassPII            Class = "pii"            // structured PII entities
	ClassCredential     Class = "credential"     // output-side secrets
	ClassInfrastructure Class = "infrastructure" // output-side infra exposure
)

// DetectorID is the detector identity stamped on pattern findings.
const DetectorID = "patterns"

// DefaultMaxScanBytes bounds how much input a single scan examines. Longer
// inputs are truncated deterministically and reported via the coverage flag.
const DefaultMaxScanBytes = 128 * 1024

// Rule is one expression inside a family. Severity 0 inherits the family's.
type Rule struct {
	Name     string  `yaml:"name"`
	Expr     string  `yaml:"expr"`
	Severity float64 `yaml:"severity"`
}

// Family groups near-duplicate expressions for one attack or entity shape.
type Family struct {
	Name     string           `yaml:"name"`
	Class    Class            `yaml:"class"`
	Category finding.Category `yaml:"category"`
	Severity float64          `yaml:"severity"`
	Rules    []Rule           `yaml:"rules"`
}

// ConfigError reports a malformed pattern table. It is fatal at load time
// and never produced per-request.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pattern table %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type compiledRule struct {
	name     string
	re       *regexp.Regexp
	severity float64
}

type compiledFamily struct {
	name     string
	class    Class
	category finding.Category
	rules    []compiledRule
}

// Registry holds the compiled tables. Reads take the RLock; Swap is the only
// writer.
type Registry struct {
	mu           sync.RWMutex
	version      string
	byClass      map[Class][]*compiledFamily
	total        int
	maxScanBytes int
}

var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the process-wide registry with the builtin tables, compiling
// them on first use.
func Get() *Registry {
	initOnce.Do(func() {
		r, err := New(builtinVersion, builtinFamilies(), DefaultMaxScanBytes)
		if err != nil {
			// Builtin tables are compile-time constants; failing here is a
			// programming error, not an environment problem.
			panic(err)
		}
		globalRegistry = r
	})
	return globalRegistry
}

// New compiles a registry from the given families.
func New(version string, families []Family, maxScanBytes int) (*Registry, error) {
	if maxScanBytes <= 0 {
		maxScanBytes = DefaultMaxScanBytes
	}
	r := &Registry{maxScanBytes: maxScanBytes}
	if err := r.Swap(version, families); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap replaces the tables atomically under the write lock. The old version
// keeps serving concurrent readers until they release the RLock.
func (r *Registry) Swap(version string, families []Family) error {
	byClass, total, err := compile(version, families)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.version = version
	r.byClass = byClass
	r.total = total
	r.mu.Unlock()
	return nil
}

func compile(version string, families []Family) (map[Class][]*compiledFamily, int, error) {
	if version == "" {
		return nil, 0, &ConfigError{Source: "registry", Err: fmt.Errorf("version must not be empty")}
	}

	byClass := make(map[Class][]*compiledFamily)
	total := 0
	seen := make(map[string]bool, len(families))

	for _, fam := range families {
		if fam.Name == "" {
			return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family with empty name")}
		}
		if seen[fam.Name] {
			return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("duplicate family %q", fam.Name)}
		}
		seen[fam.Name] = true

		switch fam.Class {
		case ClassInjection, ClassPII, ClassCredential, ClassInfrastructure:
		default:
			return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q: unknown class %q", fam.Name, fam.Class)}
		}

		cat := fam.Category
		if cat == "" {
			switch fam.Class {
			case ClassPII:
				cat = finding.CategoryPII
			case ClassCredential, ClassInfrastructure:
				cat = finding.CategoryExfiltration
			default:
				return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q: injection families need an explicit category", fam.Name)}
			}
		}

		if fam.Severity < 0 || fam.Severity > 1 {
			return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q: severity %f out of range", fam.Name, fam.Severity)}
		}
		if len(fam.Rules) == 0 {
			return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q: no rules", fam.Name)}
		}

		cf := &compiledFamily{name: fam.Name, class: fam.Class, category: cat}
		for _, rule := range fam.Rules {
			re, err := regexp.Compile(rule.Expr)
			if err != nil {
				return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q rule %q: %w", fam.Name, rule.Name, err)}
			}
			sev := rule.Severity
			if sev == 0 {
				sev = fam.Severity
			}
			if sev < 0 || sev > 1 {
				return nil, 0, &ConfigError{Source: version, Err: fmt.Errorf("family %q rule %q: severity %f out of range", fam.Name, rule.Name, sev)}
			}
			cf.rules = append(cf.rules, compiledRule{name: rule.Name, re: re, severity: sev})
		}

		byClass[fam.Class] = append(byClass[fam.Class], cf)
		total += len(cf.rules)
	}

	return byClass, total, nil
}

// Version returns the version of the currently loaded tables.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// TotalRules returns the number of compiled rules across all families.
func (r *Registry) TotalRules() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// FamilyCount returns the number of families in a class.
func (r *Registry) FamilyCount(class Class) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClass[class])
}

// ScanResult carries the findings of one deterministic pass plus coverage
// metadata. Truncated means the input exceeded the scan bound and only the
// prefix was examined.
type ScanResult struct {
	Findings     finding.Set
	Truncated    bool
	TableVersion string
}

// Scan runs the per-family best-match pass over the given classes (injection
// when none are named) and emits at most one finding per family. Confidence
// equals the severity of the winning rule. Pure function of (text, tables).
func (r *Registry) Scan(text string, classes ...Class) ScanResult {
	start := time.Now()
	if len(classes) == 0 {
		classes = []Class{ClassInjection}
	}

	scanText, truncated := r.truncate(text)

	r.mu.RLock()
	version := r.version
	var fams []*compiledFamily
	for _, c := range classes {
		fams = append(fams, r.byClass[c]...)
	}
	r.mu.RUnlock()

	res := ScanResult{Truncated: truncated, TableVersion: version}
	if scanText == "" {
		return res
	}

	latency := func() float64 { return float64(time.Since(start).Microseconds()) / 1000.0 }

	for _, fam := range fams {
		var best *finding.Span
		for _, rule := range fam.rules {
			loc := rule.re.FindStringIndex(scanText)
			if loc == nil {
				continue
			}
			// Highest severity wins; earliest match breaks ties.
			if best == nil || rule.severity > best.Severity ||
				(rule.severity == best.Severity && loc[0] < best.Start) {
				best = &finding.Span{
					Start:       loc[0],
					End:         loc[1],
					MatchedText: scanText[loc[0]:loc[1]],
					PatternName: fam.name + "." + rule.name,
					Severity:    rule.severity,
				}
			}
		}
		if best != nil {
			res.Findings = append(res.Findings, finding.Finding{
				DetectorID: DetectorID,
				Category:   fam.category,
				Confidence: best.Severity,
				Spans:      []finding.Span{*best},
				LatencyMs:  latency(),
			})
		}
	}

	return res
}

// SpanMatch is one occurrence found by FindAll, used by the engines that
// need every hit rather than the per-family best.
type SpanMatch struct {
	Family   string
	Category finding.Category
	Start    int
	End      int
	Text     string
	Severity float64
}

// FindAll returns every match of every rule in the given classes, ordered by
// start offset. Offsets refer to the (possibly truncated) input prefix.
func (r *Registry) FindAll(text string, classes ...Class) ([]SpanMatch, bool) {
	scanText, truncated := r.truncate(text)
	if scanText == "" {
		return nil, truncated
	}

	r.mu.RLock()
	var fams []*compiledFamily
	for _, c := range classes {
		fams = append(fams, r.byClass[c]...)
	}
	r.mu.RUnlock()

	var out []SpanMatch
	for _, fam := range fams {
		for _, rule := range fam.rules {
			for _, loc := range rule.re.FindAllStringIndex(scanText, -1) {
				out = append(out, SpanMatch{
					Family:   fam.name,
					Category: fam.category,
					Start:    loc[0],
					End:      loc[1],
					Text:     scanText[loc[0]:loc[1]],
					Severity: rule.severity,
				})
			}
		}
	}

	// Stable order: by start, then longer match first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && (out[j].Start < out[j-1].Start ||
			(out[j].Start == out[j-1].Start && out[j].End > out[j-1].End)); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	return out, truncated
}

// truncate cuts the input at the scan bound on a rune boundary so the
// truncated prefix is always valid UTF-8. Deterministic for a given input.
func (r *Registry) truncate(text string) (string, bool) {
	r.mu.RLock()
	max := r.maxScanBytes
	r.mu.RUnlock()

	if len(text) <= max {
		return text, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
