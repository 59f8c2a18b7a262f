// Package exfil scans LLM output for signs of data leaving the system:
// leaked credentials, exposed infrastructure details, and URLs that smuggle
// data through query parameters. It only reports findings; whether to block
// is the policy evaluator's call.
package exfil

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/arunrao/rampart/pkg/finding"
	"github.com/arunrao/rampart/pkg/patterns"
)

// Detector IDs, one per independent sub-check.
const (
	CredentialDetectorID     = "exfil.credentials"
	InfrastructureDetectorID = "exfil.infrastructure"
	URLDetectorID            = "exfil.urls"
)

// suspiciousParams are query parameter names that move payloads: a non-trusted
// URL carrying one is a classic exfiltration channel for injected outputs.
var suspiciousParams = []string{"data", "token", "secret", "key"}

const urlParamSeverity = 0.8

var urlRe = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Scanner runs the output-side checks against the shared pattern registry.
type Scanner struct {
	registry       *patterns.Registry
	trustedDomains []string
}

// NewScanner builds a scanner. trustedDomains suppress URL findings for a
// domain and all its subdomains (suffix match).
func NewScanner(registry *patterns.Registry, trustedDomains []string) *Scanner {
	return &Scanner{
		registry:       registry,
		trustedDomains: trustedDomains,
	}
}

// Scan returns the union of the three sub-checks. Sub-checks are independent:
// each contributes its own findings under its own detector ID, and a quiet
// sub-check contributes nothing.
func (s *Scanner) Scan(text string) finding.Set {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	started := time.Now()
	latency := func() float64 {
		return float64(time.Since(started).Microseconds()) / 1000.0
	}

	var out finding.Set
	out = append(out, s.patternFindings(text, patterns.ClassCredential, CredentialDetectorID, latency)...)
	out = append(out, s.patternFindings(text, patterns.ClassInfrastructure, InfrastructureDetectorID, latency)...)
	out = append(out, s.urlFindings(text, latency)...)
	return out
}

// patternFindings folds registry matches of one class into findings, one per
// family with every occurrence attached. Credential matches are shown
// truncated so findings never re-leak the secret they caught.
func (s *Scanner) patternFindings(text string, class patterns.Class, detectorID string, latency func() float64) finding.Set {
	matches, _ := s.registry.FindAll(text, class)
	if len(matches) == 0 {
		return nil
	}

	var order []string
	grouped := make(map[string]*finding.Finding)
	for _, m := range matches {
		f, ok := grouped[m.Family]
		if !ok {
			f = &finding.Finding{
				DetectorID: detectorID,
				Category:   finding.CategoryExfiltration,
			}
			grouped[m.Family] = f
			order = append(order, m.Family)
		}
		if m.Severity > f.Confidence {
			f.Confidence = m.Severity
		}

		display := m.Text
		if class == patterns.ClassCredential {
			display = redactSecret(display)
		}
		f.Spans = append(f.Spans, finding.Span{
			Start:       m.Start,
			End:         m.End,
			MatchedText: display,
			PatternName: m.Family,
			Severity:    m.Severity,
		})
	}

	elapsed := latency()
	out := make(finding.Set, 0, len(order))
	for _, fam := range order {
		grouped[fam].LatencyMs = elapsed
		out = append(out, *grouped[fam])
	}
	return out
}

// urlFindings extracts URLs and flags suspicious parameters on hosts outside
// the trusted allowlist. Trusted domains are never flagged; bare untrusted
// URLs without payload parameters are not flagged either, or every citation
// in a model answer would light up.
func (s *Scanner) urlFindings(text string, latency func() float64) finding.Set {
	locs := urlRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	f := finding.Finding{
		DetectorID: URLDetectorID,
		Category:   finding.CategoryExfiltration,
	}
	for _, loc := range locs {
		raw := text[loc[0]:loc[1]]
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		if s.isTrusted(u.Hostname()) {
			continue
		}

		param := suspiciousParam(u)
		if param == "" {
			continue
		}

		f.Spans = append(f.Spans, finding.Span{
			Start:       loc[0],
			End:         loc[1],
			MatchedText: raw,
			PatternName: "url_param." + param,
			Severity:    urlParamSeverity,
		})
	}

	if len(f.Spans) == 0 {
		return nil
	}
	f.Confidence = urlParamSeverity
	f.LatencyMs = latency()
	return finding.Set{f}
}

// isTrusted matches the host against the allowlist: exact domain or any
// subdomain of it.
func (s *Scanner) isTrusted(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range s.trustedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// suspiciousParam returns the first payload-shaped parameter name present in
// the URL's query, or "".
func suspiciousParam(u *url.URL) string {
	query := u.Query()
	for _, name := range suspiciousParams {
		for key := range query {
			if strings.EqualFold(key, name) {
				return name
			}
		}
	}
	return ""
}

// redactSecret truncates a credential match for display so scan results are
// safe to log and persist.
func redactSecret(match string) string {
	if len(match) <= 10 {
		return "[REDACTED]"
	}
	return match[:4] + "..." + match[len(match)-4:]
}
