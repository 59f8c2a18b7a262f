package normalize

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Compiled once; candidate extraction runs on every request.
var (
	// Base64 runs of 8+ chars with optional padding. Ordinary words match
	// too; the printability filter on the decoded bytes rejects those.
	reBase64 = regexp.MustCompile(`[A-Za-z0-9+/]{8,}={0,2}`)

	// Numeric character references, decimal (&#105;) and hex (&#x69;).
	reDecEntity = regexp.MustCompile(`&#(\d+);`)
	reHexEntity = regexp.MustCompile(`&#[xX]([0-9a-fA-F]+);`)
)

// decodePasses bounds the chain. Two passes unwrap singly and doubly
// encoded payloads (base64 inside percent escapes and the like); deeper
// nesting stays encoded.
const decodePasses = 2

// DecodeResult carries the plaintext recovered from encoded fragments of
// an input. Recovered is empty when no decoder applied.
type DecodeResult struct {
	Recovered string
	Steps     []string
}

// decodeStep is one entry in the decode table. fn returns the recovered
// plaintext, or "" when the step does not apply; steps that rewrite the
// whole text return "" when the rewrite is an identity.
type decodeStep struct {
	name string
	fn   func(string) string
}

var decodeChain = []decodeStep{
	{"base64", decodeBase64},
	{"url", decodeURLEscapes},
	{"html", decodeHTMLEntities},
}

// Decode recovers plaintext hidden behind reversible encodings so the
// pattern tables can scan it. Every decoder runs over the input, then once
// more over whatever the first pass produced. Fragments join into a single
// scan surface; offsets into it are meaningless for the raw input.
func Decode(text string) DecodeResult {
	var res DecodeResult
	if text == "" {
		return res
	}

	var fragments []string
	seen := map[string]bool{text: true}
	frontier := []string{text}
	for pass := 0; pass < decodePasses && len(frontier) > 0; pass++ {
		var next []string
		for _, s := range frontier {
			for _, d := range decodeChain {
				out := d.fn(s)
				if out == "" || seen[out] {
					continue
				}
				seen[out] = true
				fragments = append(fragments, out)
				res.Steps = append(res.Steps, d.name)
				// Tiny fragments cannot hold another encoding layer.
				if len(out) > 3 {
					next = append(next, out)
				}
			}
		}
		frontier = next
	}

	res.Recovered = strings.Join(fragments, " ")
	return res
}

// decodeBase64 extracts base64 runs that decode to readable text. The
// 8-char floor plus the printability check keep sentence words from
// producing garbage fragments.
func decodeBase64(text string) string {
	var out []string
	for _, m := range reBase64.FindAllString(text, -1) {
		raw, err := base64.StdEncoding.DecodeString(m)
		if err != nil {
			continue
		}
		s := string(raw)
		if len(s) > 2 && printable(s) {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

// decodeURLEscapes unescapes percent-encoded text when that changes it.
func decodeURLEscapes(text string) string {
	if !strings.Contains(text, "%") {
		return ""
	}
	if out, err := url.QueryUnescape(text); err == nil && out != text {
		return out
	}
	return ""
}

// decodeHTMLEntities rewrites numeric character references back to ASCII.
// Named entities and references outside ASCII pass through untouched.
func decodeHTMLEntities(text string) string {
	if !strings.Contains(text, "&#") {
		return ""
	}

	out := reDecEntity.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[2 : len(m)-1])
		if err != nil || n <= 0 || n >= 128 {
			return m
		}
		return string(rune(n))
	})
	out = reHexEntity.ReplaceAllStringFunc(out, func(m string) string {
		n, err := strconv.ParseUint(m[3:len(m)-1], 16, 32)
		if err != nil || n == 0 || n >= 128 {
			return m
		}
		return string(rune(n))
	})

	if out != text {
		return out
	}
	return ""
}

// printable accepts valid UTF-8 made of printing or spacing runes. Binary
// output from a coincidental base64 match fails here.
func printable(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == unicode.ReplacementChar {
			return false
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
