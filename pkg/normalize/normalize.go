// Package normalize builds the secondary scan surfaces for the pattern
// tables. Fold canonicalizes trivially obfuscated text (fullwidth letters,
// zero-width joiners, Cyrillic lookalikes, compatibility forms) back to the
// form the tables are written against; Decode recovers plaintext hidden
// behind reversible encodings (base64, percent escapes, numeric character
// references).
//
// Offsets into either surface do not correspond to the raw input, so
// matches against them are risk evidence only; redaction always works on
// raw offsets.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Result carries the canonical form and which steps changed the input.
type Result struct {
	Folded  string
	Changed bool
	Steps   []string
}

// confusables maps common Cyrillic/Greek/IPA lookalikes onto their Latin
// equivalents. NFKC does not touch these because they are distinct letters,
// not compatibility forms.
var confusables = map[rune]rune{
	// Cyrillic lowercase
	'а': 'a', 'е': 'e', 'і': 'i', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	// Cyrillic uppercase
	'А': 'A', 'В': 'B', 'С': 'C', 'Е': 'E', 'Н': 'H', 'І': 'I', 'К': 'K',
	'М': 'M', 'О': 'O', 'Р': 'P', 'Т': 'T', 'Х': 'X',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'η': 'n', 'ι': 'i', 'κ': 'k', 'ν': 'v',
	'ο': 'o', 'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x',
	// IPA
	'ɑ': 'a', 'ɡ': 'g', 'ɩ': 'i', 'ɪ': 'i',
}

// Fold canonicalizes text, recording which transformations applied.
func Fold(text string) Result {
	if text == "" {
		return Result{}
	}

	res := Result{Folded: text}

	apply := func(step string, fn func(string) string) {
		out := fn(res.Folded)
		if out != res.Folded {
			res.Folded = out
			res.Changed = true
			res.Steps = append(res.Steps, step)
		}
	}

	apply("width", width.Fold.String)
	apply("nfkc", norm.NFKC.String)
	apply("invisibles", stripInvisibles)
	apply("confusables", mapConfusables)
	apply("case", strings.ToLower)

	return res
}

// stripInvisibles drops format characters (Cf class: zero-width spaces,
// joiners, direction marks, Unicode tags) and variation selectors.
func stripInvisibles(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) || r == 0xFE0E || r == 0xFE0F {
			return -1
		}
		return r
	}, s)
}

func mapConfusables(s string) string {
	return strings.Map(func(r rune) rune {
		if mapped, ok := confusables[r]; ok {
			return mapped
		}
		return r
	}, s)
}
