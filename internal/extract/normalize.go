package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// honorifics are dropped from the front of a place name.
var honorifics = map[string]struct{}{
	"sri": {}, "shri": {}, "sree": {}, "shree": {}, "thiru": {},
	"st": {}, "saint": {}, "mt": {}, "mount": {},
}

// adminSuffixes are dropped from the end of a place name.
var adminSuffixes = map[string]struct{}{
	"district": {}, "dist": {}, "taluk": {}, "taluka": {}, "tehsil": {},
	"mandal": {}, "block": {}, "panchayat": {}, "gram": {}, "village": {},
	"range": {}, "division": {},
}

// Normalize folds s into the geocode cache key form: diacritics removed,
// case folded, punctuation collapsed, leading articles and honorifics
// dropped, administrative suffixes stripped. Stripping never reduces the result below minLength
// runes; when it would, the unstripped form is kept.
func Normalize(s string, minLength int) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	// Casers carry state, so each call gets its own.
	folded = cases.Fold().String(folded)

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for i, f := range fields {
		fields[i] = strings.Trim(f, "'")
	}
	fields = compact(fields)
	if len(fields) == 0 {
		return ""
	}

	stripped := fields
	for len(stripped) > 1 {
		if _, ok := honorifics[stripped[0]]; !ok && stripped[0] != "the" {
			break
		}
		stripped = stripped[1:]
	}
	for len(stripped) > 1 {
		if _, ok := adminSuffixes[stripped[len(stripped)-1]]; !ok {
			break
		}
		stripped = stripped[:len(stripped)-1]
	}

	out := strings.Join(stripped, " ")
	if len([]rune(out)) < minLength {
		return strings.Join(fields, " ")
	}
	return out
}

func compact(fields []string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
