// Package textutil holds the text normalization shared by keyword matchers.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics, so "Dosagem", "dosagém" and
// "DOSAGEM" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokens splits folded text into words made of letters and digits.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Normalize folds s and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(Fold(s)), " ")
}

// ContainsAny reports whether folded text contains any of the folded needles
// as a whole word or phrase. Returns the first match.
func ContainsAny(folded string, needles ...string) (string, bool) {
	padded := " " + strings.Join(Tokens(folded), " ") + " "
	for _, n := range needles {
		nn := strings.Join(Tokens(n), " ")
		if nn == "" {
			continue
		}
		if strings.Contains(padded, " "+nn+" ") {
			return n, true
		}
	}
	return "", false
}

// HasPrefixWord reports whether any token of folded text starts with one of
// the stems (e.g. "preocup" matches "preocupado", "preocupação").
func HasPrefixWord(folded string, stems ...string) (string, bool) {
	for _, tok := range Tokens(folded) {
		for _, st := range stems {
			if strings.HasPrefix(tok, Fold(st)) {
				return st, true
			}
		}
	}
	return "", false
}
