package stt

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokens splits text on whitespace.
func Tokens(text string) []string {
	return strings.Fields(text)
}

// NormalizeToken lowercases a token and strips surrounding punctuation.
func NormalizeToken(token string) string {
	trimmed := strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.ToLower(trimmed)
}

// NormalizedTokens returns the non-empty normalized tokens of text.
func NormalizedTokens(text string) []string {
	raw := Tokens(text)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if n := NormalizeToken(tok); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// CanonicalText collapses case and whitespace for equality checks.
func CanonicalText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// CharCount counts runes of the trimmed text.
func CharCount(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// TokenOverlap is the Jaccard ratio of the normalized token sets of a and b.
// Two empty texts overlap fully.
func TokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range NormalizedTokens(text) {
		set[tok] = struct{}{}
	}
	return set
}

// Clamp01 clamps v into [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ToBP converts a unit ratio to basis points.
func ToBP(v float64) int {
	return int(math.Round(Clamp01(v) * 10000))
}

var unknownMarkers = []string{"<unk>", "[unk]", "???"}

// Garbled reports whether text repeats one token four or more times in a
// row (case-insensitive) or carries an unknown-token marker.
func Garbled(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range unknownMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	run := 1
	var prev string
	for i, tok := range Tokens(lower) {
		if i > 0 && tok == prev {
			run++
			if run >= 4 {
				return true
			}
		} else {
			run = 1
		}
		prev = tok
	}
	return false
}
