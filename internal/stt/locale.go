package stt

import "strings"

// NormalizeLocale lowercases a language tag, converts underscores to hyphens
// and drops trailing separators.
func NormalizeLocale(tag string) string {
	normalized := strings.ToLower(strings.TrimSpace(tag))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	return strings.TrimRight(normalized, "-")
}

// LocaleFamilyMatches reports whether two tags name the same language
// family. Primary subtags must agree; script subtags must agree only when
// both tags carry one.
func LocaleFamilyMatches(a, b string) bool {
	na, nb := NormalizeLocale(a), NormalizeLocale(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	primaryA, scriptA := splitLocale(na)
	primaryB, scriptB := splitLocale(nb)
	if primaryA != primaryB {
		return false
	}
	if scriptA != "" && scriptB != "" && scriptA != scriptB {
		return false
	}
	return true
}

func splitLocale(tag string) (primary, script string) {
	parts := strings.Split(tag, "-")
	primary = parts[0]
	for _, part := range parts[1:] {
		if len(part) == 4 && isAlpha(part) {
			script = part
			break
		}
	}
	return primary, script
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
