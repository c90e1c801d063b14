// Package lexicon normalizes biasing vocabulary sent to providers and
// computes the confidence boost a transcript earns for matching it.
package lexicon

import (
	"sort"
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
)

const (
	MaxTerms   = 64
	MaxTermLen = 64

	tenantBoostPerTerm = 0.03
	tenantBoostCap     = 0.15
	globalBoostScale   = 0.06
	globalBoostCap     = 0.18
	mergedBoostCap     = 0.22
)

// WeightedTerm is a global lexicon entry. ExpiresAtMS of zero never
// expires.
type WeightedTerm struct {
	Term        string `json:"term"`
	WeightBP    int    `json:"weight_bp"`
	ExpiresAtMS int64  `json:"expires_at_ms,omitempty"`
}

// Expired reports whether the term has lapsed at nowMS.
func (w WeightedTerm) Expired(nowMS int64) bool {
	return w.ExpiresAtMS > 0 && w.ExpiresAtMS <= nowMS
}

// NormalizeTerm lowercases a term and collapses its inner whitespace and
// surrounding punctuation.
func NormalizeTerm(term string) string {
	return strings.Join(stt.NormalizedTokens(term), " ")
}

// Normalize returns the distinct normalized terms in first-seen order,
// dropping empty and oversized terms and capping the list at MaxTerms.
func Normalize(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, raw := range list {
			term := NormalizeTerm(raw)
			if term == "" || len(term) > MaxTermLen {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, term)
			if len(out) == MaxTerms {
				return out
			}
		}
	}
	return out
}

// Active returns the normalized, unexpired global terms, keeping the
// heaviest entry per term, ordered by weight then term.
func Active(terms []WeightedTerm, nowMS int64) []WeightedTerm {
	best := make(map[string]WeightedTerm)
	for _, t := range terms {
		if t.Expired(nowMS) || t.WeightBP <= 0 {
			continue
		}
		t.Term = NormalizeTerm(t.Term)
		if t.Term == "" || len(t.Term) > MaxTermLen {
			continue
		}
		if t.WeightBP > 10000 {
			t.WeightBP = 10000
		}
		if prev, ok := best[t.Term]; !ok || t.WeightBP > prev.WeightBP {
			best[t.Term] = t
		}
	}
	out := make([]WeightedTerm, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightBP != out[j].WeightBP {
			return out[i].WeightBP > out[j].WeightBP
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > MaxTerms {
		out = out[:MaxTerms]
	}
	return out
}

// Terms flattens weighted terms to their text.
func Terms(terms []WeightedTerm) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Term)
	}
	return out
}

// Boost is the confidence bonus text earns for mentioning lexicon terms.
// tenant terms earn a flat bonus per match; global terms earn by weight.
func Boost(text string, tenant []string, global []WeightedTerm, nowMS int64) float64 {
	haystack := " " + strings.Join(stt.NormalizedTokens(text), " ") + " "
	if strings.TrimSpace(haystack) == "" {
		return 0
	}
	var tenantBoost float64
	for _, term := range Normalize(tenant) {
		if strings.Contains(haystack, " "+term+" ") {
			tenantBoost += tenantBoostPerTerm
		}
	}
	if tenantBoost > tenantBoostCap {
		tenantBoost = tenantBoostCap
	}
	var globalBoost float64
	for _, t := range Active(global, nowMS) {
		if strings.Contains(haystack, " "+t.Term+" ") {
			globalBoost += globalBoostScale * float64(t.WeightBP) / 10000
		}
	}
	if globalBoost > globalBoostCap {
		globalBoost = globalBoostCap
	}
	total := tenantBoost + globalBoost
	if total > mergedBoostCap {
		total = mergedBoostCap
	}
	return total
}

// Apply raises the attempt's average word confidence by its lexicon boost.
func Apply(a stt.Attempt, tenant []string, global []WeightedTerm, nowMS int64) stt.Attempt {
	if boost := Boost(a.Text, tenant, global, nowMS); boost > 0 {
		a.AvgWordConfidence = stt.Clamp01(a.AvgWordConfidence + boost)
	}
	return a
}
