// Package stream canonicalizes partial-transcript revisions and decides
// when a revision may be committed early.
package stream

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/stt"
)

// Canonicalize merges revisions into a gap-free batch ordered by revision
// id. Duplicate ids resolve to the stable, then more confident, then
// lexically greater candidate, independent of arrival order.
func Canonicalize(partials []stt.PartialAttempt, finalized bool) (stt.PartialBatch, error) {
	if len(partials) == 0 {
		return stt.PartialBatch{}, stt.Reasonf(stt.ReasonPartialInvalid, "no partials")
	}
	byID := make(map[uint32]stt.PartialAttempt, len(partials))
	for _, p := range partials {
		if err := validate(p); err != nil {
			return stt.PartialBatch{}, err
		}
		if current, ok := byID[p.RevisionID]; !ok || outranks(p, current) {
			byID[p.RevisionID] = p
		}
	}

	out := make([]stt.PartialAttempt, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevisionID < out[j].RevisionID })
	for i, p := range out {
		if p.RevisionID != uint32(i+1) {
			return stt.PartialBatch{}, stt.Reasonf(stt.ReasonPartialOrder, fmt.Sprintf("expected revision %d, got %d", i+1, p.RevisionID))
		}
	}
	if finalized && !out[len(out)-1].Stable {
		return stt.PartialBatch{}, stt.Reasonf(stt.ReasonPartialInvalid, "finalized batch ends unstable")
	}
	return stt.PartialBatch{Partials: out, Finalized: finalized}, nil
}

func validate(p stt.PartialAttempt) error {
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return stt.Reasonf(stt.ReasonPartialInvalid, fmt.Sprintf("revision %d confidence out of range", p.RevisionID))
	}
	if p.RevisionID == 0 {
		return stt.Reasonf(stt.ReasonPartialInvalid, "revision ids start at 1")
	}
	return nil
}

func outranks(a, b stt.PartialAttempt) bool {
	if a.Stable != b.Stable {
		return a.Stable
	}
	if ca, cb := stt.ToBP(a.Confidence), stt.ToBP(b.Confidence); ca != cb {
		return ca > cb
	}
	return a.Text > b.Text
}

// Attempt views a revision as an evaluator attempt.
func Attempt(p stt.PartialAttempt, slot stt.ProviderSlot, latencyMS int64, language string) stt.Attempt {
	return stt.Attempt{
		Slot:               slot,
		LatencyMS:          latencyMS,
		Text:               p.Text,
		Language:           language,
		AvgWordConfidence:  stt.Clamp01(p.Confidence),
		LowConfidenceRatio: stt.Clamp01(1 - p.Confidence),
		Stable:             p.Stable,
	}
}

// LowLatencyEligible reports whether the attempt behind the latest
// revision can be committed before the stream finalizes.
func LowLatencyEligible(ctx context.Context, eval *evaluator.Evaluator, req stt.Request, a stt.Attempt) bool {
	p := eval.Policy()
	if !a.Stable || a.AvgWordConfidence < p.StreamLowLatencyConfidenceMin {
		return false
	}
	if stt.CharCount(a.Text) < p.StreamLowLatencyMinChars {
		return false
	}
	return eval.Evaluate(ctx, req, a).Pass
}
