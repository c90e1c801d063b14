// Package audit assembles the externally visible turn response and the
// audit metadata attached to it.
package audit

import (
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/strategy"
	"github.com/loqalabs/sttgate/internal/stt"
)

// Trail accumulates what a turn consumed. It is owned by one turn and is
// not safe for concurrent use.
type Trail struct {
	strategy   stt.Strategy
	packs      []string
	attempts   int
	candidates int
	latencyMS  int64

	coverage     stt.Bucket
	confidence   stt.Bucket
	plausibility stt.Bucket
}

func NewTrail(s stt.Strategy, vocabularyPackIDs []string) *Trail {
	return &Trail{strategy: s, packs: append([]string(nil), vocabularyPackIDs...)}
}

// SetCandidates records how many attempts were available to the turn.
func (t *Trail) SetCandidates(n int) {
	t.candidates = n
}

// Consume charges one attempt and its latency against the turn.
func (t *Trail) Consume(latencyMS int64) {
	t.attempts++
	if latencyMS > 0 {
		t.latencyMS += latencyMS
	}
	if t.attempts > t.candidates {
		t.candidates = t.attempts
	}
}

// Observe keeps the quality buckets of the latest evaluation.
func (t *Trail) Observe(res evaluator.Result) {
	t.coverage = res.CoverageBucket
	t.confidence = res.Calibration.Bucket
	t.plausibility = res.PlausibilityBucket
}

func (t *Trail) AttemptsUsed() int {
	return t.attempts
}

func (t *Trail) LatencyMS() int64 {
	return t.latencyMS
}

func (t *Trail) meta() *stt.AuditMeta {
	return &stt.AuditMeta{
		AttemptsUsed:       t.attempts,
		CandidateCount:     t.candidates,
		RoutingMode:        t.strategy,
		SecondPassUsed:     t.attempts > 1,
		TotalLatencyMS:     t.latencyMS,
		CoverageBucket:     t.coverage,
		ConfidenceBucket:   t.confidence,
		PlausibilityBucket: t.plausibility,
		VocabularyPackIDs:  t.packs,
		PolicyProfileID:    strategy.ProfileID(t.strategy),
	}
}

// Accept builds the success response for a passing evaluation.
func (t *Trail) Accept(slot stt.ProviderSlot, res evaluator.Result) stt.Response {
	t.Observe(res)
	meta := t.meta()
	meta.SelectedSlot = slot
	meta.RepairUsed = res.Repaired
	ok := res.Ok()
	ok.Audit = meta
	return stt.Accept(ok)
}

// Reject builds a failure response with the reason's own advice.
func (t *Trail) Reject(reason stt.ReasonCode) stt.Response {
	return t.RejectWithAdvice(reason, reason.Advice())
}

func (t *Trail) RejectWithAdvice(reason stt.ReasonCode, advice stt.RetryAdvice) stt.Response {
	return stt.Refuse(stt.TranscriptReject{ReasonCode: reason, RetryAdvice: advice, Audit: t.meta()})
}
