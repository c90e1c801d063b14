// Package ladder walks the provider ladder over a fixed set of attempts.
package ladder

import (
	"context"

	"github.com/loqalabs/sttgate/internal/audit"
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/strategy"
	"github.com/loqalabs/sttgate/internal/stt"
)

type Router struct {
	eval   *evaluator.Evaluator
	policy stt.Policy
}

func NewRouter(eval *evaluator.Evaluator) *Router {
	return &Router{eval: eval, policy: eval.Policy()}
}

func (r *Router) Evaluator() *evaluator.Evaluator {
	return r.eval
}

// Preflight rejects turns that must never reach a provider. ok is false
// when the returned response should be used as is.
func Preflight(req stt.Request) (stt.Strategy, stt.Response, bool) {
	s := strategy.Select(req)
	trail := audit.NewTrail(s, req.VocabularyPackIDs)
	if req.DeviceHealth != stt.DeviceHealthy {
		return s, trail.RejectWithAdvice(stt.ReasonAudioDegraded, stt.AdviceMoveCloser), false
	}
	if s == stt.StrategyClarifyOnly {
		return s, trail.RejectWithAdvice(stt.ReasonAudioDegraded, stt.AdviceSwitchToText), false
	}
	return s, stt.Response{}, true
}

// Run evaluates attempts slot by slot in ladder order and returns the first
// passing transcript. Every consumed attempt counts against the attempt and
// latency budgets whether or not it passes.
func (r *Router) Run(ctx context.Context, req stt.Request, attempts []stt.Attempt) stt.Response {
	s, rejected, ok := Preflight(req)
	if !ok {
		return rejected
	}
	trail := audit.NewTrail(s, req.VocabularyPackIDs)
	trail.SetCandidates(len(attempts))

	perSlot := r.policy.MaxRetriesPerProvider + 1
	var (
		reason         stt.ReasonCode
		budgetExceeded bool
	)
ladder:
	for _, slot := range strategy.Ladder(s) {
		taken := 0
		var slotReason stt.ReasonCode
		for _, a := range attempts {
			if a.Slot != slot {
				continue
			}
			if taken >= perSlot {
				break
			}
			if trail.AttemptsUsed()+1 > r.policy.MaxAttemptsPerTurn ||
				trail.LatencyMS()+a.LatencyMS > r.policy.MaxTotalLatencyBudgetMS {
				budgetExceeded = true
				reason = stt.MoreSpecific(reason, slotReason)
				break ladder
			}
			taken++
			trail.Consume(a.LatencyMS)

			res := r.eval.Evaluate(ctx, req, a)
			if res.Pass {
				return trail.Accept(slot, res)
			}
			trail.Observe(res)
			slotReason = stt.MoreSpecific(slotReason, res.Reason)
		}
		reason = stt.MoreSpecific(reason, slotReason)
	}

	if budgetExceeded || reason == "" {
		return trail.Reject(stt.ReasonBudgetExceeded)
	}
	return trail.Reject(reason)
}
