package live

import (
	"context"
	"log/slog"

	"github.com/loqalabs/sttgate/internal/audit"
	"github.com/loqalabs/sttgate/internal/breaker"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/strategy"
	"github.com/loqalabs/sttgate/internal/stream"
	"github.com/loqalabs/sttgate/internal/stt"
)

// StreamResult is the outcome of a streaming turn. Batch is nil whenever
// stream integrity failed.
type StreamResult struct {
	Response         stt.Response      `json:"response"`
	Batch            *stt.PartialBatch `json:"batch,omitempty"`
	LowLatencyCommit bool              `json:"low_latency_commit"`
	Finalized        bool              `json:"finalized"`
}

// RunStream requests revisions one at a time until the provider finalizes
// or a revision qualifies for low-latency commit, then decides the turn
// over that single revision.
func (o *Orchestrator) RunStream(ctx context.Context, req stt.Request, lc Context) StreamResult {
	if len(req.VocabularyPackIDs) == 0 {
		req.VocabularyPackIDs = lc.VocabularyPackIDs
	}
	if err := lc.Validate(); err != nil {
		o.log.Warn("live context rejected", slog.String("error", err.Error()))
		return StreamResult{Response: audit.NewTrail(strategy.Select(req), req.VocabularyPackIDs).Reject(stt.ReasonPolicyRestricted)}
	}
	s, rejected, ok := ladder.Preflight(req)
	if !ok {
		return StreamResult{Response: rejected}
	}

	policy := o.router.Evaluator().Policy()
	trail := audit.NewTrail(s, req.VocabularyPackIDs)
	var partials []stt.PartialAttempt
	var batch stt.PartialBatch
	for revision := uint32(1); revision <= uint32(policy.StreamMaxRevisions); revision++ {
		call, reason, ok := o.nextRevision(ctx, req, lc, s, revision, trail)
		if !ok {
			return StreamResult{Response: trail.Reject(reason)}
		}
		partial := call.output.Partial()
		if partial.RevisionID == 0 {
			partial.RevisionID = revision
		}
		partials = append(partials, partial)

		var err error
		batch, err = stream.Canonicalize(partials, call.output.Finalized)
		if err != nil {
			return StreamResult{Response: trail.Reject(reasonOf(err))}
		}

		latest := call.attempt
		eligible := stream.LowLatencyEligible(ctx, o.router.Evaluator(), req, latest)
		if call.output.Finalized || eligible {
			committed := batch
			return StreamResult{
				Response:         o.router.Run(ctx, req, []stt.Attempt{latest}),
				Batch:            &committed,
				LowLatencyCommit: eligible && !call.output.Finalized,
				Finalized:        call.output.Finalized,
			}
		}
	}
	return StreamResult{Response: trail.Reject(stt.ReasonBudgetExceeded), Batch: &batch}
}

// nextRevision fetches one revision, walking the ladder with the same
// circuit and retry rules as a one-shot turn.
func (o *Orchestrator) nextRevision(ctx context.Context, req stt.Request, lc Context, s stt.Strategy, revision uint32, trail *audit.Trail) (slotCall, stt.ReasonCode, bool) {
	policy := o.router.Evaluator().Policy()
	perSlot := lc.RetryBudget
	if limit := policy.MaxRetriesPerProvider + 1; perSlot > limit {
		perSlot = limit
	}
	var reason stt.ReasonCode
	for _, slot := range strategy.Ladder(s) {
		route, ok := lc.Route(slot)
		if !ok {
			continue
		}
		key := breaker.NewKey(lc.TenantID, route.ProviderID, route.ModelID)
		for retry := 0; retry < perSlot; retry++ {
			if o.breaker.IsOpen(key, o.clock()) {
				reason = stt.MoreSpecific(reason, stt.ReasonProviderCircuitOpen)
				break
			}
			call, err := o.call(ctx, req, lc, slot, route, key, retry, revision, trail)
			if err != nil {
				reason = stt.MoreSpecific(reason, reasonOf(err))
				if !provider.Retryable(err) {
					break
				}
				continue
			}
			return call, "", true
		}
	}
	if reason == "" {
		reason = stt.ReasonProviderTimeout
	}
	return slotCall{}, reason, false
}
