package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/sttgate/internal/audit"
	"github.com/loqalabs/sttgate/internal/breaker"
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/strategy"
	"github.com/loqalabs/sttgate/internal/stt"
)

// Orchestrator produces attempts on demand through a provider adapter and
// decides the turn. It is safe for concurrent turns; the breaker book is
// the only shared state.
type Orchestrator struct {
	router  *ladder.Router
	adapter provider.Adapter
	breaker *breaker.Book
	clock   func() int64
	log     *slog.Logger
}

func NewOrchestrator(router *ladder.Router, adapter provider.Adapter, book *breaker.Book, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		router:  router,
		adapter: adapter,
		breaker: book,
		clock:   func() int64 { return time.Now().UnixMilli() },
		log:     log.With(slog.String("component", "live")),
	}
}

type candidate struct {
	slot  stt.ProviderSlot
	route Route
	res   evaluator.Result
}

// slotCall is the outcome of one adapter call for a slot.
type slotCall struct {
	output  provider.Output
	attempt stt.Attempt
}

// Run decides one turn, calling the adapter slot by slot.
func (o *Orchestrator) Run(ctx context.Context, req stt.Request, lc Context) stt.Response {
	if len(req.VocabularyPackIDs) == 0 {
		req.VocabularyPackIDs = lc.VocabularyPackIDs
	}
	if err := lc.Validate(); err != nil {
		o.log.Warn("live context rejected", slog.String("error", err.Error()))
		return audit.NewTrail(strategy.Select(req), req.VocabularyPackIDs).Reject(stt.ReasonPolicyRestricted)
	}
	s, rejected, ok := ladder.Preflight(req)
	if !ok {
		return rejected
	}

	policy := o.router.Evaluator().Policy()
	trail := audit.NewTrail(s, req.VocabularyPackIDs)
	perSlot := lc.RetryBudget
	if limit := policy.MaxRetriesPerProvider + 1; perSlot > limit {
		perSlot = limit
	}
	hasSecondary := lc.Secondary.configured()

	var (
		collected      []stt.Attempt
		reason         stt.ReasonCode
		held           *candidate
		budgetExceeded bool
	)
slots:
	for _, slot := range strategy.Ladder(s) {
		route, ok := lc.Route(slot)
		if !ok {
			continue
		}
		key := breaker.NewKey(lc.TenantID, route.ProviderID, route.ModelID)
		for retry := 0; retry < perSlot; retry++ {
			if trail.AttemptsUsed() >= policy.MaxAttemptsPerTurn || trail.LatencyMS() >= policy.MaxTotalLatencyBudgetMS {
				budgetExceeded = true
				break slots
			}
			if o.breaker.IsOpen(key, o.clock()) {
				reason = stt.MoreSpecific(reason, stt.ReasonProviderCircuitOpen)
				break
			}
			call, err := o.call(ctx, req, lc, slot, route, key, retry, 0, trail)
			if err != nil {
				reason = stt.MoreSpecific(reason, reasonOf(err))
				if !provider.Retryable(err) {
					break
				}
				continue
			}
			attempt := call.attempt
			collected = append(collected, attempt)
			res := o.router.Evaluator().Evaluate(ctx, req, attempt)
			trail.Observe(res)
			if !res.Pass {
				reason = stt.MoreSpecific(reason, res.Reason)
				continue
			}

			current := candidate{slot: slot, route: route, res: res}
			if slot == stt.SlotPrimary && lc.EnforceDisagreement && hasSecondary {
				held = &current
				continue slots
			}
			if held != nil && slot == stt.SlotSecondary {
				divergence := 10000 - stt.ToBP(stt.TokenOverlap(held.res.Attempt.Text, res.Attempt.Text))
				if lc.EnforceDisagreement && divergence > lc.DisagreementThresholdBP {
					o.log.Info("providers disagree", slog.Int("divergence_bp", divergence))
					return trail.RejectWithAdvice(stt.ReasonProviderDisagreement, stt.AdviceRepeat)
				}
				chosen := chooseByCost(policy, lc.CostQualityRouting, *held, current)
				return trail.Accept(chosen.slot, chosen.res)
			}
			return trail.Accept(slot, res)
		}
	}

	if held != nil {
		// A held primary transcript is never shipped without a confirming
		// secondary.
		return trail.RejectWithAdvice(stt.ReasonProviderDisagreement, stt.AdviceRepeat)
	}
	if budgetExceeded {
		reason = stt.MoreSpecific(reason, stt.ReasonBudgetExceeded)
	}
	if len(collected) == 0 {
		if reason == "" {
			reason = stt.ReasonBudgetExceeded
		}
		return trail.Reject(reason)
	}
	fallback := o.router.Run(ctx, req, collected)
	if fallback.Accepted() {
		return fallback
	}
	return trail.Reject(stt.MoreSpecific(fallback.Reason(), reason))
}

// call executes one adapter call and converts the response into an
// attempt with lexicon boosts applied. Every call is charged to the turn.
func (o *Orchestrator) call(ctx context.Context, req stt.Request, lc Context, slot stt.ProviderSlot, route Route, key breaker.Key, retry int, revision uint32, trail *audit.Trail) (slotCall, error) {
	now := o.clock()
	callReq, err := buildCall(req, lc, slot, route, retry, revision, now)
	if err != nil {
		return slotCall{}, stt.Reasonf(stt.ReasonPolicyRestricted, err.Error())
	}
	started := time.Now()
	resp, err := o.adapter.Execute(ctx, callReq)
	if err != nil {
		o.breaker.OnFailure(key, o.clock())
		trail.Consume(time.Since(started).Milliseconds())
		o.log.Debug("provider call failed",
			slog.String("slot", string(slot)),
			slog.Int("retry", retry),
			slog.Bool("retryable", provider.Retryable(err)))
		return slotCall{}, err
	}
	o.breaker.OnSuccess(key)
	trail.Consume(resp.LatencyMS)

	out, err := provider.Decode(resp)
	if err != nil {
		return slotCall{}, err
	}
	attempt := out.Attempt(slot, resp.LatencyMS)
	attempt = lexicon.Apply(attempt, append(append([]string{}, lc.TenantLexicon...), lc.DomainLexicon...), lc.GlobalLexicon, now)
	return slotCall{output: out, attempt: attempt}, nil
}

func buildCall(req stt.Request, lc Context, slot stt.ProviderSlot, route Route, retry int, revision uint32, nowMS int64) (provider.CallRequest, error) {
	ref := provider.AudioRef{
		StreamID:          req.Segment.StreamID,
		StartMS:           req.Segment.StartMS,
		EndMS:             req.Segment.EndMS,
		VocabularyPackIDs: lc.VocabularyPackIDs,
		LexiconTerms: lexicon.Normalize(lc.TenantLexicon, lc.DomainLexicon,
			lexicon.Terms(lexicon.Active(lc.GlobalLexicon, nowMS))),
		Streaming:    revision > 0,
		RevisionHint: revision,
	}
	if req.LanguageHint != nil {
		ref.LanguageHint = req.LanguageHint.Tag
	}
	payload, hash, err := ref.Encode()
	if err != nil {
		return provider.CallRequest{}, err
	}
	idempotency := fmt.Sprintf("%s:%s:%d", lc.IdempotencyKey, slot, retry)
	if revision > 0 {
		idempotency = fmt.Sprintf("%s:r%d", idempotency, revision)
	}
	return provider.CallRequest{
		CorrelationID:  lc.CorrelationID,
		TurnID:         lc.TurnID,
		TenantID:       lc.TenantID,
		RequestID:      lc.RequestID,
		IdempotencyKey: idempotency,
		Task:           provider.TaskSttTranscribe,
		RouteClass:     slot,
		ProviderID:     route.ProviderID,
		ModelID:        route.ModelID,
		TimeoutMS:      lc.TimeoutMS,
		RetryBudget:    lc.RetryBudget,
		AudioRef:       payload,
		AudioRefHash:   hash,
		Flags:          lc.Flags,
	}, nil
}

// chooseByCost keeps the primary unless cost-quality routing is on and the
// secondary is no more expensive and within tolerance of the primary's
// confidence.
func chooseByCost(policy stt.Policy, enabled bool, primary, secondary candidate) candidate {
	if !enabled {
		return primary
	}
	primaryBP := stt.ToBP(primary.res.Attempt.AvgWordConfidence)
	secondaryBP := stt.ToBP(secondary.res.Attempt.AvgWordConfidence)
	if secondary.route.CostUnits <= primary.route.CostUnits &&
		secondaryBP+policy.CostQualityConfidenceToleranceBP >= primaryBP {
		return secondary
	}
	return primary
}

// reasonOf maps a call failure to its reason. Adapter and transport errors
// surface as PROVIDER_TIMEOUT.
func reasonOf(err error) stt.ReasonCode {
	var reasonErr *stt.ReasonError
	if errors.As(err, &reasonErr) {
		return reasonErr.Code
	}
	return stt.ReasonProviderTimeout
}
