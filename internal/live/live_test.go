package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/sttgate/internal/breaker"
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/stt"
)

type scriptedAdapter struct {
	mu     sync.Mutex
	calls  map[string]int
	seen   []provider.CallRequest
	handle func(req provider.CallRequest, n int) (provider.CallResponse, error)
}

func script(handle func(req provider.CallRequest, n int) (provider.CallResponse, error)) *scriptedAdapter {
	return &scriptedAdapter{calls: make(map[string]int), handle: handle}
}

func (s *scriptedAdapter) Execute(_ context.Context, req provider.CallRequest) (provider.CallResponse, error) {
	s.mu.Lock()
	s.calls[req.ProviderID]++
	n := s.calls[req.ProviderID]
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	return s.handle(req, n)
}

func (s *scriptedAdapter) count(providerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[providerID]
}

func transcript(text string, confidenceBP int) (provider.CallResponse, error) {
	low := 500
	return provider.Respond(provider.Output{TextOutput: text, LanguageTag: "en-US", ConfidenceBP: confidenceBP, LowConfidenceRatioBP: &low, Stable: true}, 150)
}

func retryable() error { return &provider.AdapterError{Retryable: true, Message: "timeout"} }
func terminal() error  { return &provider.AdapterError{Retryable: false, Message: "bad credentials"} }

func liveContext() Context {
	return Context{
		CorrelationID:           "corr-1",
		TurnID:                  "turn-1",
		TenantID:                "tenant-a",
		RequestID:               "req-1",
		IdempotencyKey:          "idem-1",
		Primary:                 Route{ProviderID: "acme", ModelID: "acme-large", CostUnits: 10},
		Secondary:               Route{ProviderID: "globex", ModelID: "globex-v2", CostUnits: 5},
		TimeoutMS:               2000,
		RetryBudget:             2,
		DisagreementThresholdBP: 2000,
	}
}

func request() stt.Request {
	return stt.Request{DeviceHealth: stt.DeviceHealthy, Segment: stt.Segment{StreamID: "s-1", StartMS: 0, EndMS: 1500}}
}

func newOrchestrator(t *testing.T, p stt.Policy, threshold int, adapter provider.Adapter) *Orchestrator {
	t.Helper()
	book, err := breaker.NewBook(stt.BreakerConfig{FailureThreshold: threshold, CooldownMS: 60000})
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	router := ladder.NewRouter(evaluator.New(p, nil, nil))
	return NewOrchestrator(router, adapter, book, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPrimarySuccess(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		return transcript("set meeting tomorrow", 9400)
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), liveContext())
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotPrimary || resp.Ok.Audit.AttemptsUsed != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if adapter.count("globex") != 0 {
		t.Fatalf("secondary must not be called after a primary success")
	}
}

func TestRetryableErrorRetriesSameSlot(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" && n == 1 {
			return provider.CallResponse{}, retryable()
		}
		return transcript("set meeting tomorrow", 9400)
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), liveContext())
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotPrimary || resp.Ok.Audit.AttemptsUsed != 2 {
		t.Fatalf("unexpected response %+v", resp.Ok)
	}
	keys := []string{adapter.seen[0].IdempotencyKey, adapter.seen[1].IdempotencyKey}
	if keys[0] != "idem-1:primary:0" || keys[1] != "idem-1:primary:1" {
		t.Fatalf("unexpected idempotency keys %v", keys)
	}
}

func TestTerminalErrorMovesToSecondary(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" {
			return provider.CallResponse{}, terminal()
		}
		return transcript("set meeting tomorrow", 9400)
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), liveContext())
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotSecondary {
		t.Fatalf("unexpected response %+v", resp)
	}
	if adapter.count("acme") != 1 {
		t.Fatalf("terminal errors must not be retried, got %d calls", adapter.count("acme"))
	}
}

func TestCircuitOpenSkipsProvider(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" {
			return provider.CallResponse{}, terminal()
		}
		return transcript("set meeting tomorrow", 9400)
	})
	o := newOrchestrator(t, stt.DefaultPolicy(), 1, adapter)
	o.Run(context.Background(), request(), liveContext())
	resp := o.Run(context.Background(), request(), liveContext())
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotSecondary {
		t.Fatalf("unexpected response %+v", resp)
	}
	if adapter.count("acme") != 1 {
		t.Fatalf("open circuit must skip the provider, got %d calls", adapter.count("acme"))
	}

	other := liveContext()
	other.TenantID = "tenant-b"
	o.Run(context.Background(), request(), other)
	if adapter.count("acme") != 2 {
		t.Fatalf("another tenant must not share the open circuit")
	}
}

func TestAllCircuitsOpen(t *testing.T) {
	adapter := script(func(provider.CallRequest, int) (provider.CallResponse, error) {
		return provider.CallResponse{}, terminal()
	})
	o := newOrchestrator(t, stt.DefaultPolicy(), 1, adapter)
	first := o.Run(context.Background(), request(), liveContext())
	if first.Reason() != stt.ReasonProviderTimeout {
		t.Fatalf("expected PROVIDER_TIMEOUT, got %s", first.Reason())
	}
	second := o.Run(context.Background(), request(), liveContext())
	if second.Reason() != stt.ReasonProviderCircuitOpen || second.Reject.RetryAdvice != stt.AdviceSwitchToText {
		t.Fatalf("expected PROVIDER_CIRCUIT_OPEN, got %+v", second.Reject)
	}
}

func TestDisagreementRejects(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" {
			return transcript("set a timer for ten minutes", 9500)
		}
		return transcript("call my mother right now", 9500)
	})
	lc := liveContext()
	lc.EnforceDisagreement = true
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if resp.Reason() != stt.ReasonProviderDisagreement || resp.Reject.RetryAdvice != stt.AdviceRepeat {
		t.Fatalf("expected PROVIDER_DISAGREEMENT, got %+v", resp)
	}
}

func TestAgreementUsesCostQualityRouting(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" {
			return transcript("set a timer for ten minutes", 9500)
		}
		return transcript("set a timer for ten minutes", 9400)
	})
	lc := liveContext()
	lc.EnforceDisagreement = true
	lc.CostQualityRouting = true
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotSecondary || !resp.Ok.Audit.SecondPassUsed {
		t.Fatalf("expected cheaper secondary, got %+v", resp)
	}

	lc.CostQualityRouting = false
	resp = newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if !resp.Accepted() || resp.Ok.Audit.SelectedSlot != stt.SlotPrimary {
		t.Fatalf("expected primary without cost routing, got %+v", resp)
	}
}

func TestChooseByCost(t *testing.T) {
	p := stt.DefaultPolicy()
	mk := func(slot stt.ProviderSlot, cost int, conf float64) candidate {
		return candidate{slot: slot, route: Route{CostUnits: cost}, res: evaluator.Result{Attempt: stt.Attempt{AvgWordConfidence: conf}}}
	}
	cases := []struct {
		primary, secondary candidate
		want               stt.ProviderSlot
	}{
		{mk(stt.SlotPrimary, 10, 0.95), mk(stt.SlotSecondary, 5, 0.93), stt.SlotSecondary},
		{mk(stt.SlotPrimary, 10, 0.95), mk(stt.SlotSecondary, 5, 0.92), stt.SlotPrimary},
		{mk(stt.SlotPrimary, 5, 0.95), mk(stt.SlotSecondary, 10, 0.99), stt.SlotPrimary},
		{mk(stt.SlotPrimary, 5, 0.95), mk(stt.SlotSecondary, 5, 0.94), stt.SlotSecondary},
	}
	for i, tc := range cases {
		if got := chooseByCost(p, true, tc.primary, tc.secondary).slot; got != tc.want {
			t.Fatalf("case %d: got %s, want %s", i, got, tc.want)
		}
	}
}

func TestHeldPrimaryFailsClosed(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		if req.ProviderID == "acme" {
			return transcript("set a timer for ten minutes", 9500)
		}
		return transcript("", 9500)
	})
	lc := liveContext()
	lc.EnforceDisagreement = true
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if resp.Reason() != stt.ReasonProviderDisagreement {
		t.Fatalf("unpaired held transcript must be rejected, got %+v", resp)
	}
}

func TestInvalidContextIsPolicyRestricted(t *testing.T) {
	lc := liveContext()
	lc.Primary.ProviderID = "Not Valid"
	adapter := script(func(provider.CallRequest, int) (provider.CallResponse, error) {
		return transcript("set meeting tomorrow", 9400)
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if resp.Reason() != stt.ReasonPolicyRestricted || resp.Reject.RetryAdvice != stt.AdviceSwitchToText {
		t.Fatalf("expected POLICY_RESTRICTED, got %+v", resp)
	}
	if adapter.count("Not Valid") != 0 {
		t.Fatalf("invalid context must not reach the adapter")
	}
}

func TestSchemaMismatchIsPolicyRestricted(t *testing.T) {
	adapter := script(func(provider.CallRequest, int) (provider.CallResponse, error) {
		resp, _ := transcript("set meeting tomorrow", 9400)
		resp.SchemaHash = "other"
		return resp, nil
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), liveContext())
	if resp.Reason() != stt.ReasonPolicyRestricted {
		t.Fatalf("expected POLICY_RESTRICTED, got %s", resp.Reason())
	}
}

func TestFallbackReportsMostSpecificFailure(t *testing.T) {
	adapter := script(func(provider.CallRequest, int) (provider.CallResponse, error) {
		return transcript("set meeting tomorrow", 5000)
	})
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), liveContext())
	if resp.Reason() != stt.ReasonLowConfidence || resp.Audit().AttemptsUsed != 4 {
		t.Fatalf("expected LOW_CONFIDENCE after four attempts, got %+v", resp.Reject)
	}

	p := stt.DefaultPolicy()
	p.MaxAttemptsPerTurn = 1
	resp = newOrchestrator(t, p, 3, adapter).Run(context.Background(), request(), liveContext())
	if resp.Reason() != stt.ReasonBudgetExceeded || resp.Audit().AttemptsUsed != 1 {
		t.Fatalf("expected BUDGET_EXCEEDED, got %+v", resp.Reject)
	}
}

func TestLexiconBoostAndPayload(t *testing.T) {
	adapter := script(func(req provider.CallRequest, n int) (provider.CallResponse, error) {
		return transcript("ask loqa to start the timer", 8300)
	})
	lc := liveContext()
	lc.TenantLexicon = []string{"Loqa"}
	lc.DomainLexicon = []string{"loqa", "kitchen"}
	lc.GlobalLexicon = []lexicon.WeightedTerm{{Term: "timer", WeightBP: 10000}, {Term: "stale", WeightBP: 10000, ExpiresAtMS: 1}}
	lc.VocabularyPackIDs = []string{"home.v3"}
	resp := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), lc)
	if !resp.Accepted() {
		t.Fatalf("expected lexicon boost to lift the attempt, got %s", resp.Reason())
	}
	if got := resp.Ok.Audit.VocabularyPackIDs; len(got) != 1 || got[0] != "home.v3" {
		t.Fatalf("unexpected vocabulary packs %v", got)
	}

	var ref provider.AudioRef
	if err := json.Unmarshal(adapter.seen[0].AudioRef, &ref); err != nil {
		t.Fatalf("decode audio ref: %v", err)
	}
	if strings.Join(ref.LexiconTerms, ",") != "loqa,kitchen,timer" {
		t.Fatalf("unexpected lexicon terms %v", ref.LexiconTerms)
	}
	if adapter.seen[0].Task != provider.TaskSttTranscribe || adapter.seen[0].RouteClass != stt.SlotPrimary || adapter.seen[0].AudioRefHash == "" {
		t.Fatalf("unexpected call request %+v", adapter.seen[0])
	}

	plain := liveContext()
	resp = newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).Run(context.Background(), request(), plain)
	if resp.Accepted() {
		t.Fatalf("expected rejection without lexicon boost")
	}
}

func TestContextValidate(t *testing.T) {
	if err := liveContext().Validate(); err != nil {
		t.Fatalf("valid context rejected: %v", err)
	}
	mutations := map[string]func(*Context){
		"empty turn":     func(c *Context) { c.TurnID = "" },
		"no primary":     func(c *Context) { c.Primary = Route{} },
		"bad model":      func(c *Context) { c.Secondary.ModelID = "has space" },
		"timeout":        func(c *Context) { c.TimeoutMS = 10 },
		"retry budget":   func(c *Context) { c.RetryBudget = 0 },
		"threshold":      func(c *Context) { c.DisagreementThresholdBP = 10001 },
		"negative cost":  func(c *Context) { c.Primary.CostUnits = -1 },
		"pack id":        func(c *Context) { c.VocabularyPackIDs = []string{"bad pack"} },
		"global weight":  func(c *Context) { c.GlobalLexicon = []lexicon.WeightedTerm{{Term: "x", WeightBP: 20000}} },
		"long tenant id": func(c *Context) { c.TenantID = strings.Repeat("a", 200) },
	}
	for name, mutate := range mutations {
		lc := liveContext()
		mutate(&lc)
		if err := lc.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	noSecondary := liveContext()
	noSecondary.Secondary = Route{}
	if err := noSecondary.Validate(); err != nil {
		t.Fatalf("secondary is optional: %v", err)
	}
}
