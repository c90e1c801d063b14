package live

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/stt"
)

type revision struct {
	text      string
	bp        int
	stable    bool
	finalized bool
}

// revisions answers each streaming call with the scripted revision named by
// its revision hint.
func revisions(t *testing.T, steps []revision, shift uint32) *scriptedAdapter {
	return script(func(req provider.CallRequest, _ int) (provider.CallResponse, error) {
		var ref provider.AudioRef
		if err := json.Unmarshal(req.AudioRef, &ref); err != nil {
			t.Errorf("decode audio ref: %v", err)
			return provider.CallResponse{}, err
		}
		if !ref.Streaming || ref.RevisionHint == 0 {
			t.Errorf("expected a streaming revision hint, got %+v", ref)
		}
		idx := int(ref.RevisionHint) - 1
		if idx >= len(steps) {
			idx = len(steps) - 1
		}
		r := steps[idx]
		return provider.Respond(provider.Output{
			TextOutput:   r.text,
			LanguageTag:  "en-US",
			ConfidenceBP: r.bp,
			Stable:       r.stable,
			RevisionID:   ref.RevisionHint + shift,
			Finalized:    r.finalized,
		}, 80)
	})
}

func TestStreamCommitsOnFinalization(t *testing.T) {
	adapter := revisions(t, []revision{
		{text: "set", bp: 6000},
		{text: "set a", bp: 7000},
		{text: "set a timer", bp: 9500, stable: true, finalized: true},
	}, 0)
	res := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).RunStream(context.Background(), request(), liveContext())
	if !res.Response.Accepted() || res.Response.Ok.Text != "set a timer" {
		t.Fatalf("expected finalized commit, got %+v", res.Response)
	}
	if !res.Finalized || res.LowLatencyCommit {
		t.Fatalf("unexpected commit flags %+v", res)
	}
	if res.Batch == nil || len(res.Batch.Partials) != 3 || !res.Batch.Finalized {
		t.Fatalf("unexpected batch %+v", res.Batch)
	}
	if adapter.seen[2].IdempotencyKey != "idem-1:primary:0:r3" {
		t.Fatalf("unexpected idempotency key %q", adapter.seen[2].IdempotencyKey)
	}
}

func TestStreamLowLatencyCommit(t *testing.T) {
	adapter := revisions(t, []revision{
		{text: "set", bp: 6000},
		{text: "set a timer please", bp: 9500, stable: true},
		{text: "never requested", bp: 9900, stable: true, finalized: true},
	}, 0)
	res := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).RunStream(context.Background(), request(), liveContext())
	if !res.Response.Accepted() || !res.LowLatencyCommit || res.Finalized {
		t.Fatalf("expected low-latency commit, got %+v", res)
	}
	if len(res.Batch.Partials) != 2 || adapter.count("acme") != 2 {
		t.Fatalf("expected two revisions, got %d partials and %d calls", len(res.Batch.Partials), adapter.count("acme"))
	}
}

func TestStreamOutOfOrderRevision(t *testing.T) {
	adapter := revisions(t, []revision{{text: "set a timer", bp: 6000}}, 1)
	res := newOrchestrator(t, stt.DefaultPolicy(), 3, adapter).RunStream(context.Background(), request(), liveContext())
	if res.Response.Reason() != stt.ReasonPartialOrder || res.Batch != nil {
		t.Fatalf("expected PARTIAL_ORDER without a batch, got %+v", res)
	}
}

func TestStreamRevisionBudget(t *testing.T) {
	p := stt.DefaultPolicy()
	p.StreamMaxRevisions = 3
	adapter := revisions(t, []revision{{text: "set a", bp: 6000}}, 0)
	res := newOrchestrator(t, p, 3, adapter).RunStream(context.Background(), request(), liveContext())
	if res.Response.Reason() != stt.ReasonBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %s", res.Response.Reason())
	}
	if res.Batch == nil || len(res.Batch.Partials) != 3 || res.Batch.Finalized {
		t.Fatalf("expected the uncommitted batch, got %+v", res.Batch)
	}
}

func TestStreamProviderFailure(t *testing.T) {
	adapter := script(func(provider.CallRequest, int) (provider.CallResponse, error) {
		return provider.CallResponse{}, retryable()
	})
	res := newOrchestrator(t, stt.DefaultPolicy(), 10, adapter).RunStream(context.Background(), request(), liveContext())
	if res.Response.Reason() != stt.ReasonProviderTimeout || res.Batch != nil {
		t.Fatalf("expected PROVIDER_TIMEOUT, got %+v", res)
	}
	if adapter.count("acme") != 2 || adapter.count("globex") != 2 {
		t.Fatalf("expected both slots to be retried once")
	}
}
