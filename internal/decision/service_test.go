package decision

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/sttgate/internal/breaker"
	"github.com/loqalabs/sttgate/internal/bus"
	"github.com/loqalabs/sttgate/internal/config"
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/eventstore"
	"github.com/loqalabs/sttgate/internal/events"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/live"
	"github.com/loqalabs/sttgate/internal/protocol"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/shadow"
	"github.com/loqalabs/sttgate/internal/stt"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type staticLexicon struct {
	calls atomic.Int32
	terms []lexicon.WeightedTerm
}

func (s *staticLexicon) Active(context.Context, int64) ([]lexicon.WeightedTerm, error) {
	s.calls.Add(1)
	return s.terms, nil
}

type harness struct {
	conn    *nats.Conn
	store   *eventstore.Store
	lexicon *staticLexicon
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "decisions.db"), RetentionMode: "session"}, log)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	book, err := breaker.NewBook(stt.DefaultBreakerConfig())
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	eval := evaluator.New(stt.DefaultPolicy(), nil, nil)
	router := ladder.NewRouter(eval)
	lex := &staticLexicon{terms: []lexicon.WeightedTerm{{Term: "timer", WeightBP: 5000}}}

	svc := NewService(context.Background(), Deps{
		Bus:     client,
		Router:  router,
		Live:    live.NewOrchestrator(router, provider.NewMockAdapter("set a timer for ten minutes", "en-US", 9400), book, log),
		Shadow:  shadow.New(eval),
		Store:   store,
		Events:  events.New(config.EventsConfig{}, log),
		Lexicon: lex,
		Log:     log,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return &harness{conn: conn, store: store, lexicon: lex}
}

func (h *harness) request(t *testing.T, subject string, payload any) protocol.DecisionReply {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := h.conn.Request(subject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.DecisionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func segment() stt.Request {
	return stt.Request{DeviceHealth: stt.DeviceHealthy, Segment: stt.Segment{StreamID: "stream-1", EndMS: 1500}}
}

func liveContext() live.Context {
	return live.Context{
		TurnID:      "turn-1",
		TenantID:    "tenant-a",
		Primary:     live.Route{ProviderID: "mock", ModelID: "mock-stt", CostUnits: 1},
		TimeoutMS:   1000,
		RetryBudget: 1,
	}
}

func TestTurnRequestIsDecidedRecordedAndPublished(t *testing.T) {
	h := newHarness(t)
	outcomes := make(chan *nats.Msg, 1)
	sub, err := h.conn.ChanSubscribe(protocol.SubjectOutcomeFinal, outcomes)
	if err != nil {
		t.Fatalf("subscribe outcomes: %v", err)
	}
	defer sub.Unsubscribe()
	if err := h.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	attempt := stt.Attempt{Slot: stt.SlotPrimary, LatencyMS: 120, Text: "set meeting tomorrow", Language: "en", AvgWordConfidence: 0.92, LowConfidenceRatio: 0.05, Stable: true}
	reply := h.request(t, protocol.SubjectTurnRequest, protocol.TurnRequest{CorrelationID: "corr-1", Request: segment(), Attempts: []stt.Attempt{attempt}})
	if reply.CorrelationID != "corr-1" || reply.Response == nil || !reply.Response.Accepted() {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Response.Ok.Text != "set meeting tomorrow" {
		t.Fatalf("unexpected transcript %q", reply.Response.Ok.Text)
	}

	select {
	case msg := <-outcomes:
		var outcome protocol.Outcome
		if err := json.Unmarshal(msg.Data, &outcome); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		if !outcome.Accepted || outcome.Kind != protocol.KindTurn || outcome.Audit == nil {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("outcome not published")
	}

	decisions, err := h.store.ListStreamDecisions(context.Background(), "stream-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(decisions) != 1 || !decisions[0].Accepted || decisions[0].CorrelationID != "corr-1" {
		t.Fatalf("unexpected timeline %+v", decisions)
	}
}

func TestRejectedTurnCarriesReason(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectTurnRequest, protocol.TurnRequest{Request: segment()})
	if reply.CorrelationID == "" {
		t.Fatal("expected a generated correlation id")
	}
	if reply.Response == nil || reply.Response.Reason() != stt.ReasonBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %+v", reply.Response)
	}
}

func TestLiveRequestUsesAdapterAndLexicon(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectTurnLive, protocol.LiveRequest{Request: segment(), Context: liveContext()})
	if reply.Response == nil || !reply.Response.Accepted() {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Response.Ok.Audit.SelectedSlot != stt.SlotPrimary {
		t.Fatalf("unexpected audit %+v", reply.Response.Ok.Audit)
	}
	if h.lexicon.calls.Load() != 1 {
		t.Fatalf("expected the global lexicon to be loaded once, got %d", h.lexicon.calls.Load())
	}
}

func TestStreamRequest(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectStreamRequest, protocol.LiveRequest{Request: segment(), Context: liveContext()})
	if reply.Stream == nil || !reply.Stream.Response.Accepted() || !reply.Stream.Finalized {
		t.Fatalf("unexpected stream reply %+v", reply.Stream)
	}
	if reply.Stream.Batch == nil || len(reply.Stream.Batch.Partials) != 1 {
		t.Fatalf("unexpected batch %+v", reply.Stream.Batch)
	}
}

func TestShadowRequest(t *testing.T) {
	h := newHarness(t)
	truth := stt.Attempt{Slot: stt.SlotPrimary, LatencyMS: 300, Text: "set a timer for ten minutes", Language: "en-US", AvgWordConfidence: 0.95, LowConfidenceRatio: 0.03, Stable: true}
	candidate := truth
	candidate.LatencyMS = 350
	reply := h.request(t, protocol.SubjectShadowRequest, protocol.ShadowRequest{
		Request:       segment(),
		Slice:         shadow.SliceKey{Locale: "en-US", DeviceRoute: "far_field", TenantID: "tenant-a"},
		ProviderTruth: truth,
		Shadow:        candidate,
		GatePassed:    true,
	})
	if reply.Shadow == nil || reply.Shadow.Decision != shadow.EligibleForPromotion {
		t.Fatalf("unexpected shadow reply %+v", reply)
	}

	reply = h.request(t, protocol.SubjectShadowRequest, protocol.ShadowRequest{Request: segment(), Slice: shadow.SliceKey{Locale: "english"}, ProviderTruth: truth, Shadow: candidate})
	if reply.Error == nil || *reply.Error != stt.ReasonShadowInputInvalid {
		t.Fatalf("expected SHADOW_INPUT_INVALID, got %+v", reply)
	}
}

func TestUndecodableRequest(t *testing.T) {
	h := newHarness(t)
	msg, err := h.conn.Request(protocol.SubjectTurnLive, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.DecisionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == nil || *reply.Error != stt.ReasonPolicyRestricted || reply.Response != nil {
		t.Fatalf("expected POLICY_RESTRICTED error reply, got %+v", reply)
	}
}
