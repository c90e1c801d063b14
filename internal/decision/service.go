// Package decision exposes the decision core on the bus: fixed-attempt
// turns, live and streaming turns through the provider adapter, and shadow
// comparisons. Every outcome is recorded and published.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/sttgate/internal/bus"
	"github.com/loqalabs/sttgate/internal/eventstore"
	"github.com/loqalabs/sttgate/internal/events"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/live"
	"github.com/loqalabs/sttgate/internal/protocol"
	"github.com/loqalabs/sttgate/internal/shadow"
	"github.com/loqalabs/sttgate/internal/stt"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	queueGroup    = "sttgate"
	privacyScope  = "internal"
	handleTimeout = 30 * time.Second
)

// LexiconSource supplies the global weighted lexicon for live turns that
// carry none.
type LexiconSource interface {
	Active(ctx context.Context, nowMS int64) ([]lexicon.WeightedTerm, error)
}

// Deps are the collaborators a Service runs with. Store, Events, Lexicon
// and LiveDefaults are optional. LiveDefaults fills routing a live request
// left unset.
type Deps struct {
	Bus          *bus.Client
	Router       *ladder.Router
	Live         *live.Orchestrator
	Shadow       *shadow.Evaluator
	Store        *eventstore.Store
	Events       *events.Publisher
	Lexicon      LexiconSource
	LiveDefaults func(*live.Context)
	Log          *slog.Logger
}

type Service struct {
	deps   Deps
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool

	tracer  trace.Tracer
	turns   metric.Int64Counter
	latency metric.Int64Histogram
}

func NewService(parent context.Context, deps Deps) *Service {
	ctx, cancel := context.WithCancel(parent)
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		deps:   deps,
		log:    log.With(slog.String("component", "decision")),
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("github.com/loqalabs/sttgate/decision"),
	}
	meter := otel.Meter("github.com/loqalabs/sttgate/decision")
	if counter, err := meter.Int64Counter("sttgate.turns", metric.WithDescription("Decided turns by outcome")); err == nil {
		s.turns = counter
	}
	if hist, err := meter.Int64Histogram("sttgate.turn.latency_ms", metric.WithDescription("Provider latency charged per turn"), metric.WithUnit("ms")); err == nil {
		s.latency = hist
	}
	return s
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTurnRequest:   s.handleTurn,
		protocol.SubjectTurnLive:      s.handleLive,
		protocol.SubjectStreamRequest: s.handleStream,
		protocol.SubjectShadowRequest: s.handleShadow,
	}
	for subject, handler := range handlers {
		sub, err := s.deps.Bus.Conn().QueueSubscribe(subject, queueGroup, s.track(handler))
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready.Store(true)
	s.log.Info("decision service ready", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && s.deps.Bus.Healthy()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) track(handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		defer s.wg.Done()
		handler(msg)
	}
}

func (s *Service) handleTurn(msg *nats.Msg) {
	var in protocol.TurnRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.replyError(msg, "", err)
		return
	}
	correlationID := ensureID(in.CorrelationID)
	ctx, span, cancel := s.begin("sttgate.turn", correlationID)
	defer cancel()
	defer span.End()

	resp := s.deps.Router.Run(ctx, in.Request, in.Attempts)
	s.finish(ctx, span, protocol.KindTurn, correlationID, "", in.Request, resp)
	s.reply(msg, protocol.DecisionReply{CorrelationID: correlationID, Response: &resp})
}

func (s *Service) handleLive(msg *nats.Msg) {
	in, correlationID, ok := s.decodeLive(msg)
	if !ok {
		return
	}
	ctx, span, cancel := s.begin("sttgate.turn", correlationID)
	defer cancel()
	defer span.End()

	in.Context.GlobalLexicon = s.globalLexicon(ctx, in.Context.GlobalLexicon)
	resp := s.deps.Live.Run(ctx, in.Request, in.Context)
	s.finish(ctx, span, protocol.KindLive, correlationID, in.Context.TenantID, in.Request, resp)
	s.reply(msg, protocol.DecisionReply{CorrelationID: correlationID, Response: &resp})
}

func (s *Service) handleStream(msg *nats.Msg) {
	in, correlationID, ok := s.decodeLive(msg)
	if !ok {
		return
	}
	ctx, span, cancel := s.begin("sttgate.stream", correlationID)
	defer cancel()
	defer span.End()

	in.Context.GlobalLexicon = s.globalLexicon(ctx, in.Context.GlobalLexicon)
	res := s.deps.Live.RunStream(ctx, in.Request, in.Context)
	span.SetAttributes(attribute.Bool("low_latency_commit", res.LowLatencyCommit))
	s.finish(ctx, span, protocol.KindStream, correlationID, in.Context.TenantID, in.Request, res.Response)
	s.reply(msg, protocol.DecisionReply{CorrelationID: correlationID, Stream: &res})
}

func (s *Service) handleShadow(msg *nats.Msg) {
	var in protocol.ShadowRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.replyError(msg, "", err)
		return
	}
	correlationID := ensureID(in.CorrelationID)
	ctx, span, cancel := s.begin("sttgate.shadow", correlationID)
	defer cancel()
	defer span.End()

	out, err := s.deps.Shadow.Evaluate(ctx, in.Request, in.Slice, in.ProviderTruth, in.Shadow, in.GatePassed)
	if err != nil {
		s.replyError(msg, correlationID, err)
		return
	}
	payload, _ := json.Marshal(out)
	s.record(ctx, eventstore.Decision{
		StreamID:      streamOf(in.Request, correlationID),
		CorrelationID: correlationID,
		TenantID:      in.Slice.TenantID,
		Kind:          protocol.KindShadow,
		Accepted:      out.Decision == shadow.EligibleForPromotion,
		ReasonCode:    string(out.BlockingReason),
		Payload:       payload,
		Privacy:       privacyScope,
	})
	s.publish(ctx, events.TopicShadow, streamOf(in.Request, correlationID), out)
	if err := s.deps.Bus.Conn().Publish(protocol.SubjectOutcomeShadow, payload); err != nil {
		s.log.Warn("failed to publish shadow outcome", slogError(err))
	}
	s.reply(msg, protocol.DecisionReply{CorrelationID: correlationID, Shadow: &out})
}

func (s *Service) decodeLive(msg *nats.Msg) (protocol.LiveRequest, string, bool) {
	var in protocol.LiveRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.replyError(msg, "", err)
		return in, "", false
	}
	in.Context.CorrelationID = ensureID(in.Context.CorrelationID)
	if in.Context.RequestID == "" {
		in.Context.RequestID = uuid.NewString()
	}
	if in.Context.IdempotencyKey == "" {
		in.Context.IdempotencyKey = in.Context.RequestID
	}
	if s.deps.LiveDefaults != nil {
		s.deps.LiveDefaults(&in.Context)
	}
	return in, in.Context.CorrelationID, true
}

func (s *Service) begin(name, correlationID string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, handleTimeout)
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	return ctx, span, cancel
}

// finish records, publishes and measures a decided turn.
func (s *Service) finish(ctx context.Context, span trace.Span, kind, correlationID, tenantID string, req stt.Request, resp stt.Response) {
	outcome := protocol.OutcomeOf(correlationID, kind, resp, time.Now())
	span.SetAttributes(
		attribute.Bool("accepted", outcome.Accepted),
		attribute.String("reason_code", string(outcome.ReasonCode)),
	)
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("accepted", outcome.Accepted),
		attribute.String("reason_code", string(outcome.ReasonCode)),
	)
	if s.turns != nil {
		s.turns.Add(ctx, 1, attrs)
	}
	if s.latency != nil && outcome.Audit != nil {
		s.latency.Record(ctx, outcome.Audit.TotalLatencyMS, attrs)
	}

	stream := streamOf(req, correlationID)
	payload, _ := json.Marshal(outcome)
	s.record(ctx, eventstore.Decision{
		StreamID:      stream,
		CorrelationID: correlationID,
		TenantID:      tenantID,
		Kind:          kind,
		Accepted:      outcome.Accepted,
		ReasonCode:    string(outcome.ReasonCode),
		Payload:       payload,
		Privacy:       privacyScope,
	})
	topic := events.TopicReject
	if outcome.Accepted {
		topic = events.TopicFinal
	}
	s.publish(ctx, topic, stream, outcome)
	if err := s.deps.Bus.Conn().Publish(outcome.Subject(), payload); err != nil {
		s.log.Warn("failed to publish outcome", slogError(err))
	}
	s.log.Info("turn decided",
		slog.String("correlation_id", correlationID),
		slog.String("kind", kind),
		slog.Bool("accepted", outcome.Accepted),
		slog.String("reason_code", string(outcome.ReasonCode)))
}

func (s *Service) globalLexicon(ctx context.Context, given []lexicon.WeightedTerm) []lexicon.WeightedTerm {
	if len(given) > 0 || s.deps.Lexicon == nil {
		return given
	}
	terms, err := s.deps.Lexicon.Active(ctx, time.Now().UnixMilli())
	if err != nil {
		s.log.Warn("global lexicon unavailable", slogError(err))
		return nil
	}
	return terms
}

func (s *Service) record(ctx context.Context, d eventstore.Decision) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Record(ctx, d); err != nil {
		s.log.Warn("failed to record decision", slogError(err))
	}
}

func (s *Service) publish(ctx context.Context, topic events.Topic, key string, event any) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Publish(ctx, topic, key, event); err != nil {
		s.log.Warn("failed to mirror outcome", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, out protocol.DecisionReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

// replyError answers a request that never reached a decision. Undecodable
// payloads surface as POLICY_RESTRICTED.
func (s *Service) replyError(msg *nats.Msg, correlationID string, err error) {
	code := stt.ReasonPolicyRestricted
	var reasonErr *stt.ReasonError
	if errors.As(err, &reasonErr) {
		code = reasonErr.Code
	}
	s.log.Warn("request rejected", slog.String("subject", msg.Subject), slogError(err))
	s.reply(msg, protocol.DecisionReply{CorrelationID: correlationID, Error: &code, Detail: err.Error()})
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func streamOf(req stt.Request, correlationID string) string {
	if req.Segment.StreamID != "" {
		return req.Segment.StreamID
	}
	return correlationID
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
