package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/sttgate/internal/config"
	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.EventsConfig
	}{
		{"disabled", config.EventsConfig{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", config.EventsConfig{Enabled: true, Brokers: []string{}}},
		{"nil brokers", config.EventsConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, discard())
			if p.Enabled() || len(p.writers) != 0 {
				t.Fatalf("expected a disabled publisher")
			}
			if err := p.Publish(context.Background(), TopicFinal, "s-1", map[string]string{"k": "v"}); err != nil {
				t.Fatalf("disabled publish must succeed, got %v", err)
			}
		})
	}
}

func TestNewEnabledBuildsWriters(t *testing.T) {
	p := New(config.EventsConfig{Enabled: true, Brokers: []string{"localhost:9092"}, TopicFinal: "f", TopicReject: "r", TopicShadow: "s"}, discard())
	if !p.Enabled() || len(p.writers) != 3 {
		t.Fatalf("expected three writers, got %d", len(p.writers))
	}
	if w, ok := p.writers[TopicReject].(*kafka.Writer); !ok || w.Topic != "r" {
		t.Fatalf("unexpected reject writer %+v", p.writers[TopicReject])
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	final, reject := &recordingWriter{}, &recordingWriter{}
	p := &Publisher{
		writers:   map[Topic]messageWriter{TopicFinal: final, TopicReject: reject},
		topics:    map[Topic]string{TopicFinal: "outcome.final", TopicReject: "outcome.reject"},
		principal: "sttgate",
		enabled:   true,
		log:       discard(),
	}
	if err := p.Publish(context.Background(), TopicReject, "stream-7", map[string]string{"reason_code": "LOW_CONFIDENCE"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(final.msgs) != 0 || len(reject.msgs) != 1 {
		t.Fatalf("expected one reject message, got final=%d reject=%d", len(final.msgs), len(reject.msgs))
	}
	msg := reject.msgs[0]
	if string(msg.Key) != "stream-7" || string(msg.Value) != `{"reason_code":"LOW_CONFIDENCE"}` {
		t.Fatalf("unexpected message %q %q", msg.Key, msg.Value)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "outcome.reject" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	reject.err = errors.New("broker down")
	if err := p.Publish(context.Background(), TopicReject, "stream-7", struct{}{}); err == nil {
		t.Fatal("expected write error to surface")
	}
	if err := p.Close(); err != nil || !final.closed || !reject.closed {
		t.Fatalf("expected all writers closed")
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	if p.Enabled() || p.Publish(context.Background(), TopicFinal, "k", 1) != nil || p.Close() != nil {
		t.Fatal("nil publisher must be a no-op")
	}
}
