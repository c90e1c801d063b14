// Package events mirrors decision outcomes onto Kafka topics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/sttgate/internal/config"
	"github.com/segmentio/kafka-go"
)

// Topic selects which configured topic an outcome goes to.
type Topic int

const (
	TopicFinal Topic = iota
	TopicReject
	TopicShadow
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes outcomes to one Kafka writer per topic. A disabled
// publisher only logs.
type Publisher struct {
	writers   map[Topic]messageWriter
	topics    map[Topic]string
	principal string
	enabled   bool
	log       *slog.Logger
}

func New(cfg config.EventsConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "events"))
	p := &Publisher{
		topics: map[Topic]string{
			TopicFinal:  cfg.TopicFinal,
			TopicReject: cfg.TopicReject,
			TopicShadow: cfg.TopicShadow,
		},
		principal: cfg.Principal,
		log:       log,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, outcomes are log-only")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}
	p.writers = make(map[Topic]messageWriter, len(p.topics))
	for topic, name := range p.topics {
		p.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        name,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.enabled = true
	log.Info("kafka publisher initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic_final", cfg.TopicFinal),
		slog.String("topic_reject", cfg.TopicReject),
		slog.String("topic_shadow", cfg.TopicShadow))
	return p
}

// Enabled reports whether outcomes actually reach Kafka.
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// Publish writes event to the topic, keyed so one stream's outcomes stay
// on one partition.
func (p *Publisher) Publish(ctx context.Context, topic Topic, key string, event any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	name := p.topics[topic]
	p.log.Debug("publishing outcome",
		slog.String("topic", name),
		slog.String("key", key))

	writer := p.writers[topic]
	if !p.enabled || writer == nil {
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(name)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("kafka write failed", slog.String("topic", name), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Close closes every writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
