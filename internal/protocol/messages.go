package protocol

import (
	"time"

	"github.com/loqalabs/sttgate/internal/live"
	"github.com/loqalabs/sttgate/internal/shadow"
	"github.com/loqalabs/sttgate/internal/stt"
)

// TurnRequest asks for a decision over a fixed set of attempts.
type TurnRequest struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Request       stt.Request   `json:"request"`
	Attempts      []stt.Attempt `json:"attempts"`
}

// LiveRequest asks the decision service to call providers itself. The same
// message drives streaming turns on SubjectStreamRequest.
type LiveRequest struct {
	Request stt.Request  `json:"request"`
	Context live.Context `json:"context"`
}

// ShadowRequest compares a shadow route against the provider of truth.
type ShadowRequest struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	Request       stt.Request     `json:"request"`
	Slice         shadow.SliceKey `json:"slice"`
	ProviderTruth stt.Attempt     `json:"provider_truth"`
	Shadow        stt.Attempt     `json:"shadow"`
	GatePassed    bool            `json:"gate_passed"`
}

// DecisionReply answers every request subject. Exactly one of Response,
// Stream, Shadow or Error is set.
type DecisionReply struct {
	CorrelationID string             `json:"correlation_id"`
	Response      *stt.Response      `json:"response,omitempty"`
	Stream        *live.StreamResult `json:"stream,omitempty"`
	Shadow        *shadow.Outcome    `json:"shadow,omitempty"`
	Error         *stt.ReasonCode    `json:"error,omitempty"`
	Detail        string             `json:"detail,omitempty"`
}

// Outcome is published once per decided turn. It carries audit metadata
// only, never provider identities.
type Outcome struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          string          `json:"kind"`
	Accepted      bool            `json:"accepted"`
	ReasonCode    stt.ReasonCode  `json:"reason_code,omitempty"`
	RetryAdvice   stt.RetryAdvice `json:"retry_advice,omitempty"`
	Audit         *stt.AuditMeta  `json:"audit,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

const (
	KindTurn   = "turn"
	KindLive   = "live"
	KindStream = "stream"
	KindShadow = "shadow"
)

const (
	SubjectTurnRequest   = "sttgate.turn.request"
	SubjectTurnLive      = "sttgate.turn.live"
	SubjectStreamRequest = "sttgate.stream.request"
	SubjectShadowRequest = "sttgate.shadow.request"
	SubjectOutcomeFinal  = "sttgate.outcome.final"
	SubjectOutcomeReject = "sttgate.outcome.reject"
	SubjectOutcomeShadow = "sttgate.outcome.shadow"
)

// OutcomeOf summarizes a response for publication.
func OutcomeOf(correlationID, kind string, resp stt.Response, at time.Time) Outcome {
	out := Outcome{
		CorrelationID: correlationID,
		Kind:          kind,
		Accepted:      resp.Accepted(),
		Audit:         resp.Audit(),
		Timestamp:     at.UTC(),
	}
	if resp.Reject != nil {
		out.ReasonCode = resp.Reject.ReasonCode
		out.RetryAdvice = resp.Reject.RetryAdvice
	}
	return out
}

// Subject returns where an outcome is published.
func (o Outcome) Subject() string {
	switch {
	case o.Kind == KindShadow:
		return SubjectOutcomeShadow
	case o.Accepted:
		return SubjectOutcomeFinal
	default:
		return SubjectOutcomeReject
	}
}
