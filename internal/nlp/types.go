// Package nlp defines the intent-classification and frame-building
// collaborators the decision core consults, plus local implementations.
package nlp

import (
	"context"

	"github.com/loqalabs/sttgate/internal/stt"
)

// Kind is the classifier's top-level verdict.
type Kind string

const (
	KindIntentDraft Kind = "intent_draft"
	KindClarify     Kind = "clarify"
	KindChat        Kind = "chat"
)

// Classification is the classifier result. Confidence and IntentType are
// only meaningful for KindIntentDraft.
type Classification struct {
	Kind       Kind     `json:"kind"`
	Confidence stt.Band `json:"confidence,omitempty"`
	IntentType string   `json:"intent_type,omitempty"`
}

// Quality scores a classification: Chat=1, Clarify=2, IntentDraft by its
// own confidence (Low=1, Med=2, High=3).
func (c Classification) Quality() int {
	switch c.Kind {
	case KindClarify:
		return 2
	case KindIntentDraft:
		switch c.Confidence {
		case stt.BandHigh:
			return 3
		case stt.BandMed:
			return 2
		default:
			return 1
		}
	default:
		return 1
	}
}

// IntentClassifier scores transcript text. It never alters the transcript.
type IntentClassifier interface {
	Classify(ctx context.Context, text, language string, session stt.Session) (Classification, error)
}

// ValidationStatus reports whether a frame can be used as repair material.
type ValidationStatus string

const (
	FrameValid   ValidationStatus = "valid"
	FrameInvalid ValidationStatus = "invalid"
)

// FrameRequest asks for a cleaned frame of a raw transcript.
type FrameRequest struct {
	CorrelationID string
	Text          string
	Language      string
	HintTokens    []string
}

// FrameSpan is one token of the repaired text with byte offsets.
type FrameSpan struct {
	Token string `json:"token"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Frame is the frame builder's repair material.
type Frame struct {
	RepairedText string           `json:"repaired_text"`
	Spans        []FrameSpan      `json:"spans"`
	Notes        []string         `json:"notes,omitempty"`
	Ambiguous    []string         `json:"ambiguous,omitempty"`
	Status       ValidationStatus `json:"status"`
}

// FrameBuilder normalizes arguments of a raw transcript.
type FrameBuilder interface {
	BuildFrame(ctx context.Context, req FrameRequest) (Frame, error)
}
