package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type mockAdapter struct {
	text         string
	language     string
	confidenceBP int
}

// NewMockAdapter answers every call with a fixed transcript. Streaming
// calls echo the requested revision as stable and finalized.
func NewMockAdapter(text, language string, confidenceBP int) Adapter {
	return &mockAdapter{text: text, language: language, confidenceBP: confidenceBP}
}

func (m *mockAdapter) Execute(_ context.Context, req CallRequest) (CallResponse, error) {
	var ref AudioRef
	if err := json.Unmarshal(req.AudioRef, &ref); err != nil {
		return CallResponse{}, &AdapterError{Retryable: false, Message: fmt.Sprintf("decode audio reference: %v", err)}
	}
	language := m.language
	if language == "" {
		language = ref.LanguageHint
	}
	if language == "" {
		language = "en"
	}
	out := Output{
		TextOutput:   m.text,
		LanguageTag:  language,
		ConfidenceBP: m.confidenceBP,
		Stable:       true,
	}
	if ref.Streaming {
		out.RevisionID = ref.RevisionHint
		out.Finalized = true
	}
	return Respond(out, 1)
}
