package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
)

type ollamaClassifier struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClassifier classifies through an ollama /api/generate endpoint
// constrained to JSON output.
func NewOllamaClassifier(endpoint, model string, client *http.Client) IntentClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaClassifier{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: client}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const classifySystem = `You label voice-assistant utterances. Reply with JSON only:
{"kind":"intent_draft|clarify|chat","confidence":"low|med|high","intent_type":"<family or empty>"}.
Use intent_draft only when the utterance asks the assistant to do something.`

func (c *ollamaClassifier) Classify(ctx context.Context, text, language string, session stt.Session) (Classification, error) {
	prompt := fmt.Sprintf("language: %s\npending_clarification: %t\nutterance: %s", language, session.PendingClarification, text)
	body, err := json.Marshal(ollamaRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  classifySystem,
		Stream:  false,
		Format:  "json",
		Options: ollamaOptions{Temperature: 0},
	})
	if err != nil {
		return Classification{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Classification{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Classification{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Classification{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Classification{}, fmt.Errorf("decode ollama response: %w", err)
	}
	var result Classification
	if err := json.Unmarshal([]byte(out.Response), &result); err != nil {
		return Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	switch result.Kind {
	case KindIntentDraft:
		switch result.Confidence {
		case stt.BandLow, stt.BandMed, stt.BandHigh:
		default:
			return Classification{}, fmt.Errorf("unsupported intent confidence %q", result.Confidence)
		}
	case KindClarify, KindChat:
		result.Confidence = ""
		result.IntentType = ""
	default:
		return Classification{}, fmt.Errorf("unsupported classification kind %q", result.Kind)
	}
	return result, nil
}
