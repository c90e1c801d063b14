// Package provider defines the provider-call adapter contract the live
// orchestrator talks through, and the adapters that implement it.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/sttgate/internal/stt"
)

// TaskKind names the work a provider call performs.
type TaskKind string

const TaskSttTranscribe TaskKind = "stt_transcribe"

// CallStatus is the adapter-reported outcome of a call.
type CallStatus string

const (
	StatusOK    CallStatus = "ok"
	StatusError CallStatus = "error"
)

// ValidationStatus is the adapter's own check of the normalized output.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Flags are the safety and privacy switches forwarded to the provider.
type Flags struct {
	SafetyStrict  bool `json:"safety_strict"`
	PrivacyRedact bool `json:"privacy_redact"`
	NoRetention   bool `json:"no_retention"`
}

// AudioRef references the segment a provider must transcribe. It is sent
// inline as JSON together with its content hash.
type AudioRef struct {
	StreamID          string   `json:"stream_id"`
	StartMS           int64    `json:"start_ms"`
	EndMS             int64    `json:"end_ms"`
	LanguageHint      string   `json:"language_hint,omitempty"`
	VocabularyPackIDs []string `json:"vocabulary_pack_ids,omitempty"`
	LexiconTerms      []string `json:"lexicon_terms,omitempty"`
	Streaming         bool     `json:"streaming,omitempty"`
	RevisionHint      uint32   `json:"revision_hint,omitempty"`
}

// Encode returns the JSON payload and its sha256 hex digest.
func (r AudioRef) Encode() (json.RawMessage, string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, "", fmt.Errorf("encode audio reference: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// CallRequest is one provider call.
type CallRequest struct {
	CorrelationID  string           `json:"correlation_id"`
	TurnID         string           `json:"turn_id"`
	TenantID       string           `json:"tenant_id"`
	RequestID      string           `json:"request_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Task           TaskKind         `json:"task"`
	RouteClass     stt.ProviderSlot `json:"route_class"`
	ProviderID     string           `json:"provider_id"`
	ModelID        string           `json:"model_id"`
	TimeoutMS      int64            `json:"timeout_ms"`
	RetryBudget    int              `json:"retry_budget"`
	AudioRef       json.RawMessage  `json:"audio_ref"`
	AudioRefHash   string           `json:"audio_ref_hash"`
	Flags          Flags            `json:"flags"`
}

// CallResponse is what an adapter returns for a completed call.
type CallResponse struct {
	Status           CallStatus       `json:"status"`
	Validation       ValidationStatus `json:"validation"`
	LatencyMS        int64            `json:"latency_ms"`
	ConfidenceBP     *int             `json:"confidence_bp,omitempty"`
	SchemaHash       string           `json:"schema_hash,omitempty"`
	NormalizedOutput json.RawMessage  `json:"normalized_output,omitempty"`
}

// AdapterError is a failed call. Retryable errors may be retried within
// the slot's retry budget; terminal errors end the slot.
type AdapterError struct {
	Retryable bool
	Message   string
}

func (e *AdapterError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider call failed (%s): %s", kind, e.Message)
}

// Retryable reports whether err is a retryable adapter error. Errors that
// are not AdapterErrors are treated as retryable transport faults.
func Retryable(err error) bool {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Retryable
	}
	return err != nil
}

// Adapter executes provider calls. Implementations enforce the per-call
// timeout carried in the request.
type Adapter interface {
	Execute(ctx context.Context, req CallRequest) (CallResponse, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req CallRequest) (CallResponse, error)

func (f AdapterFunc) Execute(ctx context.Context, req CallRequest) (CallResponse, error) {
	return f(ctx, req)
}
