package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const outputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task", "text_output", "language_tag", "confidence_bp", "stable"],
  "properties": {
    "task": {"const": "stt_transcribe"},
    "text_output": {"type": "string", "maxLength": 8192},
    "language_tag": {"type": "string", "pattern": "^[A-Za-z]{2,3}([-_][A-Za-z0-9]{1,8})*$"},
    "confidence_bp": {"type": "integer", "minimum": 0, "maximum": 10000},
    "low_confidence_ratio_bp": {"type": "integer", "minimum": 0, "maximum": 10000},
    "stable": {"type": "boolean"},
    "revision_id": {"type": "integer", "minimum": 1, "maximum": 4294967295},
    "finalized": {"type": "boolean"}
  }
}`

// OutputSchemaHash identifies the only normalized-output schema accepted.
var OutputSchemaHash = func() string {
	sum := sha256.Sum256([]byte(outputSchema))
	return hex.EncodeToString(sum[:])
}()

var compiledOutputSchema = jsonschema.MustCompileString("sttgate://schemas/stt_transcribe.json", outputSchema)

// Output is the decoded normalized output of a transcription call.
type Output struct {
	Task                 TaskKind `json:"task"`
	TextOutput           string   `json:"text_output"`
	LanguageTag          string   `json:"language_tag"`
	ConfidenceBP         int      `json:"confidence_bp"`
	LowConfidenceRatioBP *int     `json:"low_confidence_ratio_bp,omitempty"`
	Stable               bool     `json:"stable"`
	RevisionID           uint32   `json:"revision_id,omitempty"`
	Finalized            bool     `json:"finalized,omitempty"`
}

// Decode validates a call response and returns its normalized output.
// Contract violations fail as POLICY_RESTRICTED; a response with nothing
// to decode fails as EMPTY.
func Decode(resp CallResponse) (Output, error) {
	if resp.Status != StatusOK || len(resp.NormalizedOutput) == 0 {
		return Output{}, stt.Reasonf(stt.ReasonEmpty, "no normalized output")
	}
	if resp.Validation != ValidationValid {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "provider marked output invalid")
	}
	if resp.SchemaHash != OutputSchemaHash {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "unexpected output schema")
	}
	var doc any
	if err := json.Unmarshal(resp.NormalizedOutput, &doc); err != nil {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "undecodable output: "+err.Error())
	}
	if err := compiledOutputSchema.Validate(doc); err != nil {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "output schema violation")
	}
	var out Output
	if err := json.Unmarshal(resp.NormalizedOutput, &out); err != nil {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "undecodable output: "+err.Error())
	}
	if out.Task != TaskSttTranscribe {
		return Output{}, stt.Reasonf(stt.ReasonPolicyRestricted, "task mismatch")
	}
	return out, nil
}

// Encode builds the normalized-output blob for out. Adapters that wrap a
// vendor client use it to produce conforming responses.
func Encode(out Output) (json.RawMessage, error) {
	out.Task = TaskSttTranscribe
	return json.Marshal(out)
}

// Attempt converts the output into an evaluator attempt. Without an
// explicit ratio, the low-confidence ratio is the complement of the
// confidence.
func (o Output) Attempt(slot stt.ProviderSlot, latencyMS int64) stt.Attempt {
	confidence := float64(o.ConfidenceBP) / 10000
	low := 1 - confidence
	if o.LowConfidenceRatioBP != nil {
		low = float64(*o.LowConfidenceRatioBP) / 10000
	}
	return stt.Attempt{
		Slot:               slot,
		LatencyMS:          latencyMS,
		Text:               o.TextOutput,
		Language:           strings.TrimSpace(o.LanguageTag),
		AvgWordConfidence:  stt.Clamp01(confidence),
		LowConfidenceRatio: stt.Clamp01(low),
		Stable:             o.Stable,
	}
}

// Partial converts a streaming output into a revision.
func (o Output) Partial() stt.PartialAttempt {
	return stt.PartialAttempt{
		Text:       o.TextOutput,
		Confidence: float64(o.ConfidenceBP) / 10000,
		Stable:     o.Stable,
		RevisionID: o.RevisionID,
	}
}

// Respond wraps out in a successful, valid call response.
func Respond(out Output, latencyMS int64) (CallResponse, error) {
	blob, err := Encode(out)
	if err != nil {
		return CallResponse{}, err
	}
	bp := out.ConfidenceBP
	return CallResponse{
		Status:           StatusOK,
		Validation:       ValidationValid,
		LatencyMS:        latencyMS,
		ConfidenceBP:     &bp,
		SchemaHash:       OutputSchemaHash,
		NormalizedOutput: blob,
	}, nil
}
