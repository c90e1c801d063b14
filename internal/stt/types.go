package stt

import (
	"fmt"
	"strings"
)

// ProviderSlot identifies a routing position in the provider ladder. The
// vendor and model behind a slot are resolved per turn.
type ProviderSlot string

const (
	SlotPrimary   ProviderSlot = "primary"
	SlotSecondary ProviderSlot = "secondary"
	SlotTertiary  ProviderSlot = "tertiary"
)

// Validate enforces supported slot values.
func (s ProviderSlot) Validate() error {
	switch s {
	case SlotPrimary, SlotSecondary, SlotTertiary:
		return nil
	default:
		return fmt.Errorf("unsupported provider slot: %q", s)
	}
}

// Bucket is a discretized confidence level. Buckets are ordered so they can
// be compared directly.
type Bucket int

const (
	BucketLow Bucket = iota
	BucketMed
	BucketHigh
)

func (b Bucket) String() string {
	switch b {
	case BucketHigh:
		return "high"
	case BucketMed:
		return "med"
	default:
		return "low"
	}
}

func (b Bucket) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Bucket) UnmarshalText(text []byte) error {
	parsed, err := ParseBucket(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBucket accepts low|med|high (case-insensitive).
func ParseBucket(value string) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return BucketLow, nil
	case "med", "medium":
		return BucketMed, nil
	case "high":
		return BucketHigh, nil
	default:
		return BucketLow, fmt.Errorf("unsupported confidence bucket: %q", value)
	}
}

// Band is a coarse hint confidence reported by upstream stages.
type Band string

const (
	BandLow  Band = "low"
	BandMed  Band = "med"
	BandHigh Band = "high"
)

// Attempt is one candidate transcription for a segment.
type Attempt struct {
	Slot               ProviderSlot `json:"slot"`
	LatencyMS          int64        `json:"latency_ms"`
	Text               string       `json:"text"`
	Language           string       `json:"language"`
	AvgWordConfidence  float64      `json:"avg_word_confidence"`
	LowConfidenceRatio float64      `json:"low_confidence_ratio"`
	Stable             bool         `json:"stable"`
}

// PartialAttempt is one streaming revision.
type PartialAttempt struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Stable     bool    `json:"stable"`
	RevisionID uint32  `json:"revision_id"`
}

// PartialBatch is a canonicalized, gap-free run of revisions 1..N.
type PartialBatch struct {
	Partials  []PartialAttempt `json:"partials"`
	Finalized bool             `json:"finalized"`
}

// DeviceHealth summarizes capture-device state for a turn.
type DeviceHealth string

const (
	DeviceHealthy  DeviceHealth = "healthy"
	DeviceDegraded DeviceHealth = "degraded"
	DeviceCritical DeviceHealth = "critical"
)

type CaptureQuality string

const (
	CaptureGood     CaptureQuality = "good"
	CaptureDegraded CaptureQuality = "degraded"
	CaptureCritical CaptureQuality = "critical"
)

type Recoverability string

const (
	Recoverable      Recoverability = "recoverable"
	FailoverRequired Recoverability = "failover_required"
)

type NetworkStability string

const (
	NetworkStable   NetworkStability = "stable"
	NetworkFlaky    NetworkStability = "flaky"
	NetworkUnstable NetworkStability = "unstable"
)

// Handoff carries capture and transport health measured upstream of the
// transcription stage.
type Handoff struct {
	CaptureQuality      CaptureQuality   `json:"capture_quality"`
	Recoverability      Recoverability   `json:"recoverability"`
	NetworkStability    NetworkStability `json:"network_stability"`
	SNRDB               float64          `json:"snr_db"`
	PacketLossPct       float64          `json:"packet_loss_pct"`
	ClippingRatio       float64          `json:"clipping_ratio"`
	DoubleTalkScore     float64          `json:"double_talk_score"`
	EchoDelayMS         float64          `json:"echo_delay_ms"`
	ERLEDB              float64          `json:"erle_db"`
	InterruptConfidence Band             `json:"interrupt_confidence"`
	VADConfidence       Band             `json:"vad_confidence"`
}

// LanguageHint is the expected language for the segment.
type LanguageHint struct {
	Tag        string `json:"tag"`
	Confidence Band   `json:"confidence"`
}

type OverlapClass string

const (
	OverlapNone         OverlapClass = "none"
	OverlapMultiSpeaker OverlapClass = "multi_speaker"
	OverlapInterruption OverlapClass = "interruption_overlap"
)

// OverlapHint reports suspected speaker overlap within the segment.
type OverlapHint struct {
	Class      OverlapClass `json:"class"`
	Confidence float64      `json:"confidence"`
}

// Segment references the audio the attempts were produced from.
type Segment struct {
	StreamID string `json:"stream_id"`
	StartMS  int64  `json:"start_ms"`
	EndMS    int64  `json:"end_ms"`
}

// DurationSeconds is non-positive for an empty or inverted segment.
func (s Segment) DurationSeconds() float64 {
	return float64(s.EndMS-s.StartMS) / 1000
}

// Session is the conversational state handed to the intent classifier.
type Session struct {
	ID                   string `json:"id"`
	TurnIndex            int    `json:"turn_index"`
	PendingClarification bool   `json:"pending_clarification"`
}

// Request carries everything about a turn except the attempts themselves.
type Request struct {
	DeviceHealth      DeviceHealth  `json:"device_health"`
	Segment           Segment       `json:"segment"`
	LanguageHint      *LanguageHint `json:"language_hint,omitempty"`
	NoiseHint         *float64      `json:"noise_hint,omitempty"`
	VADQualityHint    *float64      `json:"vad_quality_hint,omitempty"`
	Overlap           *OverlapHint  `json:"overlap,omitempty"`
	Handoff           *Handoff      `json:"handoff,omitempty"`
	Session           Session       `json:"session"`
	VocabularyPackIDs []string      `json:"vocabulary_pack_ids,omitempty"`
}

// Strategy selects how aggressively a turn is routed.
type Strategy string

const (
	StrategyStandard    Strategy = "standard"
	StrategyNoiseRobust Strategy = "noise_robust"
	StrategyCloudAssist Strategy = "cloud_assist"
	StrategyClarifyOnly Strategy = "clarify_only"
)
