package stt

import (
	"errors"
	"fmt"
)

// Policy is the immutable per-runtime decision policy.
type Policy struct {
	MaxAttemptsPerTurn      int   `json:"max_attempts_per_turn"`
	MaxTotalLatencyBudgetMS int64 `json:"max_total_latency_budget_ms"`
	MaxRetriesPerProvider   int   `json:"max_retries_per_provider"`

	MinAvgWordConfidence      float64 `json:"min_avg_word_confidence"`
	MaxLowConfidenceRatio     float64 `json:"max_low_confidence_ratio"`
	RequireStable             bool    `json:"require_stable"`
	MinConfidenceBucketToPass Bucket  `json:"min_confidence_bucket_to_pass"`

	MinCharsPerSecond float64 `json:"min_chars_per_second"`
	MinCharsAbsolute  int     `json:"min_chars_absolute"`

	StreamLowLatencyConfidenceMin float64 `json:"stream_low_latency_confidence_min"`
	StreamLowLatencyMinChars      int     `json:"stream_low_latency_min_chars"`
	StreamMaxRevisions            int     `json:"stream_max_revisions"`

	SemanticGateEnabled bool `json:"semantic_gate_enabled"`
	MinSemanticQuality  int  `json:"min_semantic_quality"`

	RequireOverlapDisambiguation bool `json:"require_overlap_disambiguation"`

	CostQualityConfidenceToleranceBP int `json:"cost_quality_confidence_tolerance_bp"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttemptsPerTurn:               4,
		MaxTotalLatencyBudgetMS:          3000,
		MaxRetriesPerProvider:            1,
		MinAvgWordConfidence:             0.85,
		MaxLowConfidenceRatio:            0.25,
		RequireStable:                    true,
		MinConfidenceBucketToPass:        BucketHigh,
		MinCharsPerSecond:                1.5,
		MinCharsAbsolute:                 2,
		StreamLowLatencyConfidenceMin:    0.92,
		StreamLowLatencyMinChars:         8,
		StreamMaxRevisions:               16,
		SemanticGateEnabled:              false,
		MinSemanticQuality:               2,
		RequireOverlapDisambiguation:     true,
		CostQualityConfidenceToleranceBP: 200,
	}
}

// Validate rejects policies that could let uncertain transcripts through.
func (p Policy) Validate() error {
	if p.MaxAttemptsPerTurn <= 0 || p.MaxAttemptsPerTurn > 32 {
		return errors.New("max_attempts_per_turn must be between 1 and 32")
	}
	if p.MaxTotalLatencyBudgetMS <= 0 || p.MaxTotalLatencyBudgetMS > 120000 {
		return errors.New("max_total_latency_budget_ms must be between 1 and 120000")
	}
	if p.MaxRetriesPerProvider < 0 || p.MaxRetriesPerProvider > 8 {
		return errors.New("max_retries_per_provider must be between 0 and 8")
	}
	if !unit(p.MinAvgWordConfidence) {
		return errors.New("min_avg_word_confidence must be within [0,1]")
	}
	if !unit(p.MaxLowConfidenceRatio) {
		return errors.New("max_low_confidence_ratio must be within [0,1]")
	}
	if p.MinConfidenceBucketToPass != BucketHigh {
		return fmt.Errorf("min_confidence_bucket_to_pass must be high, got %s", p.MinConfidenceBucketToPass)
	}
	if p.MinCharsPerSecond < 0 || p.MinCharsAbsolute < 0 {
		return errors.New("coverage thresholds must be >= 0")
	}
	if !unit(p.StreamLowLatencyConfidenceMin) {
		return errors.New("stream_low_latency_confidence_min must be within [0,1]")
	}
	if p.StreamLowLatencyMinChars < 0 {
		return errors.New("stream_low_latency_min_chars must be >= 0")
	}
	if p.StreamMaxRevisions <= 0 || p.StreamMaxRevisions > 256 {
		return errors.New("stream_max_revisions must be between 1 and 256")
	}
	if p.SemanticGateEnabled && (p.MinSemanticQuality < 1 || p.MinSemanticQuality > 3) {
		return errors.New("min_semantic_quality must be between 1 and 3")
	}
	if p.CostQualityConfidenceToleranceBP < 0 || p.CostQualityConfidenceToleranceBP > 10000 {
		return errors.New("cost_quality_confidence_tolerance_bp must be within [0,10000]")
	}
	return nil
}

// BreakerConfig tunes the per-key circuit breaker.
type BreakerConfig struct {
	FailureThreshold int   `json:"failure_threshold"`
	CooldownMS       int64 `json:"cooldown_ms"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, CooldownMS: 15000}
}

func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("breaker failure_threshold must be > 0")
	}
	if c.CooldownMS < 100 || c.CooldownMS > 120000 {
		return errors.New("breaker cooldown_ms must be within [100,120000]")
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
