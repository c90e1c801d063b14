// Package evaluator gates a single transcription attempt. Evaluation is two
// passes: the raw attempt first, then the repaired attempt if the raw one
// fails and a repair is available.
package evaluator

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/loqalabs/sttgate/internal/calibration"
	"github.com/loqalabs/sttgate/internal/nlp"
	"github.com/loqalabs/sttgate/internal/repair"
	"github.com/loqalabs/sttgate/internal/stt"
)

// overlapConfidenceMin is the overlap-hint confidence that arms the
// disambiguation gate.
const overlapConfidenceMin = 0.7

var speakerLabel = regexp.MustCompile(`(?i)\bspeaker\s*\d+`)

// Result is the tagged outcome of evaluating one attempt.
type Result struct {
	Pass   bool
	Reason stt.ReasonCode

	// Attempt is the attempt that was judged: the repaired one when
	// Repaired is set.
	Attempt            stt.Attempt
	Calibration        calibration.Result
	CoverageBucket     stt.Bucket
	PlausibilityBucket stt.Bucket
	Repaired           bool
	Spans              []stt.UncertainSpan
}

// Ok builds the success value for a passing result.
func (r Result) Ok() stt.TranscriptOk {
	return stt.TranscriptOk{
		Text:             r.Attempt.Text,
		Language:         r.Attempt.Language,
		ConfidenceBucket: r.Calibration.Bucket,
		UncertainSpans:   r.Spans,
	}
}

type Evaluator struct {
	policy     stt.Policy
	classifier nlp.IntentClassifier
	repairer   *repair.Engine
}

// New returns an evaluator. classifier feeds the semantic gate and may be
// nil when the gate is disabled; repairer may be nil to disable the second
// pass.
func New(policy stt.Policy, classifier nlp.IntentClassifier, repairer *repair.Engine) *Evaluator {
	return &Evaluator{policy: policy, classifier: classifier, repairer: repairer}
}

func (e *Evaluator) Policy() stt.Policy {
	return e.policy
}

// Evaluate runs the raw gate and, on failure, the repaired gate. It returns
// whichever passes, else the raw failure.
func (e *Evaluator) Evaluate(ctx context.Context, req stt.Request, attempt stt.Attempt) Result {
	raw := e.EvaluateRaw(ctx, req, attempt)
	if raw.Pass || e.repairer == nil {
		return raw
	}
	fixed, ok := e.repairer.Repair(ctx, req, attempt)
	if !ok {
		return raw
	}
	second := e.EvaluateRaw(ctx, req, fixed.Attempt)
	if !second.Pass {
		return raw
	}
	second.Repaired = true
	second.Spans = fixed.Spans
	if second.PlausibilityBucket > stt.BucketMed {
		second.PlausibilityBucket = stt.BucketMed
	}
	return second
}

// EvaluateRaw applies the gates in order and stops at the first failure.
func (e *Evaluator) EvaluateRaw(ctx context.Context, req stt.Request, attempt stt.Attempt) Result {
	res := Result{Attempt: attempt}
	fail := func(reason stt.ReasonCode) Result {
		res.Pass = false
		res.Reason = reason
		res.PlausibilityBucket = stt.BucketLow
		return res
	}

	text := strings.TrimSpace(attempt.Text)
	if text == "" {
		return fail(stt.ReasonEmpty)
	}
	if stt.Garbled(text) {
		return fail(stt.ReasonGarbled)
	}
	if hint := req.LanguageHint; hint != nil && hint.Confidence == stt.BandHigh &&
		!stt.LocaleFamilyMatches(hint.Tag, attempt.Language) {
		return fail(stt.ReasonLanguageMismatch)
	}

	coverage, covered := e.coverage(req.Segment, text)
	res.CoverageBucket = coverage
	if !covered {
		return fail(stt.ReasonLowCoverage)
	}
	if e.policy.RequireOverlapDisambiguation && overlapAmbiguous(req.Overlap, text) {
		return fail(stt.ReasonSpeakerOverlapAmbiguous)
	}

	cal := calibration.Calibrate(req, attempt)
	res.Calibration = cal
	if cal.Bucket < e.policy.MinConfidenceBucketToPass {
		return fail(stt.ReasonLowConfidence)
	}
	if attempt.AvgWordConfidence < e.policy.MinAvgWordConfidence ||
		attempt.LowConfidenceRatio > e.policy.MaxLowConfidenceRatio ||
		(e.policy.RequireStable && !attempt.Stable) ||
		cal.Score < calibration.Floor(e.policy.MinConfidenceBucketToPass) {
		return fail(stt.ReasonLowConfidence)
	}

	res.PlausibilityBucket = stt.BucketHigh
	if e.policy.SemanticGateEnabled {
		if e.classifier == nil {
			return fail(stt.ReasonLowSemanticConfidence)
		}
		class, err := e.classifier.Classify(ctx, text, attempt.Language, req.Session)
		if err != nil {
			return fail(stt.ReasonLowSemanticConfidence)
		}
		quality := class.Quality()
		if quality < e.policy.MinSemanticQuality {
			return fail(stt.ReasonLowSemanticConfidence)
		}
		res.PlausibilityBucket = qualityBucket(quality)
	}

	res.Pass = true
	return res
}

// coverage reports the coverage bucket and whether the text carries enough
// characters for the segment duration.
func (e *Evaluator) coverage(seg stt.Segment, text string) (stt.Bucket, bool) {
	dur := seg.DurationSeconds()
	if dur <= 0 {
		return stt.BucketLow, false
	}
	required := e.policy.MinCharsAbsolute
	if byRate := int(math.Ceil(e.policy.MinCharsPerSecond * dur)); byRate > required {
		required = byRate
	}
	chars := stt.CharCount(text)
	if chars < required {
		return stt.BucketLow, false
	}
	if required == 0 || chars >= 2*required {
		return stt.BucketHigh, true
	}
	return stt.BucketMed, true
}

func overlapAmbiguous(hint *stt.OverlapHint, text string) bool {
	if hint == nil || hint.Confidence < overlapConfidenceMin {
		return false
	}
	if hint.Class != stt.OverlapMultiSpeaker && hint.Class != stt.OverlapInterruption {
		return false
	}
	return speakerLabel.MatchString(text) || strings.Count(text, ":") >= 2
}

func qualityBucket(quality int) stt.Bucket {
	switch {
	case quality >= 3:
		return stt.BucketHigh
	case quality == 2:
		return stt.BucketMed
	default:
		return stt.BucketLow
	}
}
