// Package repair attempts a second, disfluency-cleaned reading of a failed
// transcript. A repair is only accepted when it is strictly cleaner and
// does not change what the user asked for.
package repair

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/loqalabs/sttgate/internal/nlp"
	"github.com/loqalabs/sttgate/internal/stt"
)

const (
	minTokens        = 3
	maxTokens        = 48
	minOverlap       = 0.45
	confidenceBoost  = 0.06
	lowRatioScale    = 0.72
	lowRatioTrigger  = 0.25
	lowAvgConfidence = 0.82
)

// Result is an accepted repair.
type Result struct {
	Attempt stt.Attempt
	Spans   []stt.UncertainSpan
	Notes   []string
}

// Engine runs the frame-build then semantic-check repair pipeline.
type Engine struct {
	frames     nlp.FrameBuilder
	classifier nlp.IntentClassifier
}

func NewEngine(frames nlp.FrameBuilder, classifier nlp.IntentClassifier) *Engine {
	return &Engine{frames: frames, classifier: classifier}
}

// IsCandidate reports whether an attempt is worth repairing.
func IsCandidate(a stt.Attempt) bool {
	if stt.Garbled(a.Text) {
		return true
	}
	n := len(stt.Tokens(a.Text))
	if n < minTokens || n > maxTokens {
		return false
	}
	return nlp.HasDisfluency(a.Text) ||
		a.LowConfidenceRatio >= lowRatioTrigger ||
		(a.AvgWordConfidence < lowAvgConfidence && n >= 5)
}

// CorrelationID is derived from the segment and text so identical inputs
// always share one id.
func CorrelationID(seg stt.Segment, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", seg.StreamID, seg.StartMS, seg.EndMS, text)))
	return "rpr_" + hex.EncodeToString(sum[:8])
}

// Repair returns a repaired attempt, or false when no acceptable repair
// exists. It never fabricates content: every kept token comes from the
// frame built over the original text.
func (e *Engine) Repair(ctx context.Context, req stt.Request, a stt.Attempt) (Result, bool) {
	if e == nil || e.frames == nil || e.classifier == nil || !IsCandidate(a) {
		return Result{}, false
	}
	hints := nlp.MatchIntentHints(a.Text, nlp.MaxHintTokens)
	if len(hints) == 0 {
		return Result{}, false
	}
	frame, err := e.frames.BuildFrame(ctx, nlp.FrameRequest{
		CorrelationID: CorrelationID(req.Segment, a.Text),
		Text:          a.Text,
		Language:      a.Language,
		HintTokens:    hints,
	})
	if err != nil || frame.Status != nlp.FrameValid {
		return Result{}, false
	}

	text, spans := collapse(frame.RepairedText, frame.Ambiguous)
	if strings.TrimSpace(text) == "" || stt.CanonicalText(text) == stt.CanonicalText(a.Text) {
		return Result{}, false
	}
	if stt.TokenOverlap(a.Text, text) < minOverlap {
		return Result{}, false
	}
	if !e.intentStable(ctx, req, a, text) {
		return Result{}, false
	}

	repaired := a
	repaired.Text = text
	repaired.AvgWordConfidence = stt.Clamp01(a.AvgWordConfidence + confidenceBoost)
	repaired.LowConfidenceRatio = stt.Clamp01(a.LowConfidenceRatio * lowRatioScale)
	return Result{Attempt: repaired, Spans: spans, Notes: frame.Notes}, true
}

func (e *Engine) intentStable(ctx context.Context, req stt.Request, a stt.Attempt, repaired string) bool {
	before, err := e.classifier.Classify(ctx, a.Text, a.Language, req.Session)
	if err != nil {
		return false
	}
	after, err := e.classifier.Classify(ctx, repaired, a.Language, req.Session)
	if err != nil {
		return false
	}
	if after.Quality() < before.Quality() {
		return false
	}
	if before.Kind == nlp.KindIntentDraft && after.Kind == nlp.KindIntentDraft && before.IntentType != after.IntentType {
		return false
	}
	if before.Kind == nlp.KindChat && after.Kind == nlp.KindIntentDraft && !nlp.LooksActionable(repaired) {
		return false
	}
	return true
}

// collapse drops fillers and folds runs of duplicate tokens, marking each
// folded token and every ambiguous argument as uncertain.
func collapse(text string, ambiguous []string) (string, []stt.UncertainSpan) {
	ambiguousSet := make(map[string]struct{}, len(ambiguous))
	for _, a := range ambiguous {
		ambiguousSet[stt.NormalizeToken(a)] = struct{}{}
	}

	type kept struct {
		token  string
		reason string
	}
	var out []kept
	prev := ""
	for _, tok := range stt.Tokens(text) {
		norm := stt.NormalizeToken(tok)
		if nlp.IsFiller(norm) {
			continue
		}
		if norm != "" && norm == prev {
			out[len(out)-1].reason = "collapsed_repeat"
			continue
		}
		reason := ""
		if _, ok := ambiguousSet[norm]; ok && norm != "" {
			reason = "ambiguous_argument"
		}
		out = append(out, kept{token: tok, reason: reason})
		prev = norm
	}

	var b strings.Builder
	var spans []stt.UncertainSpan
	for i, k := range out {
		if i > 0 {
			b.WriteByte(' ')
		}
		start := b.Len()
		b.WriteString(k.token)
		if k.reason != "" {
			spans = append(spans, stt.UncertainSpan{Start: start, End: b.Len(), Reason: k.reason})
		}
	}
	return b.String(), spans
}
