package nlp

import (
	"context"
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
)

// RuleClassifier is a deterministic keyword classifier.
type RuleClassifier struct{}

func NewRuleClassifier() IntentClassifier {
	return RuleClassifier{}
}

func (RuleClassifier) Classify(_ context.Context, text, _ string, _ stt.Session) (Classification, error) {
	tokens := stt.NormalizedTokens(text)
	if len(tokens) == 0 {
		return Classification{Kind: KindClarify}, nil
	}
	intentType := ""
	actionable := false
	for _, tok := range tokens {
		if family, ok := intentTypes[tok]; ok {
			actionable = true
			if intentType == "" {
				intentType = family
			}
		}
		if _, ok := actionVerbs[tok]; ok {
			actionable = true
		}
	}
	if actionable {
		if intentType == "" {
			intentType = "task"
		}
		hints := len(MatchIntentHints(text, MaxHintTokens))
		confidence := stt.BandLow
		switch {
		case hints >= 3:
			confidence = stt.BandHigh
		case hints == 2:
			confidence = stt.BandMed
		}
		return Classification{Kind: KindIntentDraft, Confidence: confidence, IntentType: intentType}, nil
	}
	if len(tokens) < 3 {
		return Classification{Kind: KindClarify}, nil
	}
	return Classification{Kind: KindChat}, nil
}

var abbreviations = map[string]string{
	"tmrw":   "tomorrow",
	"tmr":    "tomorrow",
	"2moro":  "tomorrow",
	"tonite": "tonight",
	"mtg":    "meeting",
	"appt":   "appointment",
	"pls":    "please",
	"plz":    "please",
	"msg":    "message",
}

// RuleFrameBuilder expands common abbreviations and records token spans.
type RuleFrameBuilder struct{}

func NewRuleFrameBuilder() FrameBuilder {
	return RuleFrameBuilder{}
}

func (RuleFrameBuilder) BuildFrame(_ context.Context, req FrameRequest) (Frame, error) {
	var (
		out       []string
		notes     []string
		ambiguous []string
	)
	for _, tok := range stt.Tokens(req.Text) {
		if expanded, ok := abbreviations[stt.NormalizeToken(tok)]; ok {
			notes = append(notes, "expanded:"+stt.NormalizeToken(tok))
			tok = expanded
		}
		if strings.HasSuffix(tok, "?") && len(tok) > 1 {
			ambiguous = append(ambiguous, strings.TrimSuffix(tok, "?"))
		}
		out = append(out, tok)
	}
	text := strings.Join(out, " ")
	frame := Frame{
		RepairedText: text,
		Spans:        SpansOf(text),
		Notes:        notes,
		Ambiguous:    ambiguous,
		Status:       FrameValid,
	}
	if text == "" {
		frame.Status = FrameInvalid
	}
	return frame, nil
}

// SpansOf returns the whitespace-delimited tokens of text with byte offsets.
func SpansOf(text string) []FrameSpan {
	var spans []FrameSpan
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				spans = append(spans, FrameSpan{Token: text[start:i], Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, FrameSpan{Token: text[start:], Start: start, End: len(text)})
	}
	return spans
}
