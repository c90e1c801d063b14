// Package shadow scores an in-house transcription route against a
// provider reference to decide whether it may be promoted.
package shadow

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MinOverlapBP         = 9200
	MinConfidenceDeltaBP = -300
	MaxExtraLatencyMS    = 250
)

var (
	localePattern = regexp.MustCompile(`^[A-Za-z]{2,3}([-_][A-Za-z0-9]{2,8})*$`)
	routePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// SliceKey identifies the traffic slice being compared.
type SliceKey struct {
	Locale      string `json:"locale"`
	DeviceRoute string `json:"device_route"`
	TenantID    string `json:"tenant_id"`
}

func (k SliceKey) Validate() error {
	switch {
	case !localePattern.MatchString(k.Locale):
		return fmt.Errorf("invalid slice locale %q", k.Locale)
	case !routePattern.MatchString(k.DeviceRoute):
		return fmt.Errorf("invalid slice device route %q", k.DeviceRoute)
	case !tenantPattern.MatchString(k.TenantID):
		return fmt.Errorf("invalid slice tenant %q", k.TenantID)
	}
	return nil
}

type Decision string

const (
	HoldShadow           Decision = "hold_shadow"
	EligibleForPromotion Decision = "eligible_for_promotion"
)

// Outcome is the comparison result for one shadow sample.
type Outcome struct {
	Slice             SliceKey       `json:"slice"`
	Decision          Decision       `json:"decision"`
	OverlapBP         int            `json:"overlap_bp"`
	ConfidenceDeltaBP int16          `json:"confidence_delta_bp"`
	LatencyDeltaMS    int64          `json:"latency_delta_ms"`
	BlockingReason    stt.ReasonCode `json:"blocking_reason,omitempty"`
}

// Evaluator compares shadow attempts using the same gate as live traffic.
type Evaluator struct {
	eval      *evaluator.Evaluator
	decisions metric.Int64Counter
}

func New(eval *evaluator.Evaluator) *Evaluator {
	e := &Evaluator{eval: eval}
	counter, err := otel.Meter("github.com/loqalabs/sttgate/shadow").Int64Counter("sttgate.shadow.decisions",
		metric.WithDescription("Shadow route promotion decisions"))
	if err == nil {
		e.decisions = counter
	}
	return e
}

// Evaluate scores shadow against truth. Malformed inputs and a failing
// truth attempt return a *stt.ReasonError; every other case yields an
// Outcome.
func (e *Evaluator) Evaluate(ctx context.Context, req stt.Request, slice SliceKey, truth, shadow stt.Attempt, gatePassed bool) (Outcome, error) {
	if err := slice.Validate(); err != nil {
		return Outcome{}, stt.Reasonf(stt.ReasonShadowInputInvalid, err.Error())
	}
	if !stt.LocaleFamilyMatches(slice.Locale, truth.Language) || !stt.LocaleFamilyMatches(slice.Locale, shadow.Language) {
		return Outcome{}, stt.Reasonf(stt.ReasonShadowInputInvalid, "attempt language outside slice locale")
	}
	if res := e.eval.Evaluate(ctx, req, truth); !res.Pass {
		return Outcome{}, stt.Reasonf(stt.ReasonShadowTruthInvalid, string(res.Reason))
	}

	out := Outcome{
		Slice:             slice,
		Decision:          HoldShadow,
		OverlapBP:         stt.ToBP(stt.TokenOverlap(truth.Text, shadow.Text)),
		ConfidenceDeltaBP: clampInt16(stt.ToBP(shadow.AvgWordConfidence) - stt.ToBP(truth.AvgWordConfidence)),
		LatencyDeltaMS:    shadow.LatencyMS - truth.LatencyMS,
	}
	shadowRes := e.eval.Evaluate(ctx, req, shadow)
	switch {
	case !gatePassed:
		out.BlockingReason = stt.ReasonShadowPromotionBlocked
	case !shadowRes.Pass:
		out.BlockingReason = shadowRes.Reason
	case out.OverlapBP >= MinOverlapBP &&
		int(out.ConfidenceDeltaBP) >= MinConfidenceDeltaBP &&
		shadow.LatencyMS <= truth.LatencyMS+MaxExtraLatencyMS:
		out.Decision = EligibleForPromotion
	}
	e.record(ctx, out)
	return out, nil
}

func (e *Evaluator) record(ctx context.Context, out Outcome) {
	if e.decisions == nil {
		return
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(out.Decision)),
		attribute.String("locale", out.Slice.Locale),
	))
}

func clampInt16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
