// Package calibration blends token, acoustic and context signals into a
// single confidence score and bucket.
package calibration

import "github.com/loqalabs/sttgate/internal/stt"

const (
	HighFloor = 0.87
	MedFloor  = 0.74

	defaultAcoustic = 0.70
	defaultVADBias  = 0.85
	noHintContext   = 0.60
)

// Result is the calibrated confidence with its sub-scores.
type Result struct {
	Score           float64    `json:"score"`
	Bucket          stt.Bucket `json:"bucket"`
	Token           float64    `json:"token"`
	Acoustic        float64    `json:"acoustic"`
	AcousticPresent bool       `json:"acoustic_present"`
	Context         float64    `json:"context"`
	ContextPresent  bool       `json:"context_present"`
}

// Calibrate scores an attempt against the turn's hints. It is pure.
func Calibrate(req stt.Request, attempt stt.Attempt) Result {
	token := TokenScore(attempt)
	acoustic, acousticOK := AcousticScore(req)
	context, contextOK := ContextScore(req, attempt.Language)

	acousticTerm, contextTerm := token, token
	if acousticOK {
		acousticTerm = acoustic
	}
	if contextOK {
		contextTerm = context
	}
	score := stt.Clamp01(0.70*token + 0.20*acousticTerm + 0.10*contextTerm)
	return Result{
		Score:           score,
		Bucket:          BucketFor(score),
		Token:           token,
		Acoustic:        acoustic,
		AcousticPresent: acousticOK,
		Context:         context,
		ContextPresent:  contextOK,
	}
}

// TokenScore discounts average word confidence by the low-confidence ratio.
func TokenScore(a stt.Attempt) float64 {
	avg := stt.Clamp01(a.AvgWordConfidence)
	low := stt.Clamp01(a.LowConfidenceRatio)
	return stt.Clamp01(avg * (1 - low*0.75))
}

// AcousticScore averages the acoustic signals that are present. It reports
// false, with a neutral default, when there are none.
func AcousticScore(req stt.Request) (float64, bool) {
	var sum, weight float64
	if req.NoiseHint != nil {
		sum += 0.35 * (1 - stt.Clamp01(*req.NoiseHint))
		weight += 0.35
	}
	if req.VADQualityHint != nil {
		sum += 0.25 * stt.Clamp01(*req.VADQualityHint)
		weight += 0.25
	}
	if req.Handoff != nil {
		sum += 0.40 * HandoffComposite(*req.Handoff)
		weight += 0.40
	}
	if weight == 0 {
		return defaultAcoustic, false
	}
	return stt.Clamp01(sum / weight), true
}

// HandoffComposite folds the capture-path measurements into one score.
func HandoffComposite(h stt.Handoff) float64 {
	snr := stt.Clamp01((h.SNRDB - 5) / 25)
	loss := stt.Clamp01(1 - h.PacketLossPct/10)
	clipping := stt.Clamp01(1 - h.ClippingRatio*5)
	doubleTalk := stt.Clamp01(1 - h.DoubleTalkScore)
	echo := stt.Clamp01(1 - h.EchoDelayMS/300)
	erle := stt.Clamp01(h.ERLEDB / 30)
	return stt.Clamp01(0.28*snr + 0.24*loss + 0.14*clipping + 0.12*doubleTalk + 0.12*echo + 0.10*erle)
}

// ContextScore rates how well the attempt's language agrees with the hint,
// biased by VAD quality. It reports false when neither signal exists.
func ContextScore(req stt.Request, language string) (float64, bool) {
	lang := noHintContext
	if req.LanguageHint != nil {
		match := stt.LocaleFamilyMatches(req.LanguageHint.Tag, language)
		lang = languageScore(req.LanguageHint.Confidence, match)
	}
	bias := defaultVADBias
	if req.VADQualityHint != nil {
		bias = stt.Clamp01(*req.VADQualityHint)
	}
	present := req.LanguageHint != nil || req.VADQualityHint != nil
	return stt.Clamp01(0.85*lang + 0.15*bias), present
}

func languageScore(confidence stt.Band, match bool) float64 {
	switch confidence {
	case stt.BandHigh:
		if match {
			return 1.0
		}
		return 0.0
	case stt.BandMed:
		if match {
			return 0.85
		}
		return 0.25
	case stt.BandLow:
		if match {
			return 0.70
		}
		return 0.45
	default:
		return noHintContext
	}
}

// BucketFor discretizes a score.
func BucketFor(score float64) stt.Bucket {
	switch {
	case score >= HighFloor:
		return stt.BucketHigh
	case score >= MedFloor:
		return stt.BucketMed
	default:
		return stt.BucketLow
	}
}

// Floor is the minimum score a result must reach to count as bucket b.
func Floor(b stt.Bucket) float64 {
	switch b {
	case stt.BucketHigh:
		return HighFloor
	case stt.BucketMed:
		return MedFloor
	default:
		return 0
	}
}
