package stt

// ReasonCode names a single failure cause.
type ReasonCode string

const (
	ReasonAudioDegraded           ReasonCode = "AUDIO_DEGRADED"
	ReasonProviderCircuitOpen     ReasonCode = "PROVIDER_CIRCUIT_OPEN"
	ReasonProviderDisagreement    ReasonCode = "PROVIDER_DISAGREEMENT"
	ReasonPolicyRestricted        ReasonCode = "POLICY_RESTRICTED"
	ReasonSpeakerOverlapAmbiguous ReasonCode = "SPEAKER_OVERLAP_AMBIGUOUS"
	ReasonLowSemanticConfidence   ReasonCode = "LOW_SEMANTIC_CONFIDENCE"
	ReasonBudgetExceeded          ReasonCode = "BUDGET_EXCEEDED"
	ReasonLanguageMismatch        ReasonCode = "LANGUAGE_MISMATCH"
	ReasonLowCoverage             ReasonCode = "LOW_COVERAGE"
	ReasonLowConfidence           ReasonCode = "LOW_CONFIDENCE"
	ReasonGarbled                 ReasonCode = "GARBLED"
	ReasonEmpty                   ReasonCode = "EMPTY"
	ReasonPartialOrder            ReasonCode = "PARTIAL_ORDER"
	ReasonPartialInvalid          ReasonCode = "PARTIAL_INVALID"
	ReasonShadowInputInvalid      ReasonCode = "SHADOW_INPUT_INVALID"
	ReasonShadowTruthInvalid      ReasonCode = "SHADOW_PROVIDER_TRUTH_INVALID"
	ReasonShadowPromotionBlocked  ReasonCode = "SHADOW_PROMOTION_BLOCKED"
	ReasonProviderTimeout         ReasonCode = "PROVIDER_TIMEOUT"
)

// reasonRank orders reasons from most to least specific. Lower is preferred.
var reasonRank = map[ReasonCode]int{
	ReasonAudioDegraded:           0,
	ReasonProviderCircuitOpen:     1,
	ReasonProviderDisagreement:    2,
	ReasonPolicyRestricted:        3,
	ReasonSpeakerOverlapAmbiguous: 4,
	ReasonLowSemanticConfidence:   5,
	ReasonBudgetExceeded:          6,
	ReasonLanguageMismatch:        7,
	ReasonLowCoverage:             8,
	ReasonLowConfidence:           9,
	ReasonGarbled:                 10,
	ReasonEmpty:                   11,
	ReasonPartialOrder:            12,
	ReasonPartialInvalid:          13,
	ReasonShadowInputInvalid:      14,
	ReasonShadowTruthInvalid:      15,
	ReasonShadowPromotionBlocked:  16,
	ReasonProviderTimeout:         17,
}

// Rank returns the specificity rank of a reason. Unknown reasons rank below
// every registered one.
func (r ReasonCode) Rank() int {
	if rank, ok := reasonRank[r]; ok {
		return rank
	}
	return len(reasonRank)
}

// Known reports whether r is a registered reason code.
func (r ReasonCode) Known() bool {
	_, ok := reasonRank[r]
	return ok
}

// MoreSpecific returns whichever of current and candidate is more specific.
// An empty current always yields candidate; ties keep current.
func MoreSpecific(current, candidate ReasonCode) ReasonCode {
	if current == "" {
		return candidate
	}
	if candidate == "" {
		return current
	}
	if candidate.Rank() < current.Rank() {
		return candidate
	}
	return current
}

// MostSpecific folds MoreSpecific left to right.
func MostSpecific(reasons ...ReasonCode) ReasonCode {
	var best ReasonCode
	for _, r := range reasons {
		best = MoreSpecific(best, r)
	}
	return best
}

// RetryAdvice tells the caller how the user should retry.
type RetryAdvice string

const (
	AdviceRepeat       RetryAdvice = "repeat"
	AdviceSpeakSlower  RetryAdvice = "speak_slower"
	AdviceMoveCloser   RetryAdvice = "move_closer"
	AdviceQuietEnv     RetryAdvice = "quiet_env"
	AdviceSwitchToText RetryAdvice = "switch_to_text"
)

// Advice maps a reason to its single retry advice.
func (r ReasonCode) Advice() RetryAdvice {
	switch r {
	case ReasonLowConfidence:
		return AdviceSpeakSlower
	case ReasonGarbled:
		return AdviceQuietEnv
	case ReasonProviderCircuitOpen, ReasonPolicyRestricted:
		return AdviceSwitchToText
	case ReasonAudioDegraded:
		return AdviceMoveCloser
	default:
		return AdviceRepeat
	}
}

// ReasonError carries a reason code through error-returning APIs.
type ReasonError struct {
	Code   ReasonCode
	Detail string
}

func (e *ReasonError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

// Reasonf builds a ReasonError.
func Reasonf(code ReasonCode, detail string) error {
	return &ReasonError{Code: code, Detail: detail}
}
