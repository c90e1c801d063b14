package stt

// UncertainSpan marks a byte range of the final transcript that was
// reconstructed rather than heard cleanly.
type UncertainSpan struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Reason string `json:"reason"`
}

// AuditMeta is safe to log: it names slots, never vendors.
type AuditMeta struct {
	AttemptsUsed       int          `json:"attempts_used"`
	CandidateCount     int          `json:"candidate_count"`
	SelectedSlot       ProviderSlot `json:"selected_slot,omitempty"`
	RoutingMode        Strategy     `json:"routing_mode"`
	SecondPassUsed     bool         `json:"second_pass_used"`
	RepairUsed         bool         `json:"repair_used"`
	TotalLatencyMS     int64        `json:"total_latency_ms"`
	CoverageBucket     Bucket       `json:"coverage_bucket"`
	ConfidenceBucket   Bucket       `json:"confidence_bucket"`
	PlausibilityBucket Bucket       `json:"plausibility_bucket"`
	VocabularyPackIDs  []string     `json:"vocabulary_pack_ids,omitempty"`
	PolicyProfileID    string       `json:"policy_profile_id"`
}

type TranscriptOk struct {
	Text             string          `json:"text"`
	Language         string          `json:"language"`
	ConfidenceBucket Bucket          `json:"confidence_bucket"`
	UncertainSpans   []UncertainSpan `json:"uncertain_spans,omitempty"`
	Audit            *AuditMeta      `json:"audit,omitempty"`
}

type TranscriptReject struct {
	ReasonCode  ReasonCode  `json:"reason_code"`
	RetryAdvice RetryAdvice `json:"retry_advice"`
	Audit       *AuditMeta  `json:"audit,omitempty"`
}

// Response holds exactly one of Ok or Reject. Build it with Accept or
// Refuse, never by hand.
type Response struct {
	Ok     *TranscriptOk     `json:"ok,omitempty"`
	Reject *TranscriptReject `json:"reject,omitempty"`
}

func Accept(ok TranscriptOk) Response {
	return Response{Ok: &ok}
}

func Refuse(reject TranscriptReject) Response {
	return Response{Reject: &reject}
}

// Accepted reports whether the response carries a transcript.
func (r Response) Accepted() bool {
	return r.Ok != nil && r.Reject == nil
}

// Reason returns the reject reason, or "" for an accepted response.
func (r Response) Reason() ReasonCode {
	if r.Reject == nil {
		return ""
	}
	return r.Reject.ReasonCode
}

// Audit returns whichever audit block is present.
func (r Response) Audit() *AuditMeta {
	switch {
	case r.Ok != nil:
		return r.Ok.Audit
	case r.Reject != nil:
		return r.Reject.Audit
	default:
		return nil
	}
}
