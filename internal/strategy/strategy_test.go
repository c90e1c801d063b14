package strategy

import (
	"testing"

	"github.com/loqalabs/sttgate/internal/stt"
)

func healthy() *stt.Handoff {
	return &stt.Handoff{
		CaptureQuality:      stt.CaptureGood,
		Recoverability:      stt.Recoverable,
		NetworkStability:    stt.NetworkStable,
		SNRDB:               28,
		PacketLossPct:       0.5,
		InterruptConfidence: stt.BandHigh,
		VADConfidence:       stt.BandHigh,
	}
}

func TestSelect(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(h *stt.Handoff)
		want   stt.Strategy
	}{
		{"healthy", func(*stt.Handoff) {}, stt.StrategyStandard},
		{"critical capture", func(h *stt.Handoff) { h.CaptureQuality = stt.CaptureCritical }, stt.StrategyClarifyOnly},
		{"failover", func(h *stt.Handoff) { h.Recoverability = stt.FailoverRequired; h.SNRDB = 5 }, stt.StrategyClarifyOnly},
		{"packet loss", func(h *stt.Handoff) { h.PacketLossPct = 4 }, stt.StrategyNoiseRobust},
		{"low snr", func(h *stt.Handoff) { h.SNRDB = 13.9 }, stt.StrategyNoiseRobust},
		{"flaky", func(h *stt.Handoff) { h.NetworkStability = stt.NetworkFlaky }, stt.StrategyNoiseRobust},
		{"noisy and degraded", func(h *stt.Handoff) { h.SNRDB = 10; h.CaptureQuality = stt.CaptureDegraded }, stt.StrategyNoiseRobust},
		{"low vad", func(h *stt.Handoff) { h.VADConfidence = stt.BandLow }, stt.StrategyCloudAssist},
		{"low interrupt", func(h *stt.Handoff) { h.InterruptConfidence = stt.BandLow }, stt.StrategyCloudAssist},
		{"degraded capture", func(h *stt.Handoff) { h.CaptureQuality = stt.CaptureDegraded }, stt.StrategyCloudAssist},
	}
	for _, tc := range cases {
		h := healthy()
		tc.mutate(h)
		if got := Select(stt.Request{Handoff: h}); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
	if got := Select(stt.Request{}); got != stt.StrategyStandard {
		t.Fatalf("missing handoff should route standard, got %s", got)
	}
}

func TestLadder(t *testing.T) {
	if ladder := Ladder(stt.StrategyClarifyOnly); len(ladder) != 0 {
		t.Fatalf("clarify-only must not route, got %v", ladder)
	}
	for _, s := range []stt.Strategy{stt.StrategyStandard, stt.StrategyNoiseRobust, stt.StrategyCloudAssist} {
		ladder := Ladder(s)
		if len(ladder) != 2 || ladder[0] != stt.SlotPrimary || ladder[1] != stt.SlotSecondary {
			t.Fatalf("%s: unexpected ladder %v", s, ladder)
		}
		if ProfileID(s) == ProfileID(stt.StrategyClarifyOnly) {
			t.Fatalf("%s: profile id must be strategy specific", s)
		}
	}
}
