// Package strategy maps capture and transport health to a routing
// strategy and its provider ladder.
package strategy

import "github.com/loqalabs/sttgate/internal/stt"

const (
	noisyPacketLossPct = 4.0
	noisySNRDB         = 14.0
)

// Select picks the routing strategy for a turn. A missing handoff bundle
// means nothing is known to be wrong.
func Select(req stt.Request) stt.Strategy {
	h := req.Handoff
	if h == nil {
		return stt.StrategyStandard
	}
	switch {
	case h.CaptureQuality == stt.CaptureCritical || h.Recoverability == stt.FailoverRequired:
		return stt.StrategyClarifyOnly
	case h.PacketLossPct >= noisyPacketLossPct || h.SNRDB < noisySNRDB ||
		h.NetworkStability == stt.NetworkFlaky || h.NetworkStability == stt.NetworkUnstable:
		return stt.StrategyNoiseRobust
	case h.InterruptConfidence == stt.BandLow || h.VADConfidence == stt.BandLow ||
		h.CaptureQuality == stt.CaptureDegraded:
		return stt.StrategyCloudAssist
	default:
		return stt.StrategyStandard
	}
}

// Ladder returns the ordered slots tried for a strategy. ClarifyOnly never
// reaches a provider.
func Ladder(s stt.Strategy) []stt.ProviderSlot {
	if s == stt.StrategyClarifyOnly {
		return nil
	}
	return []stt.ProviderSlot{stt.SlotPrimary, stt.SlotSecondary}
}

// ProfileID is the policy profile recorded in audit metadata.
func ProfileID(s stt.Strategy) string {
	switch s {
	case stt.StrategyNoiseRobust:
		return "stt.noise_robust.v1"
	case stt.StrategyCloudAssist:
		return "stt.cloud_assist.v1"
	case stt.StrategyClarifyOnly:
		return "stt.clarify_only.v1"
	default:
		return "stt.standard.v1"
	}
}
