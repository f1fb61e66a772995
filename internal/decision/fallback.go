package decision

import (
	"fmt"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

// fallbackDecision is the deterministic rule applied whenever the
// reasoning collaborator is unavailable, times out, or answers with
// something unusable.
func fallbackDecision(cfg config.DecisionConfig, current *model.TelemetrySnapshot, signals model.BehaviorSignals, base model.OutreachDecision) model.OutreachDecision {
	base.Source = model.SourceFallback
	base.Urgency = urgencyForRisk(signals.Risk)

	switch {
	case signals.CartAbandonedLong && current.CartValue >= cfg.AbandonCartValueMin:
		base.ShouldCall = true
		base.Confidence = 75
		base.Reasoning = fmt.Sprintf("fallback rule: cart abandoned with value %.2f", current.CartValue)
	case signals.CartItemRemoved && current.CartValue >= cfg.RemovalCartValueMin:
		base.ShouldCall = true
		base.Confidence = 70
		base.Reasoning = fmt.Sprintf("fallback rule: item removal with cart value %.2f", current.CartValue)
	case signals.LongInactive && signals.Risk == model.RiskCritical:
		base.ShouldCall = true
		base.Confidence = 70
		base.Reasoning = "fallback rule: long inactivity at critical risk"
	default:
		base.ShouldCall = false
		base.Confidence = 60
		base.Reasoning = "fallback rule: signals below call thresholds"
		base.AlternativeAction = "send_email"
	}
	return base
}

func urgencyForRisk(risk model.RiskLevel) model.Urgency {
	switch risk {
	case model.RiskCritical:
		return model.UrgencyCritical
	case model.RiskHigh:
		return model.UrgencyHigh
	case model.RiskMedium:
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}
