package service

import (
	"fmt"
	"time"

	"github.com/layer-3/warden/core"
)

const maxRiskScore = 10

// RiskWeights are the score contributions of each anomaly signal
type RiskWeights struct {
	IPMismatch        float64
	UserAgentMismatch float64
	Velocity          float64
}

// RiskConfig tunes the risk scorer
type RiskConfig struct {
	Weights RiskWeights
	// VelocityLimit is the number of validations tolerated within VelocityWindow.
	VelocityLimit   int
	VelocityWindow  time.Duration
	StepUpThreshold float64
}

// DefaultRiskConfig weighs a network change above a client change above a burst of requests.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Weights:         RiskWeights{IPMismatch: 5, UserAgentMismatch: 3, Velocity: 2},
		VelocityLimit:   30,
		VelocityWindow:  time.Minute,
		StepUpThreshold: 5,
	}
}

// RiskScorer compares a validation context against the session it claims
type RiskScorer struct {
	cfg RiskConfig
}

// NewRiskScorer creates a scorer; zero-valued limits fall back to the defaults.
func NewRiskScorer(cfg RiskConfig) *RiskScorer {
	def := DefaultRiskConfig()
	if cfg.VelocityLimit <= 0 {
		cfg.VelocityLimit = def.VelocityLimit
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.StepUpThreshold <= 0 {
		cfg.StepUpThreshold = def.StepUpThreshold
	}
	return &RiskScorer{cfg: cfg}
}

// Window is the span of recent activity the velocity signal looks at.
func (r *RiskScorer) Window() time.Duration { return r.cfg.VelocityWindow }

// RequiresStepUp reports whether score warrants re-authentication.
func (r *RiskScorer) RequiresStepUp(score float64) bool {
	return score >= r.cfg.StepUpThreshold
}

// Score returns a value in [0, 10] and one alert per triggered signal.
// recent must already include the current validation.
func (r *RiskScorer) Score(s *core.Session, client core.ClientContext, recent []time.Time, now time.Time) (float64, []core.SecurityAlert) {
	var (
		score  float64
		alerts []core.SecurityAlert
	)
	alert := func(kind, severity, msg string) {
		alerts = append(alerts, core.SecurityAlert{
			AlertType:  kind,
			Severity:   severity,
			Message:    msg,
			UserID:     s.UserID,
			SessionID:  s.ID,
			DetectedAt: now,
		})
	}

	if mismatch(s.Context.IPAddress, client.IPAddress) {
		score += r.cfg.Weights.IPMismatch
		alert(core.AlertSuspiciousLocation, core.SeverityMedium,
			fmt.Sprintf("session created from %s, now used from %s", s.Context.IPAddress, client.IPAddress))
	}
	if mismatch(s.Context.UserAgent, client.UserAgent) {
		score += r.cfg.Weights.UserAgentMismatch
		alert(core.AlertUserAgentChange, core.SeverityLow, "user agent differs from session creation")
	}
	if n := countSince(recent, now.Add(-r.cfg.VelocityWindow)); n > r.cfg.VelocityLimit {
		score += r.cfg.Weights.Velocity
		alert(core.AlertUnusualVelocity, core.SeverityLow,
			fmt.Sprintf("%d validations within %s", n, r.cfg.VelocityWindow))
	}

	switch {
	case score < 0:
		score = 0
	case score > maxRiskScore:
		score = maxRiskScore
	}
	if score >= r.cfg.StepUpThreshold {
		for i := range alerts {
			if alerts[i].Severity == core.SeverityMedium {
				alerts[i].Severity = core.SeverityHigh
			}
		}
	}
	return score, alerts
}

// mismatch ignores signals the caller did not supply.
func mismatch(original, current string) bool {
	return original != "" && current != "" && original != current
}

func countSince(times []time.Time, since time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(since) {
			n++
		}
	}
	return n
}
