package core

import "time"

// Alert types raised by session validation and token lifecycle checks.
const (
	AlertSuspiciousLocation = "suspicious_location"
	AlertUserAgentChange    = "user_agent_change"
	AlertUnusualVelocity    = "unusual_velocity"
	AlertTokenReuse         = "token_reuse"
	AlertSessionEvicted     = "session_evicted"
)

// Alert severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Session represents an authenticated user session. A session opened by a
// login that still owes a second factor has MFAPending set and does not
// validate until the challenge is answered.
type Session struct {
	ID             string        `json:"sessionId"`
	UserID         string        `json:"userId"`
	UserType       string        `json:"userType,omitempty"`
	Role           string        `json:"role"`
	UserLevel      int           `json:"userLevel"`
	RegionID       string        `json:"regionId,omitempty"`
	Permissions    []string      `json:"permissions"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivity   time.Time     `json:"lastActivity"`
	Context        ClientContext `json:"context"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	MFAPending     bool          `json:"mfaPending,omitempty"`
	RecentActivity []time.Time   `json:"recentActivity,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Permissions = append([]string(nil), s.Permissions...)
	out.RecentActivity = append([]time.Time(nil), s.RecentActivity...)
	return &out
}

// IdleSince reports how long the session has gone without activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// CreateSessionInput carries everything needed to open a session
type CreateSessionInput struct {
	UserID      string        `json:"userId"`
	UserType    string        `json:"userType,omitempty"`
	Role        string        `json:"role"`
	UserLevel   int           `json:"userLevel"`
	RegionID    string        `json:"regionId,omitempty"`
	Permissions []string      `json:"permissions"`
	Context     ClientContext `json:"context"`
	MFAPending  bool          `json:"-"`
}

// TokenPayload returns the identity tokens for this session are minted for.
func (s *Session) TokenPayload() TokenPayload {
	return TokenPayload{
		UserID:      s.UserID,
		UserType:    s.UserType,
		Role:        s.Role,
		RegionID:    s.RegionID,
		Permissions: append([]string(nil), s.Permissions...),
		SessionID:   s.ID,
	}
}

// SecurityAlert describes an anomaly worth auditing
type SecurityAlert struct {
	AlertType  string    `json:"alertType"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	UserID     string    `json:"userId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
}

// SessionValidation is the outcome of validating a session
type SessionValidation struct {
	Valid          bool            `json:"valid"`
	Session        *Session        `json:"session,omitempty"`
	RiskScore      float64         `json:"riskScore"`
	Alerts         []SecurityAlert `json:"alerts"`
	RequiresStepUp bool            `json:"requiresStepUp"`
}
