package core

import "time"

// MFA method types.
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)

// ActionLogin is the default action a challenge is bound to.
const ActionLogin = "login"

// MFAMethod is one enrolled second factor
type MFAMethod struct {
	Type         string    `json:"type"`
	Enabled      bool      `json:"enabled"`
	SealedSecret string    `json:"secret"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedStep int64     `json:"lastUsedStep"`
}

// BackupCode is a single-use recovery code, stored hashed
type BackupCode struct {
	CodeHash string     `json:"codeHash"`
	Used     bool       `json:"used"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`
}

// MFAState is everything known about a user's second factors
type MFAState struct {
	UserID      string       `json:"userId"`
	Enabled     bool         `json:"enabled"`
	Methods     []MFAMethod  `json:"methods"`
	BackupCodes []BackupCode `json:"backupCodes"`
}

// Method returns the method of type t, or nil.
func (s *MFAState) Method(t string) *MFAMethod {
	for i := range s.Methods {
		if s.Methods[i].Type == t {
			return &s.Methods[i]
		}
	}
	return nil
}

// BackupCodesRemaining counts unused backup codes.
func (s *MFAState) BackupCodesRemaining() int {
	n := 0
	for _, c := range s.BackupCodes {
		if !c.Used {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s *MFAState) Clone() *MFAState {
	if s == nil {
		return nil
	}
	out := *s
	out.Methods = append([]MFAMethod(nil), s.Methods...)
	out.BackupCodes = append([]BackupCode(nil), s.BackupCodes...)
	return &out
}

// Challenge is a short-lived, single-use MFA prompt
type Challenge struct {
	ID        string    `json:"challengeId"`
	UserID    string    `json:"userId"`
	Method    string    `json:"method"`
	Action    string    `json:"action"`
	SessionID string    `json:"sessionId,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Consumed  bool      `json:"consumed"`
}

// SetupRequest starts enrollment of a method
type SetupRequest struct {
	UserID      string `json:"userId"`
	Method      string `json:"method"`
	AccountName string `json:"accountName,omitempty"`
}

// SetupResult is returned once, right after enrollment
type SetupResult struct {
	Success     bool     `json:"success"`
	Method      string   `json:"method"`
	Secret      string   `json:"secret"`
	QRCodeURL   string   `json:"qrCodeUrl"`
	BackupCodes []string `json:"backupCodes"`
}

// ChallengeRequest asks for a new challenge
type ChallengeRequest struct {
	UserID    string `json:"userId"`
	Method    string `json:"method"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// ChallengeResult describes a created challenge
type ChallengeResult struct {
	Success     bool      `json:"success"`
	ChallengeID string    `json:"challengeId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Method      string    `json:"method"`
}

// MFAMethodStatus is the public view of an enrolled method
type MFAMethodStatus struct {
	Type      string    `json:"type"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// MFAStatus summarizes a user's MFA posture
type MFAStatus struct {
	Enabled              bool              `json:"enabled"`
	Methods              []MFAMethodStatus `json:"methods"`
	BackupCodesRemaining int               `json:"backupCodesRemaining"`
}
