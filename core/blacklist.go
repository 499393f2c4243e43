package core

import "time"

// Blacklist reasons.
const (
	ReasonLogout         = "logout"
	ReasonTokenReuse     = "token_reuse"
	ReasonSessionRevoked = "session_revoked"
	ReasonManual         = "manual"
)

// BlacklistEntry marks a token id as revoked until its natural expiry
type BlacklistEntry struct {
	TokenID   string    `json:"tokenId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlacklistStats is an operator view of the blacklist
type BlacklistStats struct {
	Size    int              `json:"size"`
	Entries []BlacklistEntry `json:"entries"`
}
