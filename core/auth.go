package core

import (
	"strings"
	"time"
)

// MaxAccessTTL caps the lifetime of every access token.
const MaxAccessTTL = 900 * time.Second

// RoleAdmin bypasses regional access checks.
const RoleAdmin = "admin"

// TokenKind distinguishes access tokens from refresh tokens
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// ClientContext describes where a request came from
type ClientContext struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

// TokenPayload is the identity a caller asks tokens to be minted for
type TokenPayload struct {
	UserID      string   `json:"userId"`
	UserType    string   `json:"userType"`
	Role        string   `json:"role"`
	RegionID    string   `json:"regionId,omitempty"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"sessionId"`
}

// Validate rejects payloads that cannot identify a user and session.
func (p TokenPayload) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return ErrInvalidPayload
	}
	return p.ValidateIdentity()
}

// ValidateIdentity is Validate for a payload whose session is not open yet.
func (p TokenPayload) ValidateIdentity() error {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.Role) == "" {
		return ErrInvalidPayload
	}
	for _, perm := range p.Permissions {
		if strings.TrimSpace(perm) == "" {
			return ErrInvalidPayload
		}
	}
	return nil
}

// Claims is the verified content of a token. It is never mutated after minting.
type Claims struct {
	UserID      string    `json:"userId"`
	UserType    string    `json:"userType"`
	Role        string    `json:"role"`
	RegionID    string    `json:"regionId,omitempty"`
	Permissions []string  `json:"permissions"`
	SessionID   string    `json:"sessionId"`
	TokenID     string    `json:"tokenId"`
	Fingerprint string    `json:"fingerprint"`
	Kind        TokenKind `json:"kind"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ClaimsFromPayload builds unsigned claims for p.
func ClaimsFromPayload(p TokenPayload) Claims {
	return Claims{
		UserID:      p.UserID,
		UserType:    p.UserType,
		Role:        p.Role,
		RegionID:    p.RegionID,
		Permissions: normalizePermissions(p.Permissions),
		SessionID:   p.SessionID,
	}
}

// Payload returns the identity part of the claims.
func (c Claims) Payload() TokenPayload {
	return TokenPayload{
		UserID:      c.UserID,
		UserType:    c.UserType,
		Role:        c.Role,
		RegionID:    c.RegionID,
		Permissions: append([]string(nil), c.Permissions...),
		SessionID:   c.SessionID,
	}
}

// HasPermission reports whether perm is one of the granted permissions.
func (c Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasRegionalAccess reports whether the holder may act in regionID.
func (c Claims) HasRegionalAccess(regionID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return c.RegionID != "" && c.RegionID == regionID
}

// TokenPair is what a successful issuance or rotation hands back
type TokenPair struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	ExpiresIn      int64  `json:"expiresIn"`
	AccessTokenID  string `json:"tokenId"`
	RefreshTokenID string `json:"refreshTokenId"`
}

// RefreshRecord tracks one issued refresh token inside its rotation family
type RefreshRecord struct {
	TokenID           string     `json:"tokenId"`
	UserID            string     `json:"userId"`
	SessionID         string     `json:"sessionId"`
	FamilyID          string     `json:"familyId"`
	IssuedAt          time.Time  `json:"issuedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	ConsumedAt        *time.Time `json:"consumedAt,omitempty"`
	ReplacedByTokenID string     `json:"replacedByTokenId,omitempty"`
	AccessTokenID     string     `json:"accessTokenId,omitempty"`
	AccessExpiresAt   time.Time  `json:"accessExpiresAt"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`

	// Replacement is the pair issued when this token was consumed. Stores keep it
	// only for the rotation grace window.
	Replacement *TokenPair `json:"-"`
}

// Active reports whether the record can still be exchanged.
func (r *RefreshRecord) Active(now time.Time) bool {
	return r.ConsumedAt == nil && r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// Consumption is the atomic step that retires a refresh token and
// persists its successor.
type Consumption struct {
	At          time.Time
	Next        *RefreshRecord
	Replacement TokenPair
	GraceWindow time.Duration
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
