package tokenizer

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the wire form shared by access and refresh tokens.
// The token kind travels in the audience.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserType    string   `json:"utp,omitempty"`
	Role        string   `json:"role"`
	RegionID    string   `json:"rgn,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	SessionID   string   `json:"sid"`
	Fingerprint string   `json:"fpt"`
}
