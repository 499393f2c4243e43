package ports

import (
	"time"

	"github.com/layer-3/warden/core"
)

// Tokenizer converts between claims and signed bearer tokens
type Tokenizer interface {
	// Mint signs claims as a token of the given kind. TokenID, Fingerprint, IssuedAt
	// and, when zero, ExpiresAt are filled in; the returned claims are what was signed.
	Mint(claims core.Claims, kind core.TokenKind, client core.ClientContext) (string, core.Claims, error)

	// Parse verifies a token of the given kind. Every failure wraps core.ErrInvalidToken.
	Parse(token string, kind core.TokenKind) (*core.Claims, error)

	// MatchesContext reports whether client is the context claims were minted for.
	MatchesContext(claims *core.Claims, client core.ClientContext) bool

	// AccessTTL is the lifetime given to access tokens.
	AccessTTL() time.Duration
	// RefreshTTL is the lifetime given to refresh tokens.
	RefreshTTL() time.Duration
}
