package tokenizer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
)

const AudienceAccess = "session:access"
const AudienceRefresh = "session:refresh"

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Config tunes token lifetimes and the issuer claim.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      core.Clock
}

// JWTTokenizer implements ports.Tokenizer with ES256 JWTs
type JWTTokenizer struct {
	signKey    *ecdsa.PrivateKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      core.Clock
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, cfg Config) (*JWTTokenizer, error) {
	if signKey == nil {
		return nil, errors.New("tokenizer: signing key is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < 0 || cfg.AccessTTL > core.MaxAccessTTL {
		return nil, core.ErrAccessTTLTooLong
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("tokenizer: refresh TTL must exceed access TTL")
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	return &JWTTokenizer{
		signKey:    signKey,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      cfg.Clock,
	}, nil
}

// AccessTTL returns the configured access token lifetime
func (j *JWTTokenizer) AccessTTL() time.Duration {
	return j.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime
func (j *JWTTokenizer) RefreshTTL() time.Duration {
	return j.refreshTTL
}

// Mint converts claims to a signed JWT of the given kind
func (j *JWTTokenizer) Mint(claims core.Claims, kind core.TokenKind, client core.ClientContext) (string, core.Claims, error) {
	audience, ttl, err := j.profile(kind)
	if err != nil {
		return "", core.Claims{}, err
	}

	now := jwt.NewNumericDate(j.clock.Now()).Time
	expiresAt := claims.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(ttl)
	}
	expiresAt = jwt.NewNumericDate(expiresAt).Time
	if kind == core.TokenKindAccess && expiresAt.Sub(now) > core.MaxAccessTTL {
		return "", core.Claims{}, core.ErrAccessTTLTooLong
	}
	if !expiresAt.After(now) {
		return "", core.Claims{}, fmt.Errorf("expiry must be in the future: %w", core.ErrInvalidPayload)
	}

	fingerprint, err := newFingerprint(claims.SessionID, client)
	if err != nil {
		return "", core.Claims{}, fmt.Errorf("failed to derive fingerprint: %w", err)
	}

	minted := claims
	minted.Permissions = append([]string{}, claims.Permissions...)
	minted.TokenID = uuid.New().String()
	minted.Fingerprint = fingerprint
	minted.Kind = kind
	minted.IssuedAt = now.UTC()
	minted.ExpiresAt = expiresAt.UTC()

	wire := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   minted.UserID,
			ID:        minted.TokenID,
			ExpiresAt: jwt.NewNumericDate(minted.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(minted.IssuedAt),
			Audience:  jwt.ClaimStrings{audience},
		},
		UserType:    minted.UserType,
		Role:        minted.Role,
		RegionID:    minted.RegionID,
		Permissions: minted.Permissions,
		SessionID:   minted.SessionID,
		Fingerprint: minted.Fingerprint,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, wire)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", core.Claims{}, fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	return signedToken, minted, nil
}

// Parse verifies a JWT of the given kind and returns its claims
func (j *JWTTokenizer) Parse(tokenStr string, kind core.TokenKind) (*core.Claims, error) {
	audience, _, err := j.profile(kind)
	if err != nil {
		return nil, err
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(j.clock.Now),
	}
	if j.issuer != "" {
		options = append(options, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s token: %w", kind, errors.Join(core.ErrInvalidToken, err))
	}

	// Validate token
	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	// Extract claims
	wire, ok := token.Claims.(*TokenClaims)
	if !ok || wire.ID == "" || wire.Subject == "" || wire.IssuedAt == nil {
		return nil, fmt.Errorf("invalid claims: %w", core.ErrInvalidToken)
	}

	perms := wire.Permissions
	if perms == nil {
		perms = []string{}
	}

	return &core.Claims{
		UserID:      wire.Subject,
		UserType:    wire.UserType,
		Role:        wire.Role,
		RegionID:    wire.RegionID,
		Permissions: perms,
		SessionID:   wire.SessionID,
		TokenID:     wire.ID,
		Fingerprint: wire.Fingerprint,
		Kind:        kind,
		IssuedAt:    wire.IssuedAt.Time.UTC(),
		ExpiresAt:   wire.ExpiresAt.Time.UTC(),
	}, nil
}

func (j *JWTTokenizer) profile(kind core.TokenKind) (string, time.Duration, error) {
	switch kind {
	case core.TokenKindAccess:
		return AudienceAccess, j.accessTTL, nil
	case core.TokenKindRefresh:
		return AudienceRefresh, j.refreshTTL, nil
	default:
		return "", 0, fmt.Errorf("unknown token kind %q: %w", kind, core.ErrInvalidToken)
	}
}

const fingerprintNonceSize = 16

// newFingerprint ties a token to the context it was issued in. The fingerprint
// is the hex nonce followed by a digest of nonce, session and client, so the
// same context always re-derives it while two issuances never collide.
func newFingerprint(sessionID string, client core.ClientContext) (string, error) {
	nonce := make([]byte, fingerprintNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce) + contextDigest(nonce, sessionID, client), nil
}

// MatchesContext re-derives the fingerprint of claims for client.
func (j *JWTTokenizer) MatchesContext(claims *core.Claims, client core.ClientContext) bool {
	if claims == nil || len(claims.Fingerprint) != 2*fingerprintNonceSize+32 {
		return false
	}
	nonce, err := hex.DecodeString(claims.Fingerprint[:2*fingerprintNonceSize])
	if err != nil {
		return false
	}
	expected := contextDigest(nonce, claims.SessionID, client)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(claims.Fingerprint[2*fingerprintNonceSize:])) == 1
}

func contextDigest(nonce []byte, sessionID string, client core.ClientContext) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(client.IPAddress))
	h.Write([]byte{0})
	h.Write([]byte(client.UserAgent))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
