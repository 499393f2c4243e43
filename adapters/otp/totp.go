package otp

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Config describes the TOTP parameters handed to authenticator apps.
type Config struct {
	Issuer string
	Period uint
	Skew   uint
	Digits otp.Digits
}

// TOTP implements ports.OTPProvider on top of RFC 6238.
type TOTP struct {
	issuer string
	opts   totp.ValidateOpts
}

// NewTOTP returns a provider with SHA1, 6 digits, 30 second steps and one
// step of skew unless cfg says otherwise.
func NewTOTP(cfg Config) (*TOTP, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("otp: issuer is required")
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Digits == 0 {
		cfg.Digits = otp.DigitsSix
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	return &TOTP{
		issuer: cfg.Issuer,
		opts: totp.ValidateOpts{
			Period:    cfg.Period,
			Skew:      cfg.Skew,
			Digits:    cfg.Digits,
			Algorithm: otp.AlgorithmSHA1,
		},
	}, nil
}

// Generate creates a new shared secret and its provisioning URI.
func (p *TOTP) Generate(accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      p.opts.Period,
		Digits:      p.opts.Digits,
		Algorithm:   p.opts.Algorithm,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Validate checks code against the steps around now.
func (p *TOTP) Validate(code, secret string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != p.opts.Digits.Length() {
		return 0, false
	}

	period := time.Duration(p.opts.Period) * time.Second
	skew := int(p.opts.Skew)
	for delta := -skew; delta <= skew; delta++ {
		at := now.Add(time.Duration(delta) * period)
		expected, err := totp.GenerateCodeCustom(secret, at, p.opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return at.Unix() / int64(p.opts.Period), true
		}
	}
	return 0, false
}

// Code returns the code valid at t. It exists for enrollment tooling and tests.
func (p *TOTP) Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, p.opts)
}
