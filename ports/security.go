package ports

import "time"

// PasswordHasher hashes and verifies passwords
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Verify never distinguishes a wrong password from a malformed hash.
	Verify(password, encodedHash string) bool
	// NeedsRehash reports whether encodedHash should be replaced by a fresh Hash.
	NeedsRehash(encodedHash string) bool
}

// OTPProvider generates and checks time-based one-time passwords
type OTPProvider interface {
	// Generate returns a base32 secret and the otpauth:// provisioning URI.
	Generate(accountName string) (secret, uri string, err error)
	// Validate reports whether code matches secret at now or an adjacent step,
	// returning the matched time step.
	Validate(code, secret string, now time.Time) (step int64, ok bool)
}

// SecretSealer encrypts secrets that must be recoverable, such as TOTP seeds
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}
