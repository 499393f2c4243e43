package hasher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	maxSaltLength        = 64
	maxKeyLength         = 64
	algorithmID          = "argon2id"
)

// Stored hashes may cost at most maxCostFactor times the configured
// parameters. Anything above is treated as malformed.
const (
	maxCostFactor = 4
	maxBcryptCost = 14
)

// Config holds argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig follows the OWASP argon2id baseline.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2 hashes passwords into PHC strings and verifies them in constant time.
// Legacy bcrypt hashes are still accepted by Verify.
type Argon2 struct {
	config    Config
	dummySalt []byte
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// NewArgon2 validates cfg and returns a hasher.
func NewArgon2(cfg Config) (*Argon2, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	dummy := make([]byte, cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, dummy); err != nil {
		return nil, err
	}
	return &Argon2{config: cfg, dummySalt: dummy}, nil
}

// Hash returns an encoded argon2id hash of password.
func (a *Argon2) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify reports whether password matches encodedHash. A hash that cannot be
// parsed costs the same argon2 work as a mismatch and returns false.
func (a *Argon2) Verify(password, encodedHash string) bool {
	if isBcrypt(encodedHash) {
		if cost, err := bcrypt.Cost([]byte(encodedHash)); err == nil && cost <= maxBcryptCost {
			return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
		}
		a.dummyVerify(password)
		return false
	}

	parsed, err := a.parsePHC(encodedHash)
	if err != nil {
		a.dummyVerify(password)
		return false
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.hash)))
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1
}

// NeedsRehash reports whether encodedHash was produced with weaker parameters
// or a legacy algorithm.
func (a *Argon2) NeedsRehash(encodedHash string) bool {
	if isBcrypt(encodedHash) {
		return true
	}
	parsed, err := a.parsePHC(encodedHash)
	if err != nil {
		return true
	}
	return parsed.memory < a.config.Memory ||
		parsed.time < a.config.Time ||
		parsed.parallelism < a.config.Parallelism ||
		uint32(len(parsed.hash)) != a.config.KeyLength
}

// dummyVerify spends the work of a real verification at the configured cost.
func (a *Argon2) dummyVerify(password string) {
	computed := argon2.IDKey([]byte(password), a.dummySalt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)
	subtle.ConstantTimeCompare(computed, make([]byte, len(computed)))
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// parsePHC decodes an argon2id PHC string, rejecting parameters below the
// safe minimum or above maxCostFactor times the configured cost.
func (a *Argon2) parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, errors.New("invalid PHC format")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	var out phc
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid parameter entry")
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) || v > uint64(a.config.Memory)*maxCostFactor {
				return nil, errors.New("invalid memory parameter")
			}
			out.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < 1 || v > uint64(a.config.Time)*maxCostFactor {
				return nil, errors.New("invalid time parameter")
			}
			out.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < 1 || v > uint64(a.config.Parallelism)*maxCostFactor {
				return nil, errors.New("invalid parallelism parameter")
			}
			out.parallelism = uint8(v)
		default:
			return nil, errors.New("unsupported parameter")
		}
	}
	if out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return nil, errors.New("missing parameters")
	}

	out.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(out.salt) < int(minSaltLength) || len(out.salt) > maxSaltLength {
		return nil, errors.New("invalid salt")
	}
	out.hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(out.hash) < int(minKeyLength) || len(out.hash) > maxKeyLength {
		return nil, errors.New("invalid hash")
	}
	return &out, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Memory < minMemoryKB:
		return errors.New("hasher: memory must be >= 8192 KB")
	case cfg.Time < 1:
		return errors.New("hasher: time must be >= 1")
	case cfg.Parallelism < 1:
		return errors.New("hasher: parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return errors.New("hasher: salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return errors.New("hasher: key length must be >= 16")
	case cfg.SaltLength > maxSaltLength || cfg.KeyLength > maxKeyLength:
		return errors.New("hasher: salt and key length must be <= 64")
	}
	return nil
}
