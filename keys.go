package warden

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

const sealKeySize = 32

// loadSigningKey accepts a PEM-encoded P-256 key, or a path to one. An empty
// value yields a fresh key.
func loadSigningKey(value string) (*ecdsa.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	data := []byte(value)
	if !strings.HasPrefix(value, "-----BEGIN") {
		var err error
		data, err = os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an ECDSA key")
		}
		key = ec
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must use the P-256 curve")
	}
	return key, nil
}

// loadSealKey decodes a base64 32-byte key. An empty value yields a fresh key.
func loadSealKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		key := make([]byte, sealKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MFA_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != sealKeySize {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must decode to %d bytes, got %d", sealKeySize, len(key))
	}
	return key, nil
}
