package sealer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := NewXChaCha(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	sealed, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	again, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestOpenRejectsTamperingAndForeignKeys(t *testing.T) {
	s, err := NewXChaCha(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	other, err := NewXChaCha(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)

	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open("not base64!")
	assert.Error(t, err)

	_, err = s.Open("AAAA")
	assert.Error(t, err)
}

func TestNewXChaChaRejectsShortKey(t *testing.T) {
	_, err := NewXChaCha([]byte("short"))
	assert.Error(t, err)
}
