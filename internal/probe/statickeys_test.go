package probe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticKeyStoreClaimsFirstSampleOnly(t *testing.T) {
	s := NewStaticKeyStore()

	first := bytes.Repeat([]byte{1}, 32)
	second := bytes.Repeat([]byte{2}, 32)

	require.True(t, s.Claim(9, first))
	require.False(t, s.Claim(9, second))

	key, ok := s.StaticKey(9)
	require.True(t, ok)
	require.Equal(t, first, key[:])
}

func TestStaticKeyStoreRejectsShortSamples(t *testing.T) {
	s := NewStaticKeyStore()
	require.False(t, s.Claim(1, []byte("short")))
	_, ok := s.StaticKey(1)
	require.False(t, ok)
}

func TestStaticKeyStoreForget(t *testing.T) {
	s := NewStaticKeyStore()
	sample := bytes.Repeat([]byte{7}, 32)
	require.True(t, s.Claim(3, sample))
	s.Forget(3)
	_, ok := s.StaticKey(3)
	require.False(t, ok)
	require.True(t, s.Claim(3, sample))
}
