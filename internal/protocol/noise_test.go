package protocol

import (
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"github.com/stretchr/testify/require"
)

// simulateWire builds the three real Noise XX wire messages a genuine
// initiator and responder would exchange, using the same primitives as
// HandshakeState but driven independently for each side. This stands in
// for a captured libp2p session: HandshakeState only ever consumes bytes
// that already exist on the wire, so the test needs its own reference
// participants to produce them.
func simulateWire(t *testing.T, staticA, ephA, staticB, ephB [32]byte) (msg1, msg2, msg3 []byte) {
	t.Helper()

	var ephAPub, ephBPub, staticAPub, staticBPub [32]byte
	curve25519.ScalarBaseMult(&ephAPub, &ephA)
	curve25519.ScalarBaseMult(&ephBPub, &ephB)
	curve25519.ScalarBaseMult(&staticAPub, &staticA)
	curve25519.ScalarBaseMult(&staticBPub, &staticB)

	symA := newSymmetricState()
	symB := newSymmetricState()

	// Message 1: A -> B, "e"
	msg1 = append([]byte(nil), ephAPub[:]...)
	symA.mixHash(ephAPub[:])
	symB.mixHash(ephAPub[:])

	// Message 2: B -> A, "e, ee, s, es"
	symB.mixHash(ephBPub[:])
	shared, err := dh(ephB, ephAPub)
	require.NoError(t, err)
	symB.mixKey(shared)
	ctStatic, err := symB.encryptAndHash(staticBPub[:])
	require.NoError(t, err)
	shared, err = dh(staticB, ephAPub)
	require.NoError(t, err)
	symB.mixKey(shared)
	msg2 = append(append([]byte(nil), ephBPub[:]...), ctStatic...)

	symA.mixHash(ephBPub[:])
	shared, err = dh(ephA, ephBPub)
	require.NoError(t, err)
	symA.mixKey(shared)
	pt, err := symA.decryptAndHash(ctStatic)
	require.NoError(t, err)
	require.Equal(t, staticBPub[:], pt)
	shared, err = dh(ephA, staticBPub)
	require.NoError(t, err)
	symA.mixKey(shared)

	// Message 3: A -> B, "s, se"
	ctStatic2, err := symA.encryptAndHash(staticAPub[:])
	require.NoError(t, err)
	shared, err = dh(staticA, ephBPub)
	require.NoError(t, err)
	symA.mixKey(shared)
	msg3 = ctStatic2

	pt2, err := symB.decryptAndHash(ctStatic2)
	require.NoError(t, err)
	require.Equal(t, staticAPub[:], pt2)
	shared, err = dh(ephB, staticAPub)
	require.NoError(t, err)
	symB.mixKey(shared)

	sendA, recvA := symA.split()
	sendB, recvB := symB.split()
	require.Equal(t, sendA, sendB)
	require.Equal(t, recvA, recvB)

	return msg1, msg2, msg3
}

func keyPair(seed byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func TestHandshakeXXReconstructsTransportKeys(t *testing.T) {
	staticA, ephA := keyPair(1), keyPair(11)
	staticB, ephB := keyPair(21), keyPair(31)

	msg1, msg2, msg3 := simulateWire(t, staticA, ephA, staticB, ephB)

	hsA := NewHandshakeXX(true, staticA)
	hsA.SetLocalEphemeral(ephA)
	hsB := NewHandshakeXX(false, staticB)
	hsB.SetLocalEphemeral(ephB)

	require.NoError(t, hsA.ConsumeOutbound(msg1))
	require.NoError(t, hsB.ConsumeInbound(msg1))
	require.False(t, hsA.Complete())

	require.NoError(t, hsB.ConsumeOutbound(msg2))
	require.NoError(t, hsA.ConsumeInbound(msg2))
	require.False(t, hsB.Complete())

	require.NoError(t, hsA.ConsumeOutbound(msg3))
	require.NoError(t, hsB.ConsumeInbound(msg3))

	require.True(t, hsA.Complete())
	require.True(t, hsB.Complete())

	require.Equal(t, hsA.remoteStaticPub, func() [32]byte {
		var p [32]byte
		curve25519.ScalarBaseMult(&p, &staticB)
		return p
	}())

	recvA, sendA, err := hsA.Split()
	require.NoError(t, err)
	recvB, sendB, err := hsB.Split()
	require.NoError(t, err)
	require.NotNil(t, sendA)
	require.NotNil(t, sendB)

	sendKey, _ := hsA.sym.split()
	aead, err := chacha20poly1305.New(sendKey[:])
	require.NoError(t, err)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, []byte("application data from A"), nil)

	pt, err := recvB.Open(ct)
	require.NoError(t, err)
	require.Equal(t, "application data from A", string(pt))
	require.NotNil(t, recvA)
}

func TestNoiseMessageFraming(t *testing.T) {
	body := []byte("handshake payload")
	framed := make([]byte, 2+len(body))
	framed[0] = 0
	framed[1] = byte(len(body))
	copy(framed[2:], body)

	msg, n, ok := ReadNoiseMessage(framed)
	require.True(t, ok)
	require.Equal(t, len(framed), n)
	require.Equal(t, body, msg)

	_, _, ok = ReadNoiseMessage(framed[:3])
	require.False(t, ok)
}
