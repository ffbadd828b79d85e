package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPnetStreamRoundTripAcrossChunks(t *testing.T) {
	var psk [32]byte
	for i := range psk {
		psk[i] = byte(i)
	}
	var nonce [pnetNonceLen]byte
	for i := range nonce {
		nonce[i] = byte(i * 7)
	}

	plain := bytes.Repeat([]byte("mina network debugger passive capture"), 10)

	enc := newPnetStream(psk, nonce)
	var ciphertext []byte
	for _, chunk := range splitChunks(plain, 17) {
		dst := make([]byte, len(chunk))
		enc.Apply(dst, chunk)
		ciphertext = append(ciphertext, dst...)
	}

	dec := newPnetStream(psk, nonce)
	var recovered []byte
	for _, chunk := range splitChunks(ciphertext, 31) {
		dst := make([]byte, len(chunk))
		dec.Apply(dst, chunk)
		recovered = append(recovered, dst...)
	}

	require.Equal(t, plain, recovered)
}

func TestPnetFilterUsesIndependentDirections(t *testing.T) {
	var psk [32]byte
	var localNonce, remoteNonce [pnetNonceLen]byte
	remoteNonce[0] = 1

	f := newPnetFilter(psk, localNonce, remoteNonce)

	out := []byte("hello from target")
	ct := make([]byte, len(out))
	f.DecryptOut(ct, out)
	require.NotEqual(t, out, ct)

	back := make([]byte, len(ct))
	newPnetFilter(psk, localNonce, remoteNonce).DecryptOut(back, ct)
	require.Equal(t, out, back)

	in := make([]byte, len(out))
	newPnetFilter(psk, localNonce, remoteNonce).DecryptIn(in, out)
	require.NotEqual(t, ct, in)
}

func splitChunks(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
