package protocol

import (
	"golang.org/x/crypto/salsa20/salsa"
)

// pnetNonceLen is the length of the per-direction nonce exchanged in the
// clear as the very first bytes of a connection, before anything else —
// including multistream-select — is negotiated.
const pnetNonceLen = 24

// pnetStream is a one-directional XSalsa20 keystream derived from the
// pre-shared network key and a nonce, block-aligned so Apply can be
// called with arbitrarily sized chunks spread across many reads or
// writes on the same connection.
type pnetStream struct {
	subKey  [32]byte
	counter [16]byte
	pad     [64]byte
	padLen  int
}

// newPnetStream derives a stream cipher the way XSalsa20 does: an
// HSalsa20 subkey from the pre-shared key and the first 16 nonce bytes,
// then a Salsa20 stream keyed by that subkey with the remaining 8 nonce
// bytes as its nonce and a block counter starting at zero.
func newPnetStream(psk [32]byte, nonce [pnetNonceLen]byte) *pnetStream {
	s := &pnetStream{}
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	salsa.HSalsa20(&s.subKey, &hNonce, &psk, &salsa.Sigma)
	copy(s.counter[:8], nonce[16:24])
	return s
}

// Apply XORs src into dst with the next len(dst) keystream bytes. dst and
// src may alias.
func (s *pnetStream) Apply(dst, src []byte) {
	for len(src) > 0 {
		if s.padLen == 0 {
			var zero [64]byte
			salsa.XORKeyStream(s.pad[:], zero[:], &s.counter, &s.subKey)
			incrementCounter(&s.counter)
			s.padLen = 64
		}
		n := min(len(src), s.padLen)
		off := 64 - s.padLen
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ s.pad[off+i]
		}
		s.padLen -= n
		dst = dst[n:]
		src = src[n:]
	}
}

// incrementCounter bumps the little-endian 64-bit block counter held in
// bytes 8..15 of a 16-byte Salsa20 nonce/counter block; bytes 0..7 hold
// the nonce.
func incrementCounter(counter *[16]byte) {
	for i := 8; i < 16; i++ {
		counter[i]++
		if counter[i] != 0 {
			return
		}
	}
}

// pnetFilter wraps one connection's two independent directions of XSalsa20
// keystream, keyed by the network's pre-shared key.
type pnetFilter struct {
	recv *pnetStream
	send *pnetStream
}

// newPnetFilter builds a filter once both nonces have been observed: the
// local nonce (generated by the target and seen being written) and the
// remote nonce (seen being read).
func newPnetFilter(psk [32]byte, localNonce, remoteNonce [pnetNonceLen]byte) *pnetFilter {
	return &pnetFilter{
		send: newPnetStream(psk, localNonce),
		recv: newPnetStream(psk, remoteNonce),
	}
}

// DecryptIn removes the pnet layer from bytes read from the remote peer.
func (f *pnetFilter) DecryptIn(dst, src []byte) { f.recv.Apply(dst, src) }

// DecryptOut removes the pnet layer from bytes the target wrote, so the
// debugger can reconstruct the plaintext the target itself sent.
func (f *pnetFilter) DecryptOut(dst, src []byte) { f.send.Apply(dst, src) }
