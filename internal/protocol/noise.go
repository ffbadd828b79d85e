package protocol

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/openmina/mina-network-debugger/internal/model"
)

const noiseProtocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

// noiseLenPrefix is the 2-byte big-endian length every Noise handshake
// and transport message carries on the wire, ahead of the mux layer.
const noiseLenPrefix = 2

// ReadNoiseMessage extracts one length-prefixed Noise message from buf.
func ReadNoiseMessage(buf []byte) ([]byte, int, bool) {
	if len(buf) < noiseLenPrefix {
		return nil, 0, false
	}
	length := int(binary.BigEndian.Uint16(buf[:noiseLenPrefix]))
	if len(buf) < noiseLenPrefix+length {
		return nil, 0, false
	}
	return buf[noiseLenPrefix : noiseLenPrefix+length], noiseLenPrefix + length, true
}

// symmetricState implements the mix-hash/mix-key/encrypt-and-hash
// bookkeeping shared by every Noise message, specialized to BLAKE2s as the
// hash/MAC primitive and ChaCha20-Poly1305 as the AEAD.
type symmetricState struct {
	ck    []byte
	h     []byte
	k     [32]byte
	nonce uint64
	hasKey bool
}

func newSymmetricState() *symmetricState {
	h := blake2s.Sum256([]byte(noiseProtocolName))
	return &symmetricState{h: append([]byte(nil), h[:]...), ck: append([]byte(nil), h[:]...)}
}

func (s *symmetricState) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(s.h)
	h.Write(data)
	s.h = h.Sum(nil)
}

func (s *symmetricState) mixKey(ikm []byte) {
	k1, k2 := hkdf2(s.ck, ikm)
	s.ck = k1
	copy(s.k[:], k2)
	s.nonce = 0
	s.hasKey = true
}

func hkdf2(chainKey, ikm []byte) (out1, out2 []byte) {
	tempKey := keyedBlake2s(chainKey, ikm)
	out1 = keyedBlake2s(tempKey, []byte{0x01})
	out2 = keyedBlake2s(tempKey, append(append([]byte{}, out1...), 0x02))
	return out1, out2
}

func keyedBlake2s(key, data []byte) []byte {
	mac, _ := blake2s.New256(key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, s.nonceBytes(), plaintext, s.h)
	s.nonce++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.nonceBytes(), ciphertext, s.h)
	if err != nil {
		return nil, fmt.Errorf("%w: noise decrypt: %v", model.ErrDecrypt, err)
	}
	s.nonce++
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) nonceBytes() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], s.nonce)
	return nonce
}

// split derives the two transport cipher states from the final chaining
// key, one per direction.
func (s *symmetricState) split() (sendKey, recvKey [32]byte) {
	k1, k2 := hkdf2(s.ck, nil)
	copy(sendKey[:], k1)
	copy(recvKey[:], k2)
	return
}

// transportCipher is one direction's post-handshake AEAD, with its own
// monotonically increasing nonce counter (spec's AEAD-counter-monotonicity
// property).
type transportCipher struct {
	aead  cipher.AEAD
	nonce uint64
}

func newTransportCipher(key [32]byte) (*transportCipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &transportCipher{aead: aead}, nil
}

func (c *transportCipher) Open(ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], c.nonce)
	pt, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: transport decrypt: %v", model.ErrDecrypt, err)
	}
	c.nonce++
	return pt, nil
}

// HandshakeState reconstructs one side's view of a Noise XX handshake.
// It requires the local party's ephemeral and static private scalars,
// both recovered from captured getrandom() output (the static key from
// the first sample of at least 32 bytes latched for the pid); the remote
// party's public keys are read directly off the wire, so no remote
// secret material is ever needed.
type HandshakeState struct {
	sym *symmetricState

	initiator bool
	msgIndex  int

	localEphemeralPriv, localEphemeralPub [32]byte
	localStaticPriv, localStaticPub       [32]byte
	remoteEphemeralPub, remoteStaticPub   [32]byte
}

// NewHandshakeXX starts a fresh XX handshake reconstruction for one
// connection. localStaticPriv is the target's long-lived libp2p identity
// key, as resolved by a StaticKeyResolver.
func NewHandshakeXX(initiator bool, localStaticPriv [32]byte) *HandshakeState {
	hs := &HandshakeState{sym: newSymmetricState(), initiator: initiator, localStaticPriv: localStaticPriv}
	curve25519.ScalarBaseMult(&hs.localStaticPub, &localStaticPriv)
	return hs
}

// SetLocalEphemeral installs the private scalar recovered for this
// connection's handshake from the probe's randomness store.
func (hs *HandshakeState) SetLocalEphemeral(priv [32]byte) {
	hs.localEphemeralPriv = priv
	curve25519.ScalarBaseMult(&hs.localEphemeralPub, &priv)
}

func dh(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: x25519: %v", model.ErrDecrypt, err)
	}
	return shared, nil
}

// ConsumeOutbound processes message bytes the local party itself sent.
func (hs *HandshakeState) ConsumeOutbound(msg []byte) error {
	return hs.consume(true, msg)
}

// ConsumeInbound processes message bytes received from the remote peer.
func (hs *HandshakeState) ConsumeInbound(msg []byte) error {
	return hs.consume(false, msg)
}

// consume advances the handshake state machine by one message, fromLocal
// reporting whether the local party authored it.
func (hs *HandshakeState) consume(fromLocal bool, msg []byte) error {
	switch hs.msgIndex {
	case 0: // -> e
		if fromLocal {
			hs.sym.mixHash(hs.localEphemeralPub[:])
		} else {
			copy(hs.remoteEphemeralPub[:], msg[:32])
			hs.sym.mixHash(hs.remoteEphemeralPub[:])
		}
	case 1: // <- e, ee, s, es
		if fromLocal {
			// Local party is the responder sending message 2.
			hs.sym.mixHash(hs.localEphemeralPub[:])
			if shared, err := dh(hs.localEphemeralPriv, hs.remoteEphemeralPub); err == nil {
				hs.sym.mixKey(shared) // ee
			} else {
				return err
			}
			ct, err := hs.sym.encryptAndHash(hs.localStaticPub[:])
			if err != nil {
				return err
			}
			_ = ct
			if shared, err := dh(hs.localStaticPriv, hs.remoteEphemeralPub); err == nil {
				hs.sym.mixKey(shared) // es
			} else {
				return err
			}
		} else {
			// Local party is the initiator receiving message 2.
			copy(hs.remoteEphemeralPub[:], msg[:32])
			hs.sym.mixHash(hs.remoteEphemeralPub[:])
			if shared, err := dh(hs.localEphemeralPriv, hs.remoteEphemeralPub); err == nil {
				hs.sym.mixKey(shared) // ee
			} else {
				return err
			}
			staticCt := msg[32:]
			pt, err := hs.sym.decryptAndHash(staticCt)
			if err != nil {
				return err
			}
			copy(hs.remoteStaticPub[:], pt)
			if shared, err := dh(hs.localEphemeralPriv, hs.remoteStaticPub); err == nil {
				hs.sym.mixKey(shared) // es
			} else {
				return err
			}
		}
	case 2: // -> s, se
		if fromLocal {
			ct, err := hs.sym.encryptAndHash(hs.localStaticPub[:])
			if err != nil {
				return err
			}
			_ = ct
			if shared, err := dh(hs.localStaticPriv, hs.remoteEphemeralPub); err == nil {
				hs.sym.mixKey(shared)
			} else {
				return err
			}
		} else {
			staticCt := msg
			pt, err := hs.sym.decryptAndHash(staticCt)
			if err != nil {
				return err
			}
			copy(hs.remoteStaticPub[:], pt)
			if shared, err := dh(hs.localEphemeralPriv, hs.remoteStaticPub); err == nil {
				hs.sym.mixKey(shared)
			} else {
				return err
			}
		}
		hs.msgIndex++
		return nil
	default:
		return fmt.Errorf("noise: handshake already complete")
	}
	hs.msgIndex++
	return nil
}

// Complete reports whether all three XX messages have been consumed.
func (hs *HandshakeState) Complete() bool { return hs.msgIndex >= 3 }

// Split returns the two post-handshake transport ciphers: the one this
// party uses to decrypt inbound data, and the one used to decrypt what
// the local party itself sent (recovered so its plaintext can be
// persisted too).
func (hs *HandshakeState) Split() (recv, send *transportCipher, err error) {
	k1, k2 := hs.sym.split()
	if hs.initiator {
		send, err = newTransportCipher(k1)
		if err != nil {
			return nil, nil, err
		}
		recv, err = newTransportCipher(k2)
		return recv, send, err
	}
	recv, err = newTransportCipher(k1)
	if err != nil {
		return nil, nil, err
	}
	send, err = newTransportCipher(k2)
	return recv, send, err
}
