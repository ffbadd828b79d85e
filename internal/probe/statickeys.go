package probe

import "sync"

// StaticKeyStore latches the first getrandom() sample observed for a pid
// as that process's libp2p static identity private key. A libp2p node
// generates its long-lived identity keypair once at startup, before any
// connection draws ephemeral Noise key material, so the first random
// sample for a pid is reserved here instead of being handed to
// RandomnessStore for per-handshake ephemeral lookups.
type StaticKeyStore struct {
	mu   sync.Mutex
	keys map[uint32][32]byte
}

// NewStaticKeyStore builds an empty store.
func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[uint32][32]byte)}
}

// Claim latches sample as pid's static key if none is latched yet and
// sample is long enough, reporting whether it claimed the sample. A
// caller that gets false must still feed the sample to RandomnessStore.
func (s *StaticKeyStore) Claim(pid uint32, sample []byte) bool {
	if len(sample) < 32 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[pid]; ok {
		return false
	}
	var key [32]byte
	copy(key[:], sample)
	s.keys[pid] = key
	return true
}

// StaticKey implements protocol.StaticKeyResolver.
func (s *StaticKeyStore) StaticKey(pid uint32) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[pid]
	return key, ok
}

// Forget discards pid's latched static key, called once its exit event
// has been observed.
func (s *StaticKeyStore) Forget(pid uint32) {
	s.mu.Lock()
	delete(s.keys, pid)
	s.mu.Unlock()
}
