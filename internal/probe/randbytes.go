package probe

import (
	"sync"
	"time"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// randomSample is one observed getrandom() return value for a pid.
type randomSample struct {
	at    time.Time
	bytes []byte
}

// RandomnessStore buffers getrandom() output observed per pid so the
// protocol layer can resolve the random bytes a Noise XX initiator or
// responder drew for its ephemeral keypair. The kernel never exposes
// which getrandom() call fed which handshake; candidates are narrowed to
// a configurable window on either side of the handshake message's own
// timestamp. The protocol engine takes the most recent candidate; samples
// are not marked as consumed, so one sample can be returned again for a
// later handshake.
type RandomnessStore struct {
	mu      sync.Mutex
	window  time.Duration
	samples map[uint32][]randomSample
}

// NewRandomnessStore builds a store that considers samples within window
// of a lookup timestamp a candidate match.
func NewRandomnessStore(window time.Duration) *RandomnessStore {
	return &RandomnessStore{window: window, samples: make(map[uint32][]randomSample)}
}

// Observe records a getrandom() event decoded off the ring. Events of any
// other kind are ignored.
func (s *RandomnessStore) Observe(ev model.RawEvent) {
	if ev.Kind != model.EventRandom {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[ev.PID] = append(s.samples[ev.PID], randomSample{
		at:    time.Unix(0, int64(ev.Timestamp)),
		bytes: ev.Payload,
	})
}

// Lookup returns every sample observed for pid within the randomness
// window of at, most recent first. An empty result means no candidate
// exists; the caller should surface model.ErrHandshakeMissingRandomness.
func (s *RandomnessStore) Lookup(pid uint32, at time.Time) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	kept := s.samples[pid][:0]
	for _, sample := range s.samples[pid] {
		delta := at.Sub(sample.at)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.window {
			out = append(out, sample.bytes)
			kept = append(kept, sample)
		}
	}
	s.samples[pid] = kept

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Forget discards all samples for pid, called once its exit event has
// been observed.
func (s *RandomnessStore) Forget(pid uint32) {
	s.mu.Lock()
	delete(s.samples, pid)
	s.mu.Unlock()
}
