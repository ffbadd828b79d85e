package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmina/mina-network-debugger/internal/model"
)

func TestRandomnessStoreLookupWithinWindow(t *testing.T) {
	s := NewRandomnessStore(50 * time.Millisecond)
	base := time.Unix(100, 0)

	s.Observe(model.RawEvent{Kind: model.EventRandom, PID: 1, Timestamp: uint64(base.UnixNano()), Payload: []byte("a")})
	s.Observe(model.RawEvent{Kind: model.EventRandom, PID: 1, Timestamp: uint64(base.Add(10 * time.Millisecond).UnixNano()), Payload: []byte("b")})
	s.Observe(model.RawEvent{Kind: model.EventRandom, PID: 1, Timestamp: uint64(base.Add(time.Second).UnixNano()), Payload: []byte("too-late")})

	got := s.Lookup(1, base.Add(10*time.Millisecond))
	require.Len(t, got, 2)
	require.Equal(t, []byte("b"), got[0])
	require.Equal(t, []byte("a"), got[1])
}

func TestRandomnessStoreIgnoresOtherKinds(t *testing.T) {
	s := NewRandomnessStore(time.Second)
	s.Observe(model.RawEvent{Kind: model.EventConnect, PID: 1, Payload: []byte("x")})
	require.Empty(t, s.Lookup(1, time.Now()))
}

func TestRandomnessStoreForget(t *testing.T) {
	s := NewRandomnessStore(time.Second)
	now := time.Now()
	s.Observe(model.RawEvent{Kind: model.EventRandom, PID: 7, Timestamp: uint64(now.UnixNano()), Payload: []byte("x")})
	require.NotEmpty(t, s.Lookup(7, now))
	s.Forget(7)
	require.Empty(t, s.Lookup(7, now))
}

func TestPIDFilterRequiresMap(t *testing.T) {
	// newPIDFilter only wraps whatever map it is given; nil-map behavior
	// is exercised indirectly through Loader in environments with a real
	// kernel probe attached. Here we just confirm construction succeeds.
	f := newPIDFilter(nil)
	require.NotNil(t, f)
}
