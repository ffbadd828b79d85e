package demux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmina/mina-network-debugger/internal/model"
)

type recordingHandler struct {
	mu      sync.Mutex
	opened  []string
	handled []string
	closed  []string
	ipc     []model.RawEvent
}

func (h *recordingHandler) Opened(connID string, pid, fd uint32, incoming bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, connID)
}

func (h *recordingHandler) Handle(connID string, ev model.RawEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, connID)
}

func (h *recordingHandler) Closed(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, connID)
}

func (h *recordingHandler) HandleIPC(ev model.RawEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ipc = append(h.ipc, ev)
}

func TestRegistryOpensOneActorPerConnection(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)
	events := make(chan model.RawEvent)

	done := make(chan struct{})
	go func() {
		r.Run(events)
		close(done)
	}()

	events <- model.RawEvent{Kind: model.EventAccept, PID: 1, FD: 5}
	events <- model.RawEvent{Kind: model.EventReadSock, PID: 1, FD: 5, Payload: []byte("x")}
	events <- model.RawEvent{Kind: model.EventClose, PID: 1, FD: 5}
	close(events)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.opened, 1)
	require.Len(t, h.handled, 2) // the read and the close event
	require.Len(t, h.closed, 1)
	require.Equal(t, h.opened[0], h.closed[0])
}

func TestRegistryReusesFDAsNewIncarnation(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)
	events := make(chan model.RawEvent)

	done := make(chan struct{})
	go func() {
		r.Run(events)
		close(done)
	}()

	events <- model.RawEvent{Kind: model.EventAccept, PID: 1, FD: 5}
	events <- model.RawEvent{Kind: model.EventClose, PID: 1, FD: 5}
	events <- model.RawEvent{Kind: model.EventConnect, PID: 1, FD: 5}
	events <- model.RawEvent{Kind: model.EventClose, PID: 1, FD: 5}
	close(events)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.opened, 2)
	require.NotEqual(t, h.opened[0], h.opened[1])
}

func TestRegistryRoutesPipeEventsDirectly(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)
	events := make(chan model.RawEvent)

	done := make(chan struct{})
	go func() {
		r.Run(events)
		close(done)
	}()

	events <- model.RawEvent{Kind: model.EventReadPipe, PID: 9, FD: 0}
	close(events)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.ipc, 1)
	require.Empty(t, h.opened)
}

func TestRegistrySynthesizesConnectionOnDesync(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)
	events := make(chan model.RawEvent)

	done := make(chan struct{})
	go func() {
		r.Run(events)
		close(done)
	}()

	// A read arrives with no prior accept/connect (its event was dropped
	// by a ring overflow); the registry must still produce a connection.
	events <- model.RawEvent{Kind: model.EventReadSock, PID: 2, FD: 3}
	close(events)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.opened, 1)
	require.Len(t, h.handled, 1)
}
