// Package demux routes the single ordered stream of captured syscall
// events into one serial per-connection actor, so each connection's
// layered protocol state machine only ever observes its own events, in
// arrival order, from a single goroutine (spec C3/C4). Pipe events never
// reach a connection actor: the helper's stdio IPC channel is decoded
// directly on the dispatch goroutine, bypassing the wire-protocol stack.
package demux

import (
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// Handler receives demultiplexed events. Handle is only ever called from
// one goroutine per connID at a time; HandleIPC runs on the dispatch
// goroutine and must not block.
type Handler interface {
	Opened(connID string, pid, fd uint32, incoming bool)
	Handle(connID string, ev model.RawEvent)
	Closed(connID string)
	HandleIPC(ev model.RawEvent)
}

// connKey identifies one (pid, fd) pair. Fds are reused by the kernel
// after close, so a key alone does not identify a connection's full
// lifetime — see incarnations.
type connKey struct {
	pid uint32
	fd  uint32
}

const actorInboxSize = 256

type actor struct {
	id    string
	inbox chan model.RawEvent
	done  chan struct{}
}

// Registry demultiplexes events by (pid, fd, incarnation) into serial
// connection actors.
type Registry struct {
	mu           sync.Mutex
	incarnations map[connKey]uint32
	actors       map[connKey]*actor
	handler      Handler
}

func NewRegistry(handler Handler) *Registry {
	return &Registry{
		incarnations: make(map[connKey]uint32),
		actors:       make(map[connKey]*actor),
		handler:      handler,
	}
}

// Run consumes events until the channel closes, then drains and closes
// every remaining actor.
func (r *Registry) Run(events <-chan model.RawEvent) {
	for ev := range events {
		r.route(ev)
	}
	r.closeAll()
}

func (r *Registry) route(ev model.RawEvent) {
	if ev.Kind == model.EventReadPipe || ev.Kind == model.EventWritePipe {
		r.handler.HandleIPC(ev)
		return
	}

	key := connKey{pid: ev.PID, fd: ev.FD}

	if ev.Kind == model.EventConnect || ev.Kind == model.EventAccept {
		r.open(key, ev.Kind == model.EventAccept)
		return
	}

	r.mu.Lock()
	a, ok := r.actors[key]
	if !ok {
		a = r.openLocked(key, false)
	}
	r.mu.Unlock()

	if !a.submit(ev) {
		slog.Warn("demux: actor inbox full, dropping event", "pid", ev.PID, "fd", ev.FD, "kind", ev.Kind)
	}

	if ev.Kind == model.EventClose {
		r.close(key)
	}
}

func (r *Registry) open(key connKey, incoming bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openLocked(key, incoming)
}

// openLocked must be called with r.mu held. A key already open (e.g. a
// read arrived before its connect/accept event because of reordering at
// the ring) returns the existing actor rather than starting a second one.
func (r *Registry) openLocked(key connKey, incoming bool) *actor {
	if existing, ok := r.actors[key]; ok {
		return existing
	}

	r.incarnations[key]++
	connID := connIDFor(key, r.incarnations[key])

	a := &actor{id: connID, inbox: make(chan model.RawEvent, actorInboxSize), done: make(chan struct{})}
	r.actors[key] = a
	r.handler.Opened(connID, key.pid, key.fd, incoming)
	go a.run(r.handler)
	return a
}

func (r *Registry) close(key connKey) {
	r.mu.Lock()
	a, ok := r.actors[key]
	if ok {
		delete(r.actors, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	close(a.inbox)
	<-a.done
	r.handler.Closed(a.id)
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	actors := make([]*actor, 0, len(r.actors))
	for k, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, k)
	}
	r.mu.Unlock()

	for _, a := range actors {
		close(a.inbox)
		<-a.done
		r.handler.Closed(a.id)
	}
}

func (a *actor) run(h Handler) {
	defer close(a.done)
	for ev := range a.inbox {
		h.Handle(a.id, ev)
	}
}

func (a *actor) submit(ev model.RawEvent) bool {
	select {
	case a.inbox <- ev:
		return true
	default:
		return false
	}
}

// connIDFor derives a stable connection id from (pid, fd, incarnation).
// Using a name-based uuid rather than a random one keeps connection ids
// reproducible across test runs and avoids needing a randomness source
// on the hot dispatch path.
func connIDFor(key connKey, incarnation uint32) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(keyString(key, incarnation))).String()
}

func keyString(key connKey, incarnation uint32) string {
	buf := make([]byte, 0, 12)
	buf = appendUint32(buf, key.pid)
	buf = appendUint32(buf, key.fd)
	buf = appendUint32(buf, incarnation)
	return hex.EncodeToString(buf)
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
