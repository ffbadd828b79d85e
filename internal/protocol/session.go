// Package protocol reconstructs the layered wire protocol a libp2p node
// speaks over one captured connection: a pre-shared-key stream cipher
// (pnet), multistream-select protocol negotiation, a Noise XX handshake,
// a stream multiplexer, and finally per-stream application bytes handed
// to the message parser. Each connection is driven by exactly one
// goroutine (see internal/demux), so the state machine below needs no
// locking of its own beyond the registry map shared with Opened/Closed.
package protocol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmina/mina-network-debugger/internal/metrics"
	"github.com/openmina/mina-network-debugger/internal/model"
)

// State is a connection's position in the five-layer automaton.
type State int

const (
	StatePnetNonce State = iota
	StateMultistream
	StateNoiseHandshake
	StateMux
	StateFailed
)

// StaticKeyResolver resolves a pid's libp2p static identity private key.
// The daemon wires in probe.StaticKeyStore, which takes the first
// getrandom() sample of at least 32 bytes observed for the pid.
type StaticKeyResolver interface {
	StaticKey(pid uint32) ([32]byte, bool)
}

// RandomnessResolver resolves the getrandom() output a pid produced
// around a given wall-clock time, used to recover a Noise ephemeral
// private scalar.
type RandomnessResolver interface {
	Lookup(pid uint32, at time.Time) [][]byte
}

// Sink receives everything the engine reconstructs.
type Sink interface {
	ConnectionOpened(conn model.Connection)
	ConnectionClosed(connID string, closedAt time.Time)
	ConnectionFailed(connID string, err error)
	StreamOpened(stream model.Stream)
	StreamClosed(connID string, streamID uint32, state model.StreamState)
	StreamData(connID string, streamID uint32, protocol string, dir model.Direction, data []byte)
}

type streamState struct {
	id          uint32
	negotiation *negotiation
	protocol    string
	state       model.StreamState
}

type connState struct {
	id       string
	pid      uint32
	fd       uint32
	incoming bool
	opened   time.Time

	state State

	nonceBuf                map[model.Direction][]byte
	localNonce, remoteNonce [pnetNonceLen]byte
	pnet                    *pnetFilter

	topNegotiation *negotiation

	hs    *HandshakeState
	hsBuf map[model.Direction][]byte

	transportBuf           map[model.Direction][]byte
	recvCipher, sendCipher *transportCipher
	muxIn, muxOut          muxDemux

	streams map[uint32]*streamState

	bytesIn, bytesOut, decIn, decOut uint64

	desynced map[model.Direction]bool
}

// Engine runs the five-layer automaton for every live connection it is
// told about by internal/demux.
type Engine struct {
	mu      sync.Mutex
	psk     [32]byte
	statics StaticKeyResolver
	randoms RandomnessResolver
	sink    Sink
	conns   map[string]*connState
}

func NewEngine(psk [32]byte, statics StaticKeyResolver, randoms RandomnessResolver, sink Sink) *Engine {
	return &Engine{
		psk:     psk,
		statics: statics,
		randoms: randoms,
		sink:    sink,
		conns:   make(map[string]*connState),
	}
}

// Opened implements demux.Handler.
func (e *Engine) Opened(connID string, pid, fd uint32, incoming bool) {
	cs := &connState{
		id:             connID,
		pid:            pid,
		fd:             fd,
		incoming:       incoming,
		opened:         time.Now(),
		state:          StatePnetNonce,
		nonceBuf:       make(map[model.Direction][]byte),
		topNegotiation: newNegotiation(),
		hsBuf:          make(map[model.Direction][]byte),
		transportBuf:   make(map[model.Direction][]byte),
		streams:        make(map[uint32]*streamState),
		desynced:       make(map[model.Direction]bool),
	}

	e.mu.Lock()
	e.conns[connID] = cs
	e.mu.Unlock()

	metrics.ConnectionsOpened.Inc()

	e.sink.ConnectionOpened(model.Connection{
		ID:       connID,
		PID:      pid,
		FD:       fd,
		Incoming: incoming,
		OpenedAt: cs.opened,
		State:    model.ConnOpen,
	})
}

// Closed implements demux.Handler.
func (e *Engine) Closed(connID string) {
	e.mu.Lock()
	_, ok := e.conns[connID]
	delete(e.conns, connID)
	e.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConnectionsClosed.Inc()
	e.sink.ConnectionClosed(connID, time.Now())
}

// Handle implements demux.Handler.
func (e *Engine) Handle(connID string, ev model.RawEvent) {
	e.mu.Lock()
	cs := e.conns[connID]
	e.mu.Unlock()
	if cs == nil {
		return
	}

	if ev.Kind == model.EventOverflow {
		e.desync(cs, ev.Payload)
		return
	}

	var dir model.Direction
	switch ev.Kind {
	case model.EventReadSock:
		dir = model.DirIn
		cs.bytesIn += uint64(len(ev.Payload))
	case model.EventWriteSock:
		dir = model.DirOut
		cs.bytesOut += uint64(len(ev.Payload))
	default:
		return
	}

	e.process(cs, dir, ev.Payload, ev.Timestamp)
}

// desync marks one or both directions of cs as desynced after a ring
// overflow (spec.md §4.4 "Gap handling"): a payload of one byte names the
// affected direction precisely (a specific read/write event was dropped
// locally for lack of backlog room); an empty payload means the kernel
// itself reported an overflow with no direction of its own, so both sides
// must be treated as desynced. Once a direction is desynced, process no
// longer consumes bytes for it, while the other direction is unaffected.
func (e *Engine) desync(cs *connState, payload []byte) {
	dirs := []model.Direction{model.DirIn, model.DirOut}
	if len(payload) == 1 {
		dirs = []model.Direction{model.Direction(payload[0])}
	}
	for _, dir := range dirs {
		if cs.desynced[dir] {
			continue
		}
		cs.desynced[dir] = true
		slog.Warn("protocol: direction desynced after ring overflow", "connection_id", cs.id, "direction", dir)
	}
}

func (e *Engine) process(cs *connState, dir model.Direction, payload []byte, ts uint64) {
	if cs.desynced[dir] {
		return
	}

	switch cs.state {
	case StatePnetNonce:
		e.consumeNonce(cs, dir, payload)
	case StateMultistream:
		e.consumeMultistream(cs, dir, payload)
	case StateNoiseHandshake:
		e.consumeHandshake(cs, dir, payload, ts)
	case StateMux:
		e.consumeMux(cs, dir, payload)
	case StateFailed:
		// Connection could not be reconstructed; byte counters already
		// accumulated in Handle are all we track from here on.
	}
}

func (e *Engine) consumeNonce(cs *connState, dir model.Direction, payload []byte) {
	cs.nonceBuf[dir] = append(cs.nonceBuf[dir], payload...)
	if len(cs.nonceBuf[model.DirOut]) < pnetNonceLen || len(cs.nonceBuf[model.DirIn]) < pnetNonceLen {
		return
	}

	copy(cs.localNonce[:], cs.nonceBuf[model.DirOut][:pnetNonceLen])
	copy(cs.remoteNonce[:], cs.nonceBuf[model.DirIn][:pnetNonceLen])
	cs.pnet = newPnetFilter(e.psk, cs.localNonce, cs.remoteNonce)
	cs.state = StateMultistream

	leftoverOut := cs.nonceBuf[model.DirOut][pnetNonceLen:]
	leftoverIn := cs.nonceBuf[model.DirIn][pnetNonceLen:]
	cs.nonceBuf = nil

	if len(leftoverOut) > 0 {
		e.process(cs, model.DirOut, leftoverOut, 0)
	}
	if len(leftoverIn) > 0 {
		e.process(cs, model.DirIn, leftoverIn, 0)
	}
}

func (e *Engine) consumeMultistream(cs *connState, dir model.Direction, payload []byte) {
	plain := make([]byte, len(payload))
	if dir == model.DirOut {
		cs.pnet.DecryptOut(plain, payload)
		cs.decOut += uint64(len(plain))
		cs.topNegotiation.FeedOut(plain)
	} else {
		cs.pnet.DecryptIn(plain, payload)
		cs.decIn += uint64(len(plain))
		cs.topNegotiation.FeedIn(plain)
	}

	if cs.topNegotiation.Done {
		if cs.topNegotiation.Agreed != "/noise" {
			slog.Warn("protocol: unexpected top-level negotiation", "connection_id", cs.id, "agreed", cs.topNegotiation.Agreed)
		}
		cs.state = StateNoiseHandshake
	}
}

func (e *Engine) consumeHandshake(cs *connState, dir model.Direction, payload []byte, ts uint64) {
	plain := make([]byte, len(payload))
	if dir == model.DirOut {
		cs.pnet.DecryptOut(plain, payload)
		cs.decOut += uint64(len(plain))
	} else {
		cs.pnet.DecryptIn(plain, payload)
		cs.decIn += uint64(len(plain))
	}
	cs.hsBuf[dir] = append(cs.hsBuf[dir], plain...)

	if cs.hs == nil && !e.initHandshake(cs, ts) {
		return
	}

	for {
		buf := cs.hsBuf[dir]
		msg, n, ok := ReadNoiseMessage(buf)
		if !ok {
			return
		}
		cs.hsBuf[dir] = buf[n:]

		var err error
		if dir == model.DirOut {
			err = cs.hs.ConsumeOutbound(msg)
		} else {
			err = cs.hs.ConsumeInbound(msg)
		}
		if err != nil {
			e.fail(cs, err)
			return
		}

		if cs.hs.Complete() {
			recv, send, splitErr := cs.hs.Split()
			if splitErr != nil {
				e.fail(cs, splitErr)
				return
			}
			cs.recvCipher = recv
			cs.sendCipher = send
			cs.state = StateMux
			return
		}
	}
}

// initHandshake builds the connection's HandshakeState once the static
// and ephemeral key material it needs is available. Returns false (and
// fails the connection) if either cannot be resolved.
func (e *Engine) initHandshake(cs *connState, ts uint64) bool {
	staticPriv, ok := e.statics.StaticKey(cs.pid)
	if !ok {
		e.fail(cs, fmt.Errorf("%w: no static key observed for pid %d", model.ErrHandshakeMissingRandomness, cs.pid))
		return false
	}

	at := time.Unix(0, int64(ts))
	candidates := e.randoms.Lookup(cs.pid, at)
	if len(candidates) == 0 {
		e.fail(cs, model.ErrHandshakeMissingRandomness)
		return false
	}

	var ephemeral [32]byte
	copy(ephemeral[:], candidates[0])

	cs.hs = NewHandshakeXX(!cs.incoming, staticPriv)
	cs.hs.SetLocalEphemeral(ephemeral)
	return true
}

func (e *Engine) consumeMux(cs *connState, dir model.Direction, payload []byte) {
	plain := make([]byte, len(payload))
	if dir == model.DirOut {
		cs.pnet.DecryptOut(plain, payload)
	} else {
		cs.pnet.DecryptIn(plain, payload)
	}
	cs.transportBuf[dir] = append(cs.transportBuf[dir], plain...)

	txCipher := cs.recvCipher
	demux := &cs.muxIn
	if dir == model.DirOut {
		txCipher = cs.sendCipher
		demux = &cs.muxOut
	}

	for {
		buf := cs.transportBuf[dir]
		ct, n, ok := ReadNoiseMessage(buf)
		if !ok {
			return
		}
		cs.transportBuf[dir] = buf[n:]

		pt, err := txCipher.Open(ct)
		if err != nil {
			e.fail(cs, err)
			return
		}
		if dir == model.DirOut {
			cs.decOut += uint64(len(pt))
		} else {
			cs.decIn += uint64(len(pt))
		}

		for _, f := range demux.Feed(pt) {
			e.handleMuxFrame(cs, dir, f)
		}
	}
}

func (e *Engine) handleMuxFrame(cs *connState, dir model.Direction, f muxFrame) {
	if f.Type != muxData {
		return // window update / ping / go away carry no application bytes
	}

	s, ok := cs.streams[f.StreamID]
	if !ok {
		s = &streamState{id: f.StreamID, negotiation: newNegotiation(), state: model.StreamOpen}
		cs.streams[f.StreamID] = s
		e.sink.StreamOpened(model.Stream{
			ConnectionID: cs.id,
			StreamID:     f.StreamID,
			Direction:    streamOwner(dir, f.Flags),
			State:        model.StreamOpen,
			OpenedAt:     time.Now(),
		})
	}

	if f.Flags&flagRST != 0 {
		s.state = model.StreamReset
		e.sink.StreamClosed(cs.id, f.StreamID, model.StreamReset)
		delete(cs.streams, f.StreamID)
		return
	}

	if s.protocol == "" {
		if dir == model.DirOut {
			s.negotiation.FeedOut(f.Body)
		} else {
			s.negotiation.FeedIn(f.Body)
		}
		if s.negotiation.Done {
			s.protocol = s.negotiation.Agreed
		} else if cs.desynced[model.DirIn] || cs.desynced[model.DirOut] {
			// dir itself is never desynced here, so the peer's side of this
			// negotiation can no longer be observed: this side's latest
			// proposal is taken as the stream's protocol.
			for rest := f.Body; ; {
				line, n, ok := ReadMultistreamMessage(rest)
				if !ok {
					break
				}
				rest = rest[n:]
				if line != MultistreamHeader && line != "na" && line != "ls" {
					s.protocol = line
				}
			}
		}
	} else if len(f.Body) > 0 {
		e.sink.StreamData(cs.id, f.StreamID, s.protocol, dir, f.Body)
	}

	if f.Flags&flagFIN != 0 {
		s.state = model.StreamClosed
		e.sink.StreamClosed(cs.id, f.StreamID, model.StreamClosed)
		delete(cs.streams, f.StreamID)
	}
}

// streamOwner reports which side opened a stream: the side whose first
// frame on it carries SYN.
func streamOwner(dir model.Direction, flags muxFlag) model.Direction {
	if flags&flagSYN != 0 {
		return dir
	}
	if dir == model.DirOut {
		return model.DirIn
	}
	return model.DirOut
}

// Snapshot returns the current byte counters for every connection the
// engine still has open, keyed by connection id. Called periodically by
// the root coordinator to flush counters into the store (spec §3, §5):
// the engine itself never talks to the store directly.
func (e *Engine) Snapshot() map[string]model.ConnCounters {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]model.ConnCounters, len(e.conns))
	for id, cs := range e.conns {
		out[id] = model.ConnCounters{
			BytesIn:      cs.bytesIn,
			BytesOut:     cs.bytesOut,
			DecryptedIn:  cs.decIn,
			DecryptedOut: cs.decOut,
		}
	}
	return out
}

func (e *Engine) fail(cs *connState, err error) {
	if cs.state == StateNoiseHandshake {
		metrics.HandshakeFailures.Inc()
	}
	cs.state = StateFailed
	metrics.ConnectionsFailed.Inc()
	slog.Warn("protocol: connection reconstruction failed", "connection_id", cs.id, "error", err)
	e.sink.ConnectionFailed(cs.id, err)
}
