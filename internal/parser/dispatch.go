// Package parser turns decrypted per-stream application bytes, already
// tagged with a negotiated protocol name, into typed model.Message records.
// Dispatch is by substring match on the protocol name — the protocol name itself was
// already established by multistream-select, so unlike a sniffing parser
// there is no ambiguity about which decoder applies; only whether that
// decoder can make sense of the bytes it is handed.
package parser

import (
	"time"

	"github.com/openmina/mina-network-debugger/internal/model"
	"github.com/openmina/mina-network-debugger/internal/protocol"
)

// Sink receives everything the parser produces. It is typically backed by
// the store, which is why PutMessage returns the assigned message id: the
// store's atomic counter is the single source of truth for message
// ordering, and the parser needs that id back to link a new-state gossip
// message to its block observation.
type Sink interface {
	ConnectionOpened(conn model.Connection)
	ConnectionClosed(connID string, closedAt time.Time)
	ConnectionFailed(connID string, err error)
	StreamOpened(stream model.Stream)
	StreamClosed(connID string, streamID uint32, state model.StreamState)
	PutMessage(msg model.Message) uint64
	ObserveBlock(height uint64, hash, producer string, obs model.BlockObservation)
}

// decoder turns one stream's application bytes into a typed message body.
// frame is only ever a single already-delimited application message; the
// stream multiplexer (internal/protocol) hands the parser whole frames, not
// a raw byte stream, so decoders never need to buffer across calls.
type decoder func(dir model.Direction, frame []byte) (model.MessageKind, parsedBlock, error)

type parsedBlock struct {
	isBlock  bool
	height   uint64
	hash     string
	producer string
}

// Dispatcher implements protocol.Sink, decoding StreamData calls according
// to each stream's negotiated protocol name and forwarding everything else
// unchanged to the underlying Sink.
type Dispatcher struct {
	sink Sink
}

var _ protocol.Sink = (*Dispatcher)(nil)

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink}
}

func (d *Dispatcher) ConnectionOpened(conn model.Connection) { d.sink.ConnectionOpened(conn) }
func (d *Dispatcher) ConnectionClosed(connID string, at time.Time) {
	d.sink.ConnectionClosed(connID, at)
}
func (d *Dispatcher) ConnectionFailed(connID string, err error) { d.sink.ConnectionFailed(connID, err) }
func (d *Dispatcher) StreamOpened(stream model.Stream)          { d.sink.StreamOpened(stream) }
func (d *Dispatcher) StreamClosed(connID string, streamID uint32, state model.StreamState) {
	d.sink.StreamClosed(connID, streamID, state)
}

// StreamData implements protocol.Sink. It decodes one application frame
// according to the stream's negotiated protocol and persists the result,
// falling back to an opaque record (bytes retained, parse_error set) for
// any protocol this parser doesn't know or any frame it can't decode.
func (d *Dispatcher) StreamData(connID string, streamID uint32, protoName string, dir model.Direction, data []byte) {
	dec, ok := decoderFor(protoName)
	if !ok {
		d.emitOpaque(connID, streamID, protoName, dir, data, "unrecognized protocol: "+protoName)
		return
	}

	kind, blk, err := dec(dir, data)
	if err != nil {
		d.emitOpaque(connID, streamID, protoName, dir, data, err.Error())
		return
	}

	msg := model.Message{
		ConnectionID: connID,
		StreamID:     streamID,
		StreamKind:   protoName,
		Direction:    dir,
		Kind:         kind,
		Size:         len(data),
		Timestamp:    time.Now(),
		Body:         data,
	}
	id := d.sink.PutMessage(msg)

	if blk.isBlock {
		d.sink.ObserveBlock(blk.height, blk.hash, blk.producer, model.BlockObservation{
			ConnectionID: connID,
			MessageID:    id,
			Direction:    dir,
			Timestamp:    msg.Timestamp,
		})
	}
}

func (d *Dispatcher) emitOpaque(connID string, streamID uint32, protoName string, dir model.Direction, data []byte, reason string) {
	d.sink.PutMessage(model.Message{
		ConnectionID: connID,
		StreamID:     streamID,
		StreamKind:   protoName,
		Direction:    dir,
		Kind:         model.KindOpaque,
		Size:         len(data),
		Timestamp:    time.Now(),
		ParseError:   reason,
		Body:         data,
	})
}
