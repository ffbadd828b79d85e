package demux

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// DecodeIPC parses one length-prefixed stdio IPC record captured from the
// helper's pipes: a uvarint kind tag, a uvarint body length, then the body
// itself. This is a private framing distinct from the wire protocol: the
// helper's stdio carries its own control-plane messages, not libp2p
// traffic, so it never enters the C4 state machine.
func DecodeIPC(seq uint64, ev model.RawEvent) (model.IPCEvent, bool) {
	tag, n := protowire.ConsumeVarint(ev.Payload)
	if n <= 0 {
		return model.IPCEvent{}, false
	}
	rest := ev.Payload[n:]

	length, n2 := protowire.ConsumeVarint(rest)
	if n2 <= 0 {
		return model.IPCEvent{}, false
	}
	rest = rest[n2:]
	if uint64(len(rest)) < length {
		return model.IPCEvent{}, false
	}
	body := append([]byte(nil), rest[:length]...)

	return model.IPCEvent{
		Seq:       seq,
		PID:       ev.PID,
		Kind:      ipcKindName(tag),
		Height:    heightFromBody(tag, body),
		Timestamp: time.Unix(0, int64(ev.Timestamp)),
		Body:      body,
	}, true
}

func ipcKindName(tag uint64) model.IPCEventKind {
	switch tag {
	case 0:
		return model.IPCEventKind("command")
	case 1:
		return model.IPCEventKind("event")
	case 2:
		return model.IPCEventKind("new_state")
	default:
		return model.IPCEventKind("unknown")
	}
}

// heightFromBody extracts a block height carried as the first varint
// field of a new_state IPC payload. Any other kind carries no height.
func heightFromBody(tag uint64, body []byte) uint64 {
	if tag != 2 {
		return 0
	}
	height, n := protowire.ConsumeVarint(body)
	if n <= 0 {
		return 0
	}
	return height
}
