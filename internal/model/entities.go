package model

import "time"

// RawEventKind is the closed set of captured syscall effects (spec §3, §6).
type RawEventKind uint16

const (
	EventExec       RawEventKind = 0
	EventConnect    RawEventKind = 1
	EventAccept     RawEventKind = 2
	EventClose      RawEventKind = 3
	EventReadSock   RawEventKind = 4
	EventWriteSock  RawEventKind = 5
	EventReadPipe   RawEventKind = 6
	EventWritePipe  RawEventKind = 7
	EventRandom     RawEventKind = 8
	EventOverflow   RawEventKind = 9
)

func (k RawEventKind) String() string {
	switch k {
	case EventExec:
		return "exec"
	case EventConnect:
		return "connect"
	case EventAccept:
		return "accept"
	case EventClose:
		return "close"
	case EventReadSock:
		return "read_sock"
	case EventWriteSock:
		return "write_sock"
	case EventReadPipe:
		return "read_pipe"
	case EventWritePipe:
		return "write_pipe"
	case EventRandom:
		return "random"
	case EventOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// RawEvent is one captured syscall effect, as decoded off the ring (§3, §6).
type RawEvent struct {
	Kind      RawEventKind
	Timestamp uint64 // monotonic nanoseconds
	PID       uint32
	FD        uint32
	Seq       uint32
	Payload   []byte
}

// Direction of a byte range relative to the target helper.
type Direction uint8

const (
	DirIn  Direction = iota // read from the remote peer
	DirOut                  // written to the remote peer
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// Target is a monitored process identified by pid and its BPF_ALIAS label.
type Target struct {
	PID       uint32
	Label     string // chain-ip label parsed from BPF_ALIAS
	StartedAt time.Time
	ExitedAt  time.Time
}

// ConnectionState is the outward-visible lifecycle state of a connection,
// distinct from the internal protocol automaton state (see protocol.State).
type ConnectionState string

const (
	ConnOpen         ConnectionState = "open"
	ConnClosed       ConnectionState = "closed"
	ConnFailedDecrypt ConnectionState = "failed_decrypt"
	ConnUnterminated ConnectionState = "unterminated" // process exited without a close event
)

// Connection identifies a full-duplex byte channel by (pid, fd, incarnation)
// (spec §3). Fds are reused after close; Incarnation disambiguates reuse.
type Connection struct {
	ID            string // uuid, stable external identifier
	PID           uint32
	FD            uint32
	Incarnation   uint32
	RemoteAddr    string
	Incoming      bool
	OpenedAt      time.Time
	ClosedAt      time.Time
	State         ConnectionState

	BytesIn       uint64
	BytesOut      uint64
	DecryptedIn   uint64
	DecryptedOut  uint64
}

// StreamState is the lifecycle of a multiplexed logical channel.
type StreamState string

const (
	StreamOpen  StreamState = "open"
	StreamClosed StreamState = "closed"
	StreamReset StreamState = "reset"
)

// Stream is a logical channel multiplexed inside a Connection (spec §3).
type Stream struct {
	ConnectionID string
	StreamID     uint32
	Direction    Direction
	Protocol     string // negotiated multistream protocol name
	State        StreamState
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// MessageKind is the closed enumeration of parsed application message kinds
// (spec §4.5). Unknown/malformed frames use KindOpaque.
type MessageKind string

const (
	KindNewState        MessageKind = "new_state"
	KindSnarkPoolDiff    MessageKind = "snark_pool_diff"
	KindTransactionPoolDiff MessageKind = "transaction_pool_diff"
	KindKademlia        MessageKind = "kademlia"
	KindIdentify         MessageKind = "identify"
	KindRPCRequest       MessageKind = "rpc_request"
	KindRPCResponse      MessageKind = "rpc_response"
	KindOpaque           MessageKind = "opaque"
)

// Message is a persisted, parsed application-level frame (spec §3, §4.5).
type Message struct {
	ID           uint64
	ConnectionID string
	StreamID     uint32
	StreamKind   string // negotiated protocol name, used as a secondary index
	Direction    Direction
	Kind         MessageKind
	Size         int
	Timestamp    time.Time
	ParseError   string // non-empty only when Kind == KindOpaque due to a parse failure
	Body         []byte // inline body, or empty when stored as a blob
	BlobRef      *BlobRef
}

// BlobRef points at a message body stored in a sidecar blob segment.
type BlobRef struct {
	Segment uint32
	Offset  uint64
	Length  uint32
}

// BlockObservation is one (connection, direction, timestamp) sighting of a
// block hash, appended to a BlockRecord's observation list (spec §3, inv. 5).
type BlockObservation struct {
	ConnectionID string
	MessageID    uint64
	Direction    Direction
	Timestamp    time.Time
}

// BlockRecord is a derived entity extracted from new-state gossip messages
// (spec §3, §4.5).
type BlockRecord struct {
	Height       uint64
	Hash         string
	Producer     string
	FirstSeen    time.Time
	Observations []BlockObservation
}

// IPCEventKind enumerates the kinds of framed stdio IPC messages exchanged
// with the helper over its stdin/stdout pipes (supplemented entity, §4.3,
// §6 "libp2p_ipc").
type IPCEventKind string

// IPCEvent is a parsed length-prefixed command/event from the helper's
// stdio pipes, persisted directly by C3's IPC decoder (spec §4.3).
type IPCEvent struct {
	Seq       uint64
	PID       uint32
	Kind      IPCEventKind
	Height    uint64 // zero when the IPC payload carries no block height
	Timestamp time.Time
	Body      []byte
}

// ConnCounters is a periodic in-memory snapshot of a connection's running
// byte counters (spec §3, §5: "counters maintained in-memory and
// periodically flushed"), taken from the protocol engine and applied to
// the store by the flush loop.
type ConnCounters struct {
	BytesIn      uint64
	BytesOut     uint64
	DecryptedIn  uint64
	DecryptedOut uint64
}

// DataLossMarker records a ring overflow observed for a (pid, fd, direction)
// (spec §4.1, §7). Both is set when the drop carries no reliable direction
// of its own (a genuine kernel-side ring overflow record, as opposed to a
// specific read/write event dropped locally for lack of backlog room), in
// which case Direction is meaningless and both directions of the affected
// connection must be treated as desynced.
type DataLossMarker struct {
	PID        uint32
	FD         uint32
	Direction  Direction
	Both       bool
	At         time.Time
	DroppedSeq uint32
}
