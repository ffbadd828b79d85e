package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// MultistreamHeader is the protocol id every multistream-select exchange
// opens with, on both sides, before any protocol proposal.
const MultistreamHeader = "/multistream/1.0.0"

// ReadMultistreamMessage extracts one length-prefixed, newline-terminated
// multistream-select message from buf. Returns the message without its
// trailing newline, the number of bytes consumed, and whether a full
// message was available yet.
func ReadMultistreamMessage(buf []byte) (string, int, bool) {
	length, n := protowire.ConsumeVarint(buf)
	if n <= 0 {
		return "", 0, false
	}
	rest := buf[n:]
	if uint64(len(rest)) < length || length == 0 {
		return "", 0, false
	}
	line := rest[:length]
	if line[length-1] != '\n' {
		return "", 0, false
	}
	return string(line[:length-1]), n + int(length), true
}

// EncodeMultistreamMessage frames a protocol name the way a real
// multistream-select peer would. Used by tests.
func EncodeMultistreamMessage(line string) []byte {
	body := append([]byte(line), '\n')
	var out []byte
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, body...)
}

// negotiation tracks one multistream-select exchange to a close-enough
// approximation of the real protocol: an initiator proposes names one at
// a time; the responder echoes the accepted name back, or sends "na" to
// reject it and let the initiator try another. Passive observation sees
// both sides, so the agreed protocol is simply the first name that shows
// up in both directions' message streams.
type negotiation struct {
	inBuf, outBuf   []byte
	proposedOut     map[string]bool
	proposedIn      map[string]bool
	Agreed          string
	Done            bool
}

func newNegotiation() *negotiation {
	return &negotiation{
		proposedOut: make(map[string]bool),
		proposedIn:  make(map[string]bool),
	}
}

// FeedOut consumes bytes written by the target (the outbound direction).
func (n *negotiation) FeedOut(data []byte) { n.feed(&n.outBuf, n.proposedOut, n.proposedIn, data) }

// FeedIn consumes bytes read from the remote peer (the inbound direction).
func (n *negotiation) FeedIn(data []byte) { n.feed(&n.inBuf, n.proposedIn, n.proposedOut, data) }

func (n *negotiation) feed(buf *[]byte, mine, theirs map[string]bool, data []byte) {
	if n.Done {
		return
	}
	*buf = append(*buf, data...)
	for {
		line, consumed, ok := ReadMultistreamMessage(*buf)
		if !ok {
			return
		}
		*buf = (*buf)[consumed:]

		switch line {
		case MultistreamHeader, "na", "ls":
			continue
		}

		mine[line] = true
		if theirs[line] {
			n.Agreed = line
			n.Done = true
			return
		}
	}
}
