package parser

import (
	"errors"

	"github.com/openmina/mina-network-debugger/internal/model"
)

var errEmptyFrame = errors.New("parser: empty frame")

// Kademlia and identify carry peer-discovery metadata the debugger doesn't
// need to unpack field-by-field to be useful: their value to a reader is
// knowing a peer-discovery exchange happened on this stream, with the raw
// bytes available for deeper inspection via the message body endpoint.

func decodeKademlia(dir model.Direction, frame []byte) (model.MessageKind, parsedBlock, error) {
	if len(frame) == 0 {
		return "", parsedBlock{}, errEmptyFrame
	}
	return model.KindKademlia, parsedBlock{}, nil
}

func decodeIdentify(dir model.Direction, frame []byte) (model.MessageKind, parsedBlock, error) {
	if len(frame) == 0 {
		return "", parsedBlock{}, errEmptyFrame
	}
	return model.KindIdentify, parsedBlock{}, nil
}
