package parser

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// Gossip frame layout: varint kind tag, then a tag-specific body.
//
//	0 (new_state):             varint height | 32-byte state hash | length-delimited producer id
//	1 (snark_pool_diff):        opaque remainder
//	2 (transaction_pool_diff):  opaque remainder
const (
	gossipNewState            = 0
	gossipSnarkPoolDiff        = 1
	gossipTransactionPoolDiff = 2
)

func decodeGossip(dir model.Direction, frame []byte) (model.MessageKind, parsedBlock, error) {
	tag, n := protowire.ConsumeVarint(frame)
	if n <= 0 {
		return "", parsedBlock{}, fmt.Errorf("gossip: missing kind tag")
	}
	body := frame[n:]

	switch tag {
	case gossipNewState:
		return decodeNewState(body)
	case gossipSnarkPoolDiff:
		return model.KindSnarkPoolDiff, parsedBlock{}, nil
	case gossipTransactionPoolDiff:
		return model.KindTransactionPoolDiff, parsedBlock{}, nil
	default:
		return "", parsedBlock{}, fmt.Errorf("gossip: unknown kind tag %d", tag)
	}
}

func decodeNewState(body []byte) (model.MessageKind, parsedBlock, error) {
	height, n := protowire.ConsumeVarint(body)
	if n <= 0 {
		return "", parsedBlock{}, fmt.Errorf("gossip: new_state missing height")
	}
	body = body[n:]

	if len(body) < 32 {
		return "", parsedBlock{}, fmt.Errorf("gossip: new_state missing state hash")
	}
	hash := hex.EncodeToString(body[:32])
	body = body[32:]

	producer, n := protowire.ConsumeBytes(body)
	if n <= 0 {
		return "", parsedBlock{}, fmt.Errorf("gossip: new_state missing producer id")
	}

	return model.KindNewState, parsedBlock{
		isBlock:  true,
		height:   height,
		hash:     hash,
		producer: hex.EncodeToString(producer),
	}, nil
}
