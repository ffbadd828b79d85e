// Package model defines the shared entity types and the closed error
// taxonomy that flow between the capture, protocol, store, and API layers.
package model

import "errors"

// Closed error taxonomy. Connection-local errors (RingOverflow,
// HandshakeMissingRandomness, DecryptError, ParseError) never propagate out
// of the connection actor that produced them; they only change that
// connection's state. ConfigError and AttachError are fatal at startup.
// StoreIOError is returned or logged by the store's write paths, which do
// not retry and do not stop the process. AggregatorError is never fatal.
var (
	ErrConfig                     = errors.New("configuration error")
	ErrAttach                     = errors.New("kernel probe attach failed")
	ErrRingOverflow               = errors.New("ring buffer overflow")
	ErrHandshakeMissingRandomness = errors.New("noise handshake: no randomness event available")
	ErrDecrypt                    = errors.New("decrypt failed")
	ErrParse                      = errors.New("frame parse failed")
	ErrStoreIO                    = errors.New("store io error")
	ErrAggregator                 = errors.New("aggregator delivery failed")

	ErrNotFound     = errors.New("not found")
	ErrBadFilter    = errors.New("invalid query filter")
	ErrStoreCorrupt = errors.New("store corruption detected")
)
