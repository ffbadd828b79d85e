package store

import "encoding/binary"

// Key encoding helpers. Every composite key is built from fixed-width
// big-endian integer components so nutsdb's byte-lexicographic bucket
// ordering also orders records the way the query API wants them: newest
// or highest-numbered last, supporting bounded RangeScan/PrefixScan
// pagination without a secondary sort step.

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func beUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
func decodeUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func concatKey(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// messageKey is the primary key of the messages bucket.
func messageKey(id uint64) []byte { return beUint64(id) }

// connectionKey orders connections by open time, per spec.md §4.6.
func connectionKey(openedAtNS int64, connID string) []byte {
	return concatKey(beUint64(uint64(openedAtNS)), []byte(connID))
}

func streamKey(connID string, streamID uint32) []byte {
	return concatKey([]byte(connID), []byte{0}, beUint32(streamID))
}

func byConnectionKey(connID string, msgID uint64) []byte {
	return concatKey([]byte(connID), []byte{0}, beUint64(msgID))
}

func byStreamKindKey(kind string, msgID uint64) []byte {
	return concatKey([]byte(kind), []byte{0}, beUint64(msgID))
}

func byMessageKindKey(kind string, msgID uint64) []byte {
	return concatKey([]byte(kind), []byte{0}, beUint64(msgID))
}

func byTimestampKey(tsNS int64, msgID uint64) []byte {
	return concatKey(beUint64(uint64(tsNS)), beUint64(msgID))
}

func blockKey(height uint64, hash string) []byte {
	return concatKey(beUint64(height), []byte{0}, []byte(hash))
}

func ipcEventKey(seq uint64) []byte { return beUint64(seq) }

func ipcByHeightKey(height, seq uint64) []byte {
	return concatKey(beUint64(height), beUint64(seq))
}

func dataLossKey(atNS int64, pid, fd uint32) []byte {
	return concatKey(beUint64(uint64(atNS)), beUint32(pid), beUint32(fd))
}
