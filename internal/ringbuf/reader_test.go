package ringbuf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmina/mina-network-debugger/internal/model"
)

func encodeRecord(kind uint16, ts uint64, pid, fd, seq uint32, payload []byte) []byte {
	buf := make([]byte, recordHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], kind)
	binary.LittleEndian.PutUint64(buf[4:12], ts)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	binary.LittleEndian.PutUint32(buf[16:20], fd)
	binary.LittleEndian.PutUint32(buf[20:24], seq)
	copy(buf[recordHeaderLen:], payload)
	return buf
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello")
	raw := encodeRecord(uint16(model.EventReadSock), 123456, 42, 7, 1, payload)

	ev, ok := decode(raw)
	require.True(t, ok)
	require.Equal(t, model.EventReadSock, ev.Kind)
	require.Equal(t, uint64(123456), ev.Timestamp)
	require.Equal(t, uint32(42), ev.PID)
	require.Equal(t, uint32(7), ev.FD)
	require.Equal(t, uint32(1), ev.Seq)
	require.Equal(t, payload, ev.Payload)
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, ok := decode([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestDecodeRejectsOverrunLength(t *testing.T) {
	raw := encodeRecord(uint16(model.EventReadSock), 0, 0, 0, 0, []byte("ab"))
	binary.LittleEndian.PutUint16(raw[0:2], 99)
	_, ok := decode(raw)
	require.False(t, ok)
}
