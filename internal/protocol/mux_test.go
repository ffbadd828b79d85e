package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeMuxFrame(typ muxFrameType, flags muxFlag, streamID uint32, body []byte) []byte {
	hdr := make([]byte, muxHeaderLen)
	hdr[0] = 0
	hdr[1] = byte(typ)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(flags))
	binary.BigEndian.PutUint32(hdr[4:8], streamID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	if typ != muxData {
		return hdr
	}
	return append(hdr, body...)
}

func TestReadMuxFrameDataFrame(t *testing.T) {
	body := []byte("stream payload")
	raw := encodeMuxFrame(muxData, flagSYN, 7, body)

	f, n, ok := readMuxFrame(raw)
	require.True(t, ok)
	require.Equal(t, len(raw), n)
	require.Equal(t, uint32(7), f.StreamID)
	require.Equal(t, flagSYN, f.Flags)
	require.Equal(t, body, f.Body)
}

func TestReadMuxFrameNonDataHasNoBody(t *testing.T) {
	raw := encodeMuxFrame(muxPing, 0, 0, nil)
	f, n, ok := readMuxFrame(raw)
	require.True(t, ok)
	require.Equal(t, muxHeaderLen, n)
	require.Equal(t, muxPing, f.Type)
}

func TestMuxDemuxFeedAcrossPartialChunks(t *testing.T) {
	raw := encodeMuxFrame(muxData, flagSYN, 1, []byte("hello"))
	raw = append(raw, encodeMuxFrame(muxData, flagFIN, 1, []byte("world"))...)

	var d muxDemux
	var frames []muxFrame
	frames = append(frames, d.Feed(raw[:10])...)
	frames = append(frames, d.Feed(raw[10:])...)

	require.Len(t, frames, 2)
	require.Equal(t, []byte("hello"), frames[0].Body)
	require.Equal(t, []byte("world"), frames[1].Body)
	require.Equal(t, flagFIN, frames[1].Flags)
}
