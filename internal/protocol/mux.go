package protocol

import "encoding/binary"

// muxHeaderLen is the fixed yamux-style stream multiplexer frame header:
// version(1) | type(1) | flags(2) | stream id(4) | length(4).
const muxHeaderLen = 12

type muxFrameType uint8

const (
	muxData muxFrameType = iota
	muxWindowUpdate
	muxPing
	muxGoAway
)

type muxFlag uint16

const (
	flagSYN muxFlag = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// muxFrame is one decoded multiplexer frame.
type muxFrame struct {
	Type     muxFrameType
	Flags    muxFlag
	StreamID uint32
	Length   uint32
	Body     []byte
}

// readMuxFrame extracts one frame from the front of buf. ok is false if
// buf doesn't yet hold a complete frame.
func readMuxFrame(buf []byte) (muxFrame, int, bool) {
	if len(buf) < muxHeaderLen {
		return muxFrame{}, 0, false
	}
	f := muxFrame{
		Type:     muxFrameType(buf[1]),
		Flags:    muxFlag(binary.BigEndian.Uint16(buf[2:4])),
		StreamID: binary.BigEndian.Uint32(buf[4:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}
	if f.Type != muxData {
		return f, muxHeaderLen, true
	}
	if len(buf) < muxHeaderLen+int(f.Length) {
		return muxFrame{}, 0, false
	}
	f.Body = append([]byte(nil), buf[muxHeaderLen:muxHeaderLen+int(f.Length)]...)
	return f, muxHeaderLen + int(f.Length), true
}

// muxDemux turns one direction's decrypted transport byte stream into a
// sequence of per-stream frames, maintaining the running buffer needed
// because transport reads rarely align with frame boundaries.
type muxDemux struct {
	buf []byte
}

// Feed appends newly decrypted bytes and returns every complete frame now
// available, in arrival order.
func (d *muxDemux) Feed(data []byte) []muxFrame {
	d.buf = append(d.buf, data...)
	var frames []muxFrame
	for {
		f, n, ok := readMuxFrame(d.buf)
		if !ok {
			return frames
		}
		d.buf = d.buf[n:]
		frames = append(frames, f)
	}
}
