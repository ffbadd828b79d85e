package protocol

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/openmina/mina-network-debugger/internal/model"
)

type fakeStatics struct{ key [32]byte }

func (f fakeStatics) StaticKey(pid uint32) ([32]byte, bool) { return f.key, true }

type fakeRandoms struct{ sample []byte }

func (f fakeRandoms) Lookup(pid uint32, at time.Time) [][]byte { return [][]byte{f.sample} }

type recordingSink struct {
	mu           sync.Mutex
	opened       []model.Connection
	closed       []string
	failed       []string
	streamOpened []model.Stream
	streamClosed []model.StreamState
	data         []string
}

func (s *recordingSink) ConnectionOpened(conn model.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, conn)
}
func (s *recordingSink) ConnectionClosed(connID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, connID)
}
func (s *recordingSink) ConnectionFailed(connID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, connID)
}
func (s *recordingSink) StreamOpened(stream model.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamOpened = append(s.streamOpened, stream)
}
func (s *recordingSink) StreamClosed(connID string, streamID uint32, state model.StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamClosed = append(s.streamClosed, state)
}
func (s *recordingSink) StreamData(connID string, streamID uint32, protocol string, dir model.Direction, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, string(data))
}

func sealAppData(key [32]byte, counter uint64, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce, plaintext, nil)
}

func frameNoise(body []byte) []byte {
	out := make([]byte, noiseLenPrefix+len(body))
	binary.BigEndian.PutUint16(out[:noiseLenPrefix], uint16(len(body)))
	copy(out[noiseLenPrefix:], body)
	return out
}

func TestEngineDrivesFullConnectionLifecycle(t *testing.T) {
	staticA, ephA := keyPair(1), keyPair(11)
	staticB, ephB := keyPair(21), keyPair(31)
	msg1, msg2, msg3 := simulateWire(t, staticA, ephA, staticB, ephB)

	hsA := NewHandshakeXX(true, staticA)
	hsA.SetLocalEphemeral(ephA)
	hsB := NewHandshakeXX(false, staticB)
	hsB.SetLocalEphemeral(ephB)
	require.NoError(t, hsA.ConsumeOutbound(msg1))
	require.NoError(t, hsB.ConsumeInbound(msg1))
	require.NoError(t, hsB.ConsumeOutbound(msg2))
	require.NoError(t, hsA.ConsumeInbound(msg2))
	require.NoError(t, hsA.ConsumeOutbound(msg3))
	require.NoError(t, hsB.ConsumeInbound(msg3))
	sendKey, recvKey := hsA.sym.split()

	var psk [32]byte
	for i := range psk {
		psk[i] = byte(100 + i)
	}
	var localNonce, remoteNonce [pnetNonceLen]byte
	for i := range localNonce {
		localNonce[i] = byte(i)
		remoteNonce[i] = byte(200 + i)
	}

	outPnet := newPnetStream(psk, localNonce)
	inPnet := newPnetStream(psk, remoteNonce)
	encryptOut := func(plain []byte) []byte {
		dst := make([]byte, len(plain))
		outPnet.Apply(dst, plain)
		return dst
	}
	encryptIn := func(plain []byte) []byte {
		dst := make([]byte, len(plain))
		inPnet.Apply(dst, plain)
		return dst
	}

	sink := &recordingSink{}
	engine := NewEngine(psk, fakeStatics{key: staticA}, fakeRandoms{sample: ephA[:]}, sink)
	engine.Opened("conn-1", 42, 7, false)
	require.Len(t, sink.opened, 1)

	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: localNonce[:]})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventReadSock, Payload: remoteNonce[:]})

	msOut := append(EncodeMultistreamMessage(MultistreamHeader), EncodeMultistreamMessage("/noise")...)
	msIn := append(EncodeMultistreamMessage(MultistreamHeader), EncodeMultistreamMessage("/noise")...)
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(msOut)})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(msIn)})

	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(msg1))})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(msg2))})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(msg3))})

	outNego := encodeMuxFrame(muxData, flagSYN, 1, EncodeMultistreamMessage("/mina/rpc/1.0.0"))
	inNego := encodeMuxFrame(muxData, 0, 1, EncodeMultistreamMessage("/mina/rpc/1.0.0"))
	outData := encodeMuxFrame(muxData, 0, 1, []byte("ping-payload"))
	inData := encodeMuxFrame(muxData, flagFIN, 1, []byte("pong-payload"))

	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(sealAppData(sendKey, 0, outNego)))})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(sealAppData(recvKey, 0, inNego)))})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(sealAppData(sendKey, 1, outData)))})
	engine.Handle("conn-1", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(sealAppData(recvKey, 1, inData)))})

	require.Empty(t, sink.failed)
	require.Len(t, sink.streamOpened, 1)
	require.Contains(t, sink.data, "ping-payload")
	require.Contains(t, sink.data, "pong-payload")
	require.Contains(t, sink.streamClosed, model.StreamClosed)

	engine.Closed("conn-1")
	require.Equal(t, []string{"conn-1"}, sink.closed)
}

func TestEngineFailsConnectionOnMissingRandomness(t *testing.T) {
	var psk [32]byte
	sink := &recordingSink{}
	engine := NewEngine(psk, fakeStatics{}, noRandoms{}, sink)
	engine.Opened("conn-2", 1, 2, true)

	// Drive the connection state directly to StateNoiseHandshake rather
	// than replaying pnet/multistream bytes: the only thing under test
	// here is that a missing randomness sample fails the connection.
	cs := engine.conns["conn-2"]
	cs.state = StateNoiseHandshake
	cs.pnet = newPnetFilter(psk, [pnetNonceLen]byte{}, [pnetNonceLen]byte{})

	engine.Handle("conn-2", model.RawEvent{Kind: model.EventWriteSock, Payload: cs.pnet.send.encryptForTest(frameNoise([]byte("x")))})

	require.Len(t, sink.failed, 1)
}

func TestEngineDesyncsOnlyAffectedDirectionOnOverflow(t *testing.T) {
	staticA, ephA := keyPair(1), keyPair(11)
	staticB, ephB := keyPair(21), keyPair(31)
	msg1, msg2, msg3 := simulateWire(t, staticA, ephA, staticB, ephB)

	hsA := NewHandshakeXX(true, staticA)
	hsA.SetLocalEphemeral(ephA)
	hsB := NewHandshakeXX(false, staticB)
	hsB.SetLocalEphemeral(ephB)
	require.NoError(t, hsA.ConsumeOutbound(msg1))
	require.NoError(t, hsB.ConsumeInbound(msg1))
	require.NoError(t, hsB.ConsumeOutbound(msg2))
	require.NoError(t, hsA.ConsumeInbound(msg2))
	require.NoError(t, hsA.ConsumeOutbound(msg3))
	require.NoError(t, hsB.ConsumeInbound(msg3))
	sendKey, recvKey := hsA.sym.split()

	var psk [32]byte
	for i := range psk {
		psk[i] = byte(100 + i)
	}
	var localNonce, remoteNonce [pnetNonceLen]byte
	for i := range localNonce {
		localNonce[i] = byte(i)
		remoteNonce[i] = byte(200 + i)
	}

	outPnet := newPnetStream(psk, localNonce)
	inPnet := newPnetStream(psk, remoteNonce)
	encryptOut := func(plain []byte) []byte {
		dst := make([]byte, len(plain))
		outPnet.Apply(dst, plain)
		return dst
	}
	encryptIn := func(plain []byte) []byte {
		dst := make([]byte, len(plain))
		inPnet.Apply(dst, plain)
		return dst
	}

	sink := &recordingSink{}
	engine := NewEngine(psk, fakeStatics{key: staticA}, fakeRandoms{sample: ephA[:]}, sink)
	engine.Opened("conn-3", 42, 7, false)

	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: localNonce[:]})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventReadSock, Payload: remoteNonce[:]})

	msOut := append(EncodeMultistreamMessage(MultistreamHeader), EncodeMultistreamMessage("/noise")...)
	msIn := append(EncodeMultistreamMessage(MultistreamHeader), EncodeMultistreamMessage("/noise")...)
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(msOut)})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(msIn)})

	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(msg1))})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(msg2))})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(msg3))})

	// A ring overflow hits only the inbound direction.
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventOverflow, Payload: []byte{byte(model.DirIn)}})

	outNego := encodeMuxFrame(muxData, flagSYN, 1, EncodeMultistreamMessage("/mina/rpc/1.0.0"))
	inNego := encodeMuxFrame(muxData, 0, 1, EncodeMultistreamMessage("/mina/rpc/1.0.0"))
	outData := encodeMuxFrame(muxData, 0, 1, []byte("ping-payload"))
	inData := encodeMuxFrame(muxData, flagFIN, 1, []byte("pong-payload"))

	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(sealAppData(sendKey, 0, outNego)))})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(sealAppData(recvKey, 0, inNego)))})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventWriteSock, Payload: encryptOut(frameNoise(sealAppData(sendKey, 1, outData)))})
	engine.Handle("conn-3", model.RawEvent{Kind: model.EventReadSock, Payload: encryptIn(frameNoise(sealAppData(recvKey, 1, inData)))})

	require.Empty(t, sink.failed, "a one-directional overflow must not fail the whole connection")
	require.Contains(t, sink.data, "ping-payload", "the unaffected outbound direction must keep flowing")
	require.NotContains(t, sink.data, "pong-payload", "the desynced inbound direction must stop being parsed")

	cs := engine.conns["conn-3"]
	require.True(t, cs.desynced[model.DirIn])
	require.False(t, cs.desynced[model.DirOut])
}

func TestEngineDesyncsBothDirectionsOnAmbiguousOverflow(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine([32]byte{}, fakeStatics{}, fakeRandoms{}, sink)
	engine.Opened("conn-4", 1, 2, true)

	engine.Handle("conn-4", model.RawEvent{Kind: model.EventOverflow})

	cs := engine.conns["conn-4"]
	require.True(t, cs.desynced[model.DirIn])
	require.True(t, cs.desynced[model.DirOut])
}

type noRandoms struct{}

func (noRandoms) Lookup(pid uint32, at time.Time) [][]byte { return nil }

func (s *pnetStream) encryptForTest(plain []byte) []byte {
	dst := make([]byte, len(plain))
	s.Apply(dst, plain)
	return dst
}
