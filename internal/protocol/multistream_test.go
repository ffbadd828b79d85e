package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultistreamMessageRoundTrip(t *testing.T) {
	encoded := EncodeMultistreamMessage("/noise")
	line, n, ok := ReadMultistreamMessage(encoded)
	require.True(t, ok)
	require.Equal(t, len(encoded), n)
	require.Equal(t, "/noise", line)
}

func TestMultistreamMessageIncomplete(t *testing.T) {
	encoded := EncodeMultistreamMessage("/noise")
	_, _, ok := ReadMultistreamMessage(encoded[:len(encoded)-1])
	require.False(t, ok)
}

func TestNegotiationAgreesOnFirstSharedProposal(t *testing.T) {
	n := newNegotiation()

	var out, in []byte
	out = append(out, EncodeMultistreamMessage(MultistreamHeader)...)
	out = append(out, EncodeMultistreamMessage("/noise")...)
	in = append(in, EncodeMultistreamMessage(MultistreamHeader)...)
	in = append(in, EncodeMultistreamMessage("/noise")...)

	n.FeedOut(out)
	require.False(t, n.Done)
	n.FeedIn(in)
	require.True(t, n.Done)
	require.Equal(t, "/noise", n.Agreed)
}

func TestNegotiationIgnoresRejectedProposals(t *testing.T) {
	n := newNegotiation()

	n.FeedOut(EncodeMultistreamMessage("/yamux/1.0.0"))
	n.FeedIn(EncodeMultistreamMessage("na"))
	require.False(t, n.Done)

	n.FeedOut(EncodeMultistreamMessage("/mplex/6.7.0"))
	n.FeedIn(EncodeMultistreamMessage("/mplex/6.7.0"))
	require.True(t, n.Done)
	require.Equal(t, "/mplex/6.7.0", n.Agreed)
}
