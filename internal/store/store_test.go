package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmina/mina-network-debugger/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutMessageAssignsMonotonicIDsAndIndexes(t *testing.T) {
	s := openTestStore(t)

	id1 := s.PutMessage(model.Message{ConnectionID: "c1", StreamKind: "/mina/rpc/1.0.0", Kind: model.KindRPCRequest, Timestamp: time.Now(), Body: []byte("small")})
	id2 := s.PutMessage(model.Message{ConnectionID: "c1", StreamKind: "/mina/rpc/1.0.0", Kind: model.KindRPCResponse, Timestamp: time.Now(), Body: []byte("small too")})

	require.Equal(t, id1+1, id2)

	page, err := s.QueryMessages(MessageFilter{ConnectionID: "c1"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.False(t, page.Truncated)
}

func TestPutMessageSpillsLargeBodyToBlob(t *testing.T) {
	s := openTestStore(t)

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	id := s.PutMessage(model.Message{ConnectionID: "c1", Kind: model.KindOpaque, Timestamp: time.Now(), Body: big})

	msg, err := s.MessageByID(id)
	require.NoError(t, err)
	require.NotNil(t, msg.BlobRef)
	require.Equal(t, big, msg.Body)
}

func TestQueryMessagesPaginates(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 25; i++ {
		s.PutMessage(model.Message{ConnectionID: "c1", Kind: model.KindOpaque, Timestamp: time.Now(), Body: []byte("x")})
	}

	seen := map[uint64]bool{}
	var fromID uint64
	pages := 0
	for {
		page, err := s.QueryMessages(MessageFilter{ConnectionID: "c1", Limit: 10, FromID: fromID})
		require.NoError(t, err)
		for _, m := range page.Messages {
			require.False(t, seen[m.ID], "message %d seen twice", m.ID)
			seen[m.ID] = true
		}
		pages++
		if !page.Truncated {
			break
		}
		fromID = page.NextFromID
		require.Less(t, pages, 10, "pagination did not converge")
	}
	require.Len(t, seen, 25)
}

func TestObserveBlockAppendsObservations(t *testing.T) {
	s := openTestStore(t)

	s.ObserveBlock(100, "hash-a", "producer-1", model.BlockObservation{ConnectionID: "c1", MessageID: 1, Timestamp: time.Now()})
	s.ObserveBlock(100, "hash-a", "producer-1", model.BlockObservation{ConnectionID: "c2", MessageID: 2, Timestamp: time.Now()})

	blocks, err := s.BlocksAtHeight(100)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0].Observations, 2)
}

func TestConnectionLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	opened := time.Now()

	s.ConnectionOpened(model.Connection{ID: "c1", PID: 1, FD: 2, OpenedAt: opened, State: model.ConnOpen})
	s.UpdateCounters("c1", model.ConnCounters{BytesIn: 10, BytesOut: 20})
	s.ConnectionClosed("c1", opened.Add(time.Second))

	conns, _, err := s.ListConnections(10, "")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, model.ConnClosed, conns[0].State)
	require.Equal(t, uint64(10), conns[0].BytesIn)
	require.Equal(t, uint64(20), conns[0].BytesOut)
}

func TestConnectionFailedSetsFailedDecryptState(t *testing.T) {
	s := openTestStore(t)
	s.ConnectionOpened(model.Connection{ID: "c1", OpenedAt: time.Now(), State: model.ConnOpen})
	s.ConnectionFailed("c1", model.ErrHandshakeMissingRandomness)

	conns, _, err := s.ListConnections(10, "")
	require.NoError(t, err)
	require.Equal(t, model.ConnFailedDecrypt, conns[0].State)
}

func TestRecordDataLossAndIPCEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordDataLoss(model.DataLossMarker{PID: 1, FD: 2, Direction: model.DirIn, At: time.Now()}))
	require.NoError(t, s.PutIPCEvent(model.IPCEvent{Seq: 1, Height: 42, Timestamp: time.Now(), Body: []byte("{}")}))

	events, err := s.IPCEventsAtHeight(42)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].Seq)
}

func TestSummaryReflectsPersistedState(t *testing.T) {
	s := openTestStore(t)
	s.ConnectionOpened(model.Connection{ID: "c1", OpenedAt: time.Now(), State: model.ConnOpen})
	s.PutMessage(model.Message{ConnectionID: "c1", Kind: model.KindOpaque, Timestamp: time.Now()})
	s.ObserveBlock(5, "h", "p", model.BlockObservation{Timestamp: time.Now()})

	sum, err := s.Summary(10)
	require.NoError(t, err)
	require.Equal(t, 1, sum.ConnectionCount)
	require.Equal(t, uint64(1), sum.MessageCount)
	require.Len(t, sum.RecentBlocks, 1)
}

func TestMessageCounterRecoveredAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, 16)
	require.NoError(t, err)
	id := s1.PutMessage(model.Message{ConnectionID: "c1", Kind: model.KindOpaque, Timestamp: time.Now()})
	require.NoError(t, s1.Close())

	s2, err := Open(dir, 16)
	require.NoError(t, err)
	defer s2.Close()
	nextID := s2.PutMessage(model.Message{ConnectionID: "c1", Kind: model.KindOpaque, Timestamp: time.Now()})
	require.Equal(t, id+1, nextID)
}
