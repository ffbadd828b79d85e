// Package store is the append-only, content-addressed datastore described
// in spec.md §4.6 (C6): connections, streams, messages and their four
// secondary indices, and block records, plus the supplemented ipc_events
// and data_loss_markers tables (SPEC_FULL.md §3.1). It is backed by
// nutsdb, the pack's only embedded ordered key/value engine (grounded on
// nabbar-golib's `config/components/nutsdb` wiring choice), with message
// bodies above a configurable threshold spilled to an append-only blob
// sidecar (blob.go).
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nutsdb/nutsdb"

	"github.com/openmina/mina-network-debugger/internal/model"
)

const (
	bucketConnections      = "connections"
	bucketStreams          = "streams"
	bucketMessages         = "messages"
	bucketMsgByConnection  = "messages_by_connection"
	bucketMsgByStreamKind  = "messages_by_stream_kind"
	bucketMsgByMessageKind = "messages_by_message_kind"
	bucketMsgByTimestamp   = "messages_by_timestamp"
	bucketBlocks           = "blocks"
	bucketIPCEvents        = "ipc_events"
	bucketIPCByHeight      = "ipc_events_by_height"
	bucketDataLoss         = "data_loss_markers"
	bucketMeta             = "meta"
)

var allBuckets = []string{
	bucketConnections, bucketStreams, bucketMessages,
	bucketMsgByConnection, bucketMsgByStreamKind, bucketMsgByMessageKind, bucketMsgByTimestamp,
	bucketBlocks, bucketIPCEvents, bucketIPCByHeight, bucketDataLoss, bucketMeta,
}

const metaNextMessageID = "next_message_id"

// DefaultBlobInlineMax is used when config leaves StoreConfig.BlobInlineMax
// at zero.
const DefaultBlobInlineMax = 4096

// liveTail is the subset of *websocket.MessageStreamer the store needs;
// kept as an interface so store never imports the websocket package
// directly and tests can run without a hub attached.
type liveTail interface {
	BroadcastMessage(msg model.Message)
	BroadcastBlock(height uint64, hash, producer string)
}

// Store is the C6 datastore. Writes serialize through a single mutex
// rather than relying solely on nutsdb's own locking, mirroring spec.md
// §5's single store-writer goroutine model: every Sink method here may be
// called concurrently from many connection actors, and the mutex is what
// turns that into the one logical writer the spec requires.
type Store struct {
	mu            sync.Mutex
	db            *nutsdb.DB
	blobs         *blobStore
	blobInlineMax int
	nextMsgID     atomic.Uint64
	liveTail      liveTail
}

// SetLiveTail attaches the websocket hub that PutMessage/ObserveBlock
// notify after each successful write. Optional: a store with no hub
// attached simply skips the broadcast.
func (s *Store) SetLiveTail(lt liveTail) {
	s.liveTail = lt
}

// Open opens (creating if absent) the nutsdb primary directory and blob
// sidecar directory under dir, per spec.md §6 "Persisted layout"
// (`db/primary/`, `db/blobs/`).
func Open(dir string, blobInlineMax int) (*Store, error) {
	if blobInlineMax <= 0 {
		blobInlineMax = DefaultBlobInlineMax
	}

	primaryDir := filepath.Join(dir, "primary")
	if err := os.MkdirAll(primaryDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create primary dir: %v", model.ErrStoreIO, err)
	}

	opt := nutsdb.DefaultOptions
	db, err := nutsdb.Open(opt, nutsdb.WithDir(primaryDir))
	if err != nil {
		return nil, fmt.Errorf("%w: open nutsdb: %v", model.ErrStoreIO, err)
	}

	if err := ensureBuckets(db); err != nil {
		db.Close()
		return nil, err
	}

	blobs, err := openBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, blobs: blobs, blobInlineMax: blobInlineMax}
	if err := s.recoverMessageCounter(); err != nil {
		db.Close()
		blobs.Close()
		return nil, err
	}

	return s, nil
}

// ensureBuckets creates every bucket this store uses. nutsdb requires a
// bucket to exist before it is written to; NewKVBucket is idempotent
// under a fresh transaction but nutsdb reports ErrBucketAlreadyExist on a
// bucket that survived a restart, which this treats as success.
func ensureBuckets(db *nutsdb.DB) error {
	for _, b := range allBuckets {
		err := db.Update(func(tx *nutsdb.Tx) error {
			return tx.NewKVBucket(b)
		})
		if err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return fmt.Errorf("%w: create bucket %s: %v", model.ErrStoreIO, b, err)
		}
	}
	return nil
}

func (s *Store) recoverMessageCounter() error {
	var next uint64
	err := s.db.View(func(tx *nutsdb.Tx) error {
		e, err := tx.Get(bucketMeta, []byte(metaNextMessageID))
		if err != nil {
			if err == nutsdb.ErrKeyNotFound || err == nutsdb.ErrBucketEmpty {
				return nil
			}
			return err
		}
		next = decodeUint64(e.Value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: recover message counter: %v", model.ErrStoreIO, err)
	}
	s.nextMsgID.Store(next)
	return nil
}

// Close releases the nutsdb handle and the blob writer's open segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.blobs.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- parser.Sink -----------------------------------------------------

func (s *Store) ConnectionOpened(conn model.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return putJSON(tx, bucketConnections, connectionKey(conn.OpenedAt.UnixNano(), conn.ID), conn)
	})
	if err != nil {
		slog.Error("store: persist connection open", "connection_id", conn.ID, "error", err)
	}
}

func (s *Store) ConnectionClosed(connID string, closedAt time.Time) {
	s.transitionConnection(connID, model.ConnClosed, closedAt, "")
}

func (s *Store) ConnectionFailed(connID string, err error) {
	s.transitionConnection(connID, model.ConnFailedDecrypt, time.Time{}, err.Error())
}

// transitionConnection updates a connection's terminal state in place.
// The connection record still lives at its original (opened_at, id) key:
// only the value at that key is overwritten, the same in-place rewrite
// UpdateCounters does for the byte counters.
func (s *Store) transitionConnection(connID string, state model.ConnectionState, closedAt time.Time, failReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		key, conn, err := findConnection(tx, connID)
		if err != nil {
			return err
		}
		conn.State = state
		if !closedAt.IsZero() {
			conn.ClosedAt = closedAt
		}
		return putJSON(tx, bucketConnections, key, conn)
	})
	if err != nil {
		slog.Warn("store: transition connection", "connection_id", connID, "state", state, "reason", failReason, "error", err)
	}
}

// UpdateCounters applies a periodic in-memory counter snapshot from the
// protocol engine to the persisted connection record (spec.md §3, §5).
func (s *Store) UpdateCounters(connID string, c model.ConnCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *nutsdb.Tx) error {
		key, conn, err := findConnection(tx, connID)
		if err != nil {
			return err
		}
		conn.BytesIn, conn.BytesOut = c.BytesIn, c.BytesOut
		conn.DecryptedIn, conn.DecryptedOut = c.DecryptedIn, c.DecryptedOut
		return putJSON(tx, bucketConnections, key, conn)
	})
}

func (s *Store) StreamOpened(stream model.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return putJSON(tx, bucketStreams, streamKey(stream.ConnectionID, stream.StreamID), stream)
	})
	if err != nil {
		slog.Error("store: persist stream open", "connection_id", stream.ConnectionID, "stream_id", stream.StreamID, "error", err)
	}
}

func (s *Store) StreamClosed(connID string, streamID uint32, state model.StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		key := streamKey(connID, streamID)
		e, err := tx.Get(bucketStreams, key)
		if err != nil {
			return err
		}
		var st model.Stream
		if err := json.Unmarshal(e.Value, &st); err != nil {
			return err
		}
		st.State = state
		st.ClosedAt = time.Now()
		return putJSON(tx, bucketStreams, key, st)
	})
	if err != nil {
		slog.Warn("store: transition stream", "connection_id", connID, "stream_id", streamID, "error", err)
	}
}

// PutMessage implements parser.Sink, assigning the next message_id and
// committing the primary record plus its four secondary indices in one
// transaction (spec.md §4.6 "Secondary indices are maintained
// transactionally with the primary write"). Bodies at or above
// blobInlineMax are appended to the blob sidecar before the transaction
// opens, since nutsdb transactions must not perform file I/O of their own.
func (s *Store) PutMessage(msg model.Message) uint64 {
	id := s.nextMsgID.Add(1)
	msg.ID = id

	body := msg.Body
	if len(body) >= s.blobInlineMax {
		ref, err := s.blobs.Append(body)
		if err != nil {
			slog.Error("store: spill message body to blob", "message_id", id, "error", err)
		} else {
			msg.BlobRef = &ref
			msg.Body = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		if err := putJSON(tx, bucketMessages, messageKey(id), msg); err != nil {
			return err
		}
		if err := tx.Put(bucketMsgByConnection, byConnectionKey(msg.ConnectionID, id), messageKey(id), 0); err != nil {
			return err
		}
		if err := tx.Put(bucketMsgByStreamKind, byStreamKindKey(msg.StreamKind, id), messageKey(id), 0); err != nil {
			return err
		}
		if err := tx.Put(bucketMsgByMessageKind, byMessageKindKey(string(msg.Kind), id), messageKey(id), 0); err != nil {
			return err
		}
		if err := tx.Put(bucketMsgByTimestamp, byTimestampKey(msg.Timestamp.UnixNano(), id), messageKey(id), 0); err != nil {
			return err
		}
		return tx.Put(bucketMeta, []byte(metaNextMessageID), beUint64(id), 0)
	})
	if err != nil {
		slog.Error("store: persist message", "message_id", id, "connection_id", msg.ConnectionID, "error", err)
	} else if s.liveTail != nil {
		s.liveTail.BroadcastMessage(msg)
	}

	return id
}

// ObserveBlock implements parser.Sink: read-modify-write the block record
// at (height, hash), appending one observation. This is the one entity
// whose body legitimately grows after first write (spec.md §3 inv. 5:
// "A block record's observation list is append-only and ordered by
// timestamp"); the record is never otherwise mutated.
func (s *Store) ObserveBlock(height uint64, hash, producer string, obs model.BlockObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *nutsdb.Tx) error {
		key := blockKey(height, hash)
		var rec model.BlockRecord

		e, err := tx.Get(bucketBlocks, key)
		switch err {
		case nil:
			if jerr := json.Unmarshal(e.Value, &rec); jerr != nil {
				return jerr
			}
		case nutsdb.ErrKeyNotFound:
			rec = model.BlockRecord{Height: height, Hash: hash, Producer: producer, FirstSeen: obs.Timestamp}
		default:
			return err
		}

		rec.Observations = append(rec.Observations, obs)
		return putJSON(tx, bucketBlocks, key, rec)
	})
	if err != nil {
		slog.Error("store: observe block", "height", height, "hash", hash, "error", err)
	} else if s.liveTail != nil {
		s.liveTail.BroadcastBlock(height, hash, producer)
	}
}

// --- supplemented tables ----------------------------------------------

// PutIPCEvent persists one decoded stdio IPC event (SPEC_FULL.md §3.1),
// bypassing the wire-protocol stack entirely as spec.md §4.3 requires.
func (s *Store) PutIPCEvent(ev model.IPCEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *nutsdb.Tx) error {
		if err := putJSON(tx, bucketIPCEvents, ipcEventKey(ev.Seq), ev); err != nil {
			return err
		}
		if ev.Height == 0 {
			return nil
		}
		return tx.Put(bucketIPCByHeight, ipcByHeightKey(ev.Height, ev.Seq), ipcEventKey(ev.Seq), 0)
	})
}

// RecordDataLoss persists a ring overflow marker (spec.md §4.1, §7).
func (s *Store) RecordDataLoss(m model.DataLossMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *nutsdb.Tx) error {
		return putJSON(tx, bucketDataLoss, dataLossKey(m.At.UnixNano(), m.PID, m.FD), m)
	})
}

// --- internal helpers ---------------------------------------------------

func putJSON(tx *nutsdb.Tx, bucket string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(bucket, key, data, 0)
}

// findConnection locates a connection record by id via a bounded
// PrefixScan is not possible (id is a key suffix, not a prefix), so the
// connections bucket is scanned in full. Connections open concurrently
// are few relative to historical messages, so this trades a full bucket
// scan for not needing a second (id -> key) index purely for lifecycle
// transitions, which happen at most twice per connection.
func findConnection(tx *nutsdb.Tx, connID string) ([]byte, model.Connection, error) {
	entries, err := tx.GetAll(bucketConnections)
	if err != nil {
		return nil, model.Connection{}, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	for _, e := range entries {
		var conn model.Connection
		if err := json.Unmarshal(e.Value, &conn); err != nil {
			continue
		}
		if conn.ID == connID {
			return e.Key, conn, nil
		}
	}
	return nil, model.Connection{}, model.ErrNotFound
}
