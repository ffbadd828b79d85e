package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nutsdb/nutsdb"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// DefaultLimit and MaxLimit bound every range scan the query API can
// trigger (spec.md §4.6: "Range queries ... must return within a
// configured row limit").
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// MessageFilter carries the query parameters of GET /messages (spec.md §6).
type MessageFilter struct {
	ConnectionID   string
	StreamKind     string
	MessageKind    string
	RemoteAddr     string
	TimestampFrom  time.Time
	TimestampTo    time.Time
	FromID         uint64 // continuation token: only ids > FromID
	Limit          int
}

// Page wraps a bounded result with the pagination metadata the HTTP layer
// needs (spec.md §4.6 "a continuation token ... is returned").
type Page struct {
	Messages   []model.Message
	NextFromID uint64
	Truncated  bool
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ListConnections returns up to limit connections ordered by open time,
// starting after fromKey (an opaque continuation token: the last key
// seen, or "" for the first page).
func (s *Store) ListConnections(limit int, fromKey string) ([]model.Connection, string, error) {
	limit = clampLimit(limit)
	var (
		out  []model.Connection
		next string
	)

	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(bucketConnections)
		if err != nil {
			if err == nutsdb.ErrBucketEmpty {
				return nil
			}
			return err
		}
		// nutsdb does not guarantee GetAll order; connections are few
		// enough relative to messages that an in-memory sort on the
		// (opened_at_ns, id) key is cheap and keeps pagination stable.
		sortEntriesByKey(entries)

		skipping := fromKey != ""
		var lastKey string
		for _, e := range entries {
			if skipping {
				if string(e.Key) == fromKey {
					skipping = false
				}
				continue
			}
			if len(out) == limit {
				next = lastKey
				break
			}
			var conn model.Connection
			if err := json.Unmarshal(e.Value, &conn); err != nil {
				continue
			}
			out = append(out, conn)
			lastKey = string(e.Key)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: list connections: %v", model.ErrStoreIO, err)
	}
	return out, next, nil
}

func sortEntriesByKey(entries []*nutsdb.Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && bytes.Compare(entries[j-1].Key, entries[j].Key) > 0; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// QueryMessages answers GET /messages: it picks the narrowest secondary
// index implied by the filter, walks it in message_id order, and applies
// the remaining filter predicates in-process, bounding work at Limit+1
// reads so it can report truncation without an extra round trip.
func (s *Store) QueryMessages(f MessageFilter) (Page, error) {
	limit := clampLimit(f.Limit)

	var remoteSet map[string]bool
	if f.RemoteAddr != "" {
		set, err := s.connectionIDsByRemoteAddr(f.RemoteAddr)
		if err != nil {
			return Page{}, err
		}
		remoteSet = set
	}

	var page Page
	err := s.db.View(func(tx *nutsdb.Tx) error {
		ids, err := candidateMessageIDs(tx, f)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if id <= f.FromID {
				continue
			}
			e, err := tx.Get(bucketMessages, messageKey(id))
			if err != nil {
				continue
			}
			var msg model.Message
			if err := json.Unmarshal(e.Value, &msg); err != nil {
				continue
			}
			if !matchesFilter(msg, f, remoteSet) {
				continue
			}
			if len(page.Messages) == limit {
				page.Truncated = true
				page.NextFromID = msg.ID - 1
				return nil
			}
			page.Messages = append(page.Messages, msg)
		}
		if len(page.Messages) > 0 {
			page.NextFromID = page.Messages[len(page.Messages)-1].ID
		}
		return nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("%w: query messages: %v", model.ErrStoreIO, err)
	}
	return page, nil
}

// candidateMessageIDs resolves the narrowest index implied by f, in
// ascending message_id order. When no selective filter is set it falls
// back to the full timestamp index (optionally range-bounded).
func candidateMessageIDs(tx *nutsdb.Tx, f MessageFilter) ([]uint64, error) {
	switch {
	case f.ConnectionID != "":
		return idsFromIndex(tx, bucketMsgByConnection, []byte(f.ConnectionID+"\x00"))
	case f.StreamKind != "":
		return idsFromIndex(tx, bucketMsgByStreamKind, []byte(f.StreamKind+"\x00"))
	case f.MessageKind != "":
		return idsFromIndex(tx, bucketMsgByMessageKind, []byte(f.MessageKind+"\x00"))
	default:
		return idsFromTimestampRange(tx, f.TimestampFrom, f.TimestampTo)
	}
}

func idsFromIndex(tx *nutsdb.Tx, bucket string, prefix []byte) ([]uint64, error) {
	entries, err := tx.PrefixScan(bucket, prefix, 0, MaxLimit)
	if err != nil {
		if err == nutsdb.ErrBucketEmpty || err == nutsdb.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, decodeUint64(e.Value))
	}
	return ids, nil
}

func idsFromTimestampRange(tx *nutsdb.Tx, from, to time.Time) ([]uint64, error) {
	start := beUint64(0)
	end := beUint64(^uint64(0))
	if !from.IsZero() {
		start = beUint64(uint64(from.UnixNano()))
	}
	if !to.IsZero() {
		end = beUint64(uint64(to.UnixNano()))
	}
	// byTimestampKey appends the message id after the timestamp, so the
	// upper bound must cover every id at the boundary timestamp too.
	end = append(append([]byte{}, end...), beUint64(^uint64(0))...)

	entries, err := tx.RangeScan(bucketMsgByTimestamp, start, end)
	if err != nil {
		if err == nutsdb.ErrBucketEmpty || err == nutsdb.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, decodeUint64(e.Value))
	}
	return ids, nil
}

func matchesFilter(msg model.Message, f MessageFilter, remoteSet map[string]bool) bool {
	if f.ConnectionID != "" && msg.ConnectionID != f.ConnectionID {
		return false
	}
	if f.StreamKind != "" && msg.StreamKind != f.StreamKind {
		return false
	}
	if f.MessageKind != "" && string(msg.Kind) != f.MessageKind {
		return false
	}
	if remoteSet != nil && !remoteSet[msg.ConnectionID] {
		return false
	}
	if !f.TimestampFrom.IsZero() && msg.Timestamp.Before(f.TimestampFrom) {
		return false
	}
	if !f.TimestampTo.IsZero() && msg.Timestamp.After(f.TimestampTo) {
		return false
	}
	return true
}

func (s *Store) connectionIDsByRemoteAddr(addr string) (map[string]bool, error) {
	set := make(map[string]bool)
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(bucketConnections)
		if err != nil {
			if err == nutsdb.ErrBucketEmpty {
				return nil
			}
			return err
		}
		for _, e := range entries {
			var conn model.Connection
			if err := json.Unmarshal(e.Value, &conn); err != nil {
				continue
			}
			if conn.RemoteAddr == addr {
				set[conn.ID] = true
			}
		}
		return nil
	})
	return set, err
}

// MessageByID returns one message with its full body resolved (reading
// the blob sidecar if the body was spilled there).
func (s *Store) MessageByID(id uint64) (model.Message, error) {
	var msg model.Message
	err := s.db.View(func(tx *nutsdb.Tx) error {
		e, err := tx.Get(bucketMessages, messageKey(id))
		if err != nil {
			if err == nutsdb.ErrKeyNotFound {
				return model.ErrNotFound
			}
			return err
		}
		return json.Unmarshal(e.Value, &msg)
	})
	if err != nil {
		if err == model.ErrNotFound {
			return model.Message{}, err
		}
		return model.Message{}, fmt.Errorf("%w: get message %d: %v", model.ErrStoreIO, id, err)
	}

	if msg.BlobRef != nil {
		body, err := s.blobs.Read(*msg.BlobRef)
		if err != nil {
			return model.Message{}, fmt.Errorf("%w: read message body: %v", model.ErrStoreIO, err)
		}
		msg.Body = body
	}
	return msg, nil
}

// BlocksAtHeight returns every block record observed at height.
func (s *Store) BlocksAtHeight(height uint64) ([]model.BlockRecord, error) {
	var out []model.BlockRecord
	err := s.db.View(func(tx *nutsdb.Tx) error {
		prefix := concatKey(beUint64(height), []byte{0})
		entries, err := tx.PrefixScan(bucketBlocks, prefix, 0, MaxLimit)
		if err != nil {
			if err == nutsdb.ErrBucketEmpty || err == nutsdb.ErrKeyNotFound {
				return nil
			}
			return err
		}
		for _, e := range entries {
			var rec model.BlockRecord
			if err := json.Unmarshal(e.Value, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: blocks at height %d: %v", model.ErrStoreIO, height, err)
	}
	return out, nil
}

// BlockByHash scans every block record for the one whose hash matches.
func (s *Store) BlockByHash(hash string) (model.BlockRecord, error) {
	var found model.BlockRecord
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(bucketBlocks)
		if err != nil {
			if err == nutsdb.ErrBucketEmpty {
				return model.ErrNotFound
			}
			return err
		}
		for _, e := range entries {
			var rec model.BlockRecord
			if err := json.Unmarshal(e.Value, &rec); err != nil {
				continue
			}
			if rec.Hash == hash {
				found = rec
				return nil
			}
		}
		return model.ErrNotFound
	})
	if err != nil {
		if err == model.ErrNotFound {
			return model.BlockRecord{}, err
		}
		return model.BlockRecord{}, fmt.Errorf("%w: block by hash: %v", model.ErrStoreIO, err)
	}
	return found, nil
}

// IPCEventsAtHeight answers GET /libp2p_ipc?height=.
func (s *Store) IPCEventsAtHeight(height uint64) ([]model.IPCEvent, error) {
	var out []model.IPCEvent
	err := s.db.View(func(tx *nutsdb.Tx) error {
		prefix := beUint64(height)
		entries, err := tx.PrefixScan(bucketIPCByHeight, prefix, 0, MaxLimit)
		if err != nil {
			if err == nutsdb.ErrBucketEmpty || err == nutsdb.ErrKeyNotFound {
				return nil
			}
			return err
		}
		for _, e := range entries {
			seq := decodeUint64(e.Value)
			me, err := tx.Get(bucketIPCEvents, ipcEventKey(seq))
			if err != nil {
				continue
			}
			var ev model.IPCEvent
			if err := json.Unmarshal(me.Value, &ev); err != nil {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ipc events at height %d: %v", model.ErrStoreIO, height, err)
	}
	return out, nil
}

// Summary is the aggregate counters the aggregator sink (C8) POSTs
// upstream (spec.md §4.8).
type Summary struct {
	ConnectionCount int
	MessageCount    uint64
	RecentBlocks    []model.BlockRecord
}

// Summary computes the counters and recent block observations the
// aggregator needs, reading the store's own tables rather than
// duplicating counters elsewhere (spec.md §4.8 "reads aggregate
// statistics from C6").
func (s *Store) Summary(recentBlocks int) (Summary, error) {
	var sum Summary
	err := s.db.View(func(tx *nutsdb.Tx) error {
		conns, err := tx.GetAll(bucketConnections)
		if err != nil && err != nutsdb.ErrBucketEmpty {
			return err
		}
		sum.ConnectionCount = len(conns)

		blocks, err := tx.GetAll(bucketBlocks)
		if err != nil && err != nutsdb.ErrBucketEmpty {
			return err
		}
		var all []model.BlockRecord
		for _, e := range blocks {
			var rec model.BlockRecord
			if err := json.Unmarshal(e.Value, &rec); err == nil {
				all = append(all, rec)
			}
		}
		for i := 1; i < len(all); i++ {
			for j := i; j > 0 && all[j-1].Height > all[j].Height; j-- {
				all[j-1], all[j] = all[j], all[j-1]
			}
		}
		if len(all) > recentBlocks {
			all = all[len(all)-recentBlocks:]
		}
		sum.RecentBlocks = all
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("%w: summary: %v", model.ErrStoreIO, err)
	}
	sum.MessageCount = s.nextMsgID.Load()
	return sum, nil
}
