// Package ringbuf consumes the kernel probe's lock-free single-producer/
// single-consumer ring buffer and decodes it into RawEvent values.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/openmina/mina-network-debugger/internal/metrics"
	"github.com/openmina/mina-network-debugger/internal/model"
)

// recordHeaderLen is the fixed prefix of every ring record:
// u16 len | u16 kind | u64 ts | u32 pid | u32 fd | u32 seq, followed by
// `len` payload bytes.
const recordHeaderLen = 2 + 2 + 8 + 4 + 4 + 4

// eventBacklog bounds how far the consumer may lag behind the kernel
// producer before new records are dropped rather than blocking the drain
// loop. The ring itself is never allowed to apply backpressure to the
// kernel; only this in-process channel can.
const eventBacklog = 8192

// Reader drains a single ring buffer map on one dedicated goroutine.
type Reader struct {
	ring     *ringbuf.Reader
	events   chan model.RawEvent
	dataLoss chan model.DataLossMarker
	dropped  uint64
}

// NewReader opens a ring buffer reader over eventsMap, which must be the
// BPF_MAP_TYPE_RINGBUF map populated by the attached probe (see
// internal/probe).
func NewReader(eventsMap *ebpf.Map) (*Reader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("ringbuf: remove memlock: %w", err)
	}

	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open reader: %w", err)
	}

	return &Reader{
		ring:     rd,
		events:   make(chan model.RawEvent, eventBacklog),
		dataLoss: make(chan model.DataLossMarker, 64),
	}, nil
}

// Events returns the channel of decoded events. Closed by Close.
func (r *Reader) Events() <-chan model.RawEvent { return r.events }

// DataLoss returns the channel of overflow markers.
func (r *Reader) DataLoss() <-chan model.DataLossMarker { return r.dataLoss }

// Dropped returns the number of events dropped because Events() was full.
// Safe to call concurrently with Start's goroutine; the count may be
// slightly stale.
func (r *Reader) Dropped() uint64 { return r.dropped }

// Close unblocks any in-flight Read and releases the underlying map fd.
func (r *Reader) Close() error {
	close(r.events)
	close(r.dataLoss)
	return r.ring.Close()
}

// Start runs the drain loop until the reader is closed. It must run on its
// own goroutine; it never blocks on downstream consumers for longer than
// filling eventBacklog, so a stalled demultiplexer cannot stall capture.
func (r *Reader) Start() {
	slog.Info("ringbuf: drain loop started")

	for {
		record, err := r.ring.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				slog.Info("ringbuf: drain loop stopped")
				return
			}
			slog.Warn("ringbuf: read error", "error", err)
			continue
		}

		ev, ok := decode(record.RawSample)
		if !ok {
			slog.Warn("ringbuf: malformed record, dropping", "len", len(record.RawSample))
			continue
		}

		if ev.Kind == model.EventOverflow {
			r.emitDataLoss(ev)
			continue
		}

		select {
		case r.events <- ev:
		default:
			r.dropped++
			r.emitDataLoss(ev)
		}
	}
}

func (r *Reader) emitDataLoss(ev model.RawEvent) {
	metrics.RingEventsDropped.Inc()

	marker := model.DataLossMarker{
		PID:        ev.PID,
		FD:         ev.FD,
		At:         time.Unix(0, int64(ev.Timestamp)),
		DroppedSeq: ev.Seq,
	}
	switch ev.Kind {
	case model.EventReadSock, model.EventReadPipe:
		marker.Direction = model.DirIn
	case model.EventWriteSock, model.EventWritePipe:
		marker.Direction = model.DirOut
	default:
		// A genuine kernel-side EVT_OVERFLOW record carries no direction
		// of its own; treat it as affecting both sides of the connection.
		marker.Both = true
	}
	select {
	case r.dataLoss <- marker:
	default:
		slog.Warn("ringbuf: data-loss channel full, marker discarded", "pid", ev.PID, "fd", ev.FD)
	}
}

// decode parses one ring record into a RawEvent. Returns ok=false for a
// record shorter than the fixed header or whose declared length overruns
// the sample.
func decode(raw []byte) (model.RawEvent, bool) {
	if len(raw) < recordHeaderLen {
		return model.RawEvent{}, false
	}

	length := binary.LittleEndian.Uint16(raw[0:2])
	kind := binary.LittleEndian.Uint16(raw[2:4])
	ts := binary.LittleEndian.Uint64(raw[4:12])
	pid := binary.LittleEndian.Uint32(raw[12:16])
	fd := binary.LittleEndian.Uint32(raw[16:20])
	seq := binary.LittleEndian.Uint32(raw[20:24])

	payload := raw[recordHeaderLen:]
	if int(length) > len(payload) {
		return model.RawEvent{}, false
	}
	payload = payload[:length]

	body := make([]byte, len(payload))
	copy(body, payload)

	return model.RawEvent{
		Kind:      model.RawEventKind(kind),
		Timestamp: ts,
		PID:       pid,
		FD:        fd,
		Seq:       seq,
		Payload:   body,
	}, true
}
