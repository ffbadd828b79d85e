package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// maxSegmentSize bounds how large a single blob segment file grows before
// the writer rotates to a new one, keeping any one fd's write position
// cheap to seek past on open.
const maxSegmentSize = 64 << 20 // 64 MiB

// blobStore appends oversized message bodies to `db/blobs/segment-NNNNN.bin`
// files (spec.md §6 "Persisted layout") and serves them back by
// (segment, offset, length). It never rewrites a byte once written:
// segments are pure append logs, matching the store's append-only
// invariant (spec.md §3 inv. 6).
type blobStore struct {
	mu      sync.Mutex
	dir     string
	segment uint32
	f       *os.File
	offset  uint64
}

func openBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create blob dir: %w", err)
	}

	bs := &blobStore{dir: dir}
	if err := bs.openSegment(0); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *blobStore) openSegment(id uint32) error {
	path := filepath.Join(bs.dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open blob segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("store: stat blob segment %d: %w", id, err)
	}
	bs.f = f
	bs.segment = id
	bs.offset = uint64(info.Size())
	return nil
}

func segmentName(id uint32) string {
	return fmt.Sprintf("segment-%05d.bin", id)
}

// Append writes data to the current segment, rotating first if it would
// overflow maxSegmentSize, and returns a BlobRef locating it.
func (bs *blobStore) Append(data []byte) (model.BlobRef, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.offset+uint64(len(data)) > maxSegmentSize && bs.offset > 0 {
		bs.f.Close()
		if err := bs.openSegment(bs.segment + 1); err != nil {
			return model.BlobRef{}, err
		}
	}

	n, err := bs.f.Write(data)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("store: append blob: %w", err)
	}
	ref := model.BlobRef{Segment: bs.segment, Offset: bs.offset, Length: uint32(n)}
	bs.offset += uint64(n)
	return ref, nil
}

// Read returns the bytes at ref, opening its segment read-only; the
// current write segment's fd is never used for a concurrent read.
func (bs *blobStore) Read(ref model.BlobRef) ([]byte, error) {
	path := filepath.Join(bs.dir, segmentName(ref.Segment))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open blob segment %d: %w", ref.Segment, err)
	}
	defer f.Close()

	buf := make([]byte, ref.Length)
	if _, err := f.ReadAt(buf, int64(ref.Offset)); err != nil {
		return nil, fmt.Errorf("store: read blob (segment %d, offset %d, len %d): %w", ref.Segment, ref.Offset, ref.Length, err)
	}
	return buf, nil
}

func (bs *blobStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.f.Close()
}
