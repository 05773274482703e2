package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tcehjaava/nbd-server/objstore"
)

// Store is the subset of objstore.Client the engine depends on: plain
// (unconditional) get/put of block objects. Conditional writes belong to
// the lease manager, not block data.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Engine is a per-session block storage handle bound to one export. It
// must never be shared across sessions: the dirty buffer is session-local
// by design (spec §9), and cross-session exclusion is the lease
// manager's job, not the engine's.
type Engine struct {
	store            Store
	export           string
	exportSize       uint64
	flushParallelism int64

	mu    sync.RWMutex
	dirty map[uint64][]byte // block index -> full BlockSize buffer

	// known tracks, independently of the dirty-buffer lock, whether an S3
	// object is known to exist for a block. It has its own mutex because
	// fetchBlock records into it from goroutines spawned under Read's
	// e.mu.RLock(); locking e.mu there would deadlock against any
	// concurrent Write waiting on e.mu.Lock().
	knownMu sync.Mutex
	known   map[uint64]bool
}

// New constructs an Engine bound to export, which is exportSize bytes
// long. flushParallelism bounds the number of concurrent PUTs a Flush
// issues.
func New(store Store, export string, exportSize uint64, flushParallelism int) *Engine {
	if flushParallelism <= 0 {
		flushParallelism = 10
	}
	return &Engine{
		store:            store,
		export:           export,
		exportSize:       exportSize,
		flushParallelism: int64(flushParallelism),
		dirty:            make(map[uint64][]byte),
		known:            make(map[uint64]bool),
	}
}

// span describes the blocks a [offset, offset+length) range touches and,
// for each, the sub-range within the block.
type span struct {
	index  uint64
	lo, hi uint64 // byte range within the block, [lo, hi)
}

func blockSpans(offset, length uint64) []span {
	if length == 0 {
		return nil
	}
	first := blockIndex(offset)
	last := blockIndex(offset + length - 1)
	spans := make([]span, 0, last-first+1)
	for i := first; i <= last; i++ {
		blockStart := i * BlockSize
		lo := uint64(0)
		if offset > blockStart {
			lo = offset - blockStart
		}
		hi := uint64(BlockSize)
		if offset+length < blockStart+BlockSize {
			hi = offset + length - blockStart
		}
		spans = append(spans, span{index: i, lo: lo, hi: hi})
	}
	return spans
}

func (e *Engine) checkRange(offset, length uint64) error {
	if offset+length > e.exportSize || offset+length < offset {
		return &RangeError{Offset: offset, Length: length, ExportSize: e.exportSize}
	}
	return nil
}

// Read returns length bytes starting at offset. Dirty-buffer contents
// always take priority over S3, giving read-your-writes consistency
// within the session.
func (e *Engine) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if err := e.checkRange(offset, length); err != nil {
		return nil, err
	}
	spans := blockSpans(offset, length)

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]byte, length)
	filled := make([][]byte, len(spans))

	sem := semaphore.NewWeighted(e.flushParallelism)
	var wg sync.WaitGroup
	errs := make([]error, len(spans))
	for idx, s := range spans {
		if buf, ok := e.dirty[s.index]; ok {
			filled[idx] = append([]byte(nil), buf[s.lo:s.hi]...)
			continue
		}
		idx, s := idx, s
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			block, err := e.fetchBlock(ctx, s.index)
			if err != nil {
				errs[idx] = err
				return
			}
			filled[idx] = append([]byte(nil), block[s.lo:s.hi]...)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	pos := 0
	for _, b := range filled {
		pos += copy(out[pos:], b)
	}
	return out, nil
}

// fetchBlock returns the durable contents of block i: the stored object,
// or BlockSize zero bytes if none exists. It also records whether the
// object is known to exist, for the sparse-write optimization in Flush.
func (e *Engine) fetchBlock(ctx context.Context, i uint64) ([]byte, error) {
	data, err := e.store.Get(ctx, blockKey(e.export, i))
	if errors.Is(err, objstore.ErrNotFound) {
		e.knownMu.Lock()
		e.known[i] = false
		e.knownMu.Unlock()
		return make([]byte, BlockSize), nil
	}
	if err != nil {
		return nil, err
	}
	e.knownMu.Lock()
	e.known[i] = true
	e.knownMu.Unlock()
	return data, nil
}

// Write buffers data at offset; it never writes to S3 (a partial-block
// write may first read the block's current contents from S3). The write
// is only visible to S3 (and other sessions) after a Flush.
func (e *Engine) Write(ctx context.Context, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	length := uint64(len(data))
	if err := e.checkRange(offset, length); err != nil {
		return err
	}
	spans := blockSpans(offset, length)

	e.mu.Lock()
	defer e.mu.Unlock()

	pos := uint64(0)
	for _, s := range spans {
		chunk := data[pos : pos+(s.hi-s.lo)]
		pos += s.hi - s.lo

		if s.lo == 0 && s.hi == BlockSize {
			buf := make([]byte, BlockSize)
			copy(buf, chunk)
			e.dirty[s.index] = buf
			continue
		}
		buf, ok := e.dirty[s.index]
		if !ok {
			fetched, err := e.fetchBlockLocked(ctx, s.index)
			if err != nil {
				return err
			}
			buf = fetched
			e.dirty[s.index] = buf
		}
		copy(buf[s.lo:s.hi], chunk)
	}
	return nil
}

// fetchBlockLocked is fetchBlock's body for callers that already hold
// e.mu exclusively (Write's partial-block read-modify-write path); it
// must not re-acquire e.mu, but still goes through knownMu like every
// other known-map access.
func (e *Engine) fetchBlockLocked(ctx context.Context, i uint64) ([]byte, error) {
	data, err := e.store.Get(ctx, blockKey(e.export, i))
	if errors.Is(err, objstore.ErrNotFound) {
		e.knownMu.Lock()
		e.known[i] = false
		e.knownMu.Unlock()
		return make([]byte, BlockSize), nil
	}
	if err != nil {
		return nil, err
	}
	e.knownMu.Lock()
	e.known[i] = true
	e.knownMu.Unlock()
	buf := make([]byte, BlockSize)
	copy(buf, data)
	return buf, nil
}

// Flush durably persists every block dirty at the moment Flush is
// called. Writes that arrive while the upload is in flight remain
// buffered for the next Flush (or are dropped on disconnect, matching
// NBD's "flush is the only durability barrier" semantics).
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	snapshot := e.dirty
	e.dirty = make(map[uint64][]byte)
	e.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	type result struct {
		index    uint64
		uploaded bool
		err      error
	}
	results := make([]result, 0, len(snapshot))
	var resultsMu sync.Mutex

	sem := semaphore.NewWeighted(e.flushParallelism)
	var wg sync.WaitGroup
	for index, data := range snapshot {
		index, data := index, data
		if err := sem.Acquire(ctx, 1); err != nil {
			resultsMu.Lock()
			results = append(results, result{index: index, err: err})
			resultsMu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			uploaded, err := e.persistBlock(ctx, index, data)
			resultsMu.Lock()
			results = append(results, result{index: index, uploaded: uploaded, err: err})
			resultsMu.Unlock()
		}()
	}
	wg.Wait()

	var firstErr error
	failed := make(map[uint64][]byte)
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			failed[r.index] = snapshot[r.index]
		}
	}
	if len(failed) > 0 {
		e.mu.Lock()
		for index, data := range failed {
			// A write racing the flush wins: don't clobber a newer dirty
			// entry with the stale snapshot we failed to persist.
			if _, overwritten := e.dirty[index]; !overwritten {
				e.dirty[index] = data
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("blockstore: flush failed for %d block(s): %w", len(failed), firstErr)
	}
	return nil
}

// persistBlock uploads one block, applying the sparse-write
// optimization: an all-zero block whose object is not known to exist is
// skipped rather than uploaded, since a missing object already reads
// back as zeros.
func (e *Engine) persistBlock(ctx context.Context, index uint64, data []byte) (uploaded bool, err error) {
	e.knownMu.Lock()
	known := e.known[index]
	e.knownMu.Unlock()

	if !known && isAllZero(data) {
		return false, nil
	}
	if err := e.store.Put(ctx, blockKey(e.export, index), data); err != nil {
		return false, err
	}
	e.knownMu.Lock()
	e.known[index] = true
	e.knownMu.Unlock()
	return true, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
