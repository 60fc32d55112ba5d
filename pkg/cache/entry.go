package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bookkeeper/pkg/types"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/zap"
)

// Entry is the cache state of one version of one file.
//
// mu guards the bitmap and the in-flight table. ioMu guards the file
// handle: writers hold it shared, and replacing or closing the file holds
// it exclusively so no write lands after the entry is abandoned.
type Entry struct {
	key   types.CacheKey
	local string
	disk  int
	store *Store

	mu       sync.Mutex
	present  *roaring.Bitmap
	inflight map[uint32]chan struct{}

	ioMu      sync.RWMutex
	file      *os.File
	restored  bool
	abandoned bool
	// prev is the replaced version of the same file. Its writes are fenced
	// before this entry touches the local file.
	prev *Entry

	persistMu sync.Mutex
}

func (e *Entry) numBlocks() int64 {
	return e.store.NumBlocks(e.key.FileLength)
}

// clampBlocks cuts [first, last) to the blocks of the file.
func (e *Entry) clampBlocks(first, last int64) (int64, int64) {
	n := e.numBlocks()
	if last > n {
		last = n
	}
	if first > last {
		first = last
	}
	return first, last
}

// blockSpan returns the blocks [first, last) overlapping [start, end)
// after clamping to the file.
func (e *Entry) blockSpan(start, end int64) (uint32, uint32) {
	if start < 0 {
		start = 0
	}
	if end > e.key.FileLength {
		end = e.key.FileLength
	}
	if start >= end {
		return 0, 0
	}
	bs := e.store.blockSize
	return uint32(start / bs), uint32((end + bs - 1) / bs)
}

// mergeBlocks turns ordered block numbers into byte ranges.
func (e *Entry) mergeBlocks(blocks []uint32) []types.BlockRange {
	bs := e.store.blockSize
	var ranges []types.BlockRange
	for i := 0; i < len(blocks); {
		j := i + 1
		for j < len(blocks) && blocks[j] == blocks[j-1]+1 {
			j++
		}
		end := (int64(blocks[j-1]) + 1) * bs
		if end > e.key.FileLength {
			end = e.key.FileLength
		}
		ranges = append(ranges, types.BlockRange{Start: int64(blocks[i]) * bs, End: end})
		i = j
	}
	return ranges
}

// mark sets the blocks completely covered by [start, end) and persists the
// bitmap. The final partial block counts as covered when end reaches the
// file length. Callers hold ioMu shared.
func (e *Entry) mark(start, end int64) error {
	bs := e.store.blockSize
	if start < 0 {
		start = 0
	}
	first := (start + bs - 1) / bs
	last := end / bs
	if end >= e.key.FileLength {
		last = e.numBlocks()
	}
	if first >= last {
		return nil
	}

	e.mu.Lock()
	e.present.AddRange(uint64(first), uint64(last))
	e.mu.Unlock()

	return e.persist()
}

func (e *Entry) persist() error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	snapshot := e.present.Clone()
	e.mu.Unlock()

	j, err := e.store.journal(e.disk)
	if err != nil {
		return err
	}
	return j.put(e.key.BackendPath, record{
		fileLength:   e.key.FileLength,
		lastModified: e.key.LastModified,
		present:      snapshot,
	})
}

// open prepares the local sparse file on first write.
func (e *Entry) open() error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.abandoned {
		return ErrStaleCacheKey
	}
	if e.file != nil {
		return nil
	}
	if e.prev != nil {
		e.prev.abandon()
		e.prev = nil
	}

	logger := e.store.logger
	if e.restored {
		f, err := os.OpenFile(e.local, os.O_RDWR, 0)
		if err == nil {
			e.file = f
			return nil
		}
		logger.Warn("Restored cache file vanished, starting over", zap.String("local", e.local), zap.Error(err))
		e.mu.Lock()
		e.present = roaring.New()
		e.mu.Unlock()
		e.restored = false
	}

	// The old record must be gone before the file is recreated, or a restart
	// could restore its bits over the new holes.
	j, err := e.store.journal(e.disk)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if err := j.delete(e.key.BackendPath); err != nil {
		return fmt.Errorf("failed to drop stale journal record: %w", err)
	}

	if err := os.Remove(e.local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old cache file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.local), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	f, err := os.OpenFile(e.local, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := f.Truncate(e.key.FileLength); err != nil {
		f.Close()
		return fmt.Errorf("failed to size cache file: %w", err)
	}

	e.file = f
	logger.Debug("Created cache file", zap.String("local", e.local), zap.Int64("length", e.key.FileLength))
	return nil
}

// writeAt stores data at off, syncs it and marks the covered blocks.
func (e *Entry) writeAt(off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > e.key.FileLength {
		return fmt.Errorf("write [%d, %d) outside file of length %d", off, off+int64(len(data)), e.key.FileLength)
	}
	if err := e.open(); err != nil {
		return err
	}

	e.ioMu.RLock()
	defer e.ioMu.RUnlock()
	if e.abandoned {
		return ErrStaleCacheKey
	}

	if _, err := e.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	return e.mark(off, off+int64(len(data)))
}

// abandon fences all further writes and closes the file. It waits for
// writes in progress.
func (e *Entry) abandon() {
	e.ioMu.Lock()
	e.abandoned = true
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	prev := e.prev
	e.prev = nil
	e.ioMu.Unlock()

	if prev != nil {
		prev.abandon()
	}
}

func (e *Entry) cachedBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := int64(e.present.GetCardinality()) * e.store.blockSize
	last := e.numBlocks() - 1
	if last >= 0 && e.present.Contains(uint32(last)) {
		n -= e.numBlocks()*e.store.blockSize - e.key.FileLength
	}
	return n
}

// Claim is a reservation of blocks for one fetch. Ranges are the byte
// ranges the holder must fetch.
type Claim struct {
	Ranges []types.BlockRange

	entry    *Entry
	blocks   []uint32
	waits    []chan struct{}
	done     chan struct{}
	released bool
}

func (c *Claim) Key() types.CacheKey {
	return c.entry.key
}

// Waits are closed when the fetches of other claims finish.
func (c *Claim) Waits() []<-chan struct{} {
	out := make([]<-chan struct{}, len(c.waits))
	for i, ch := range c.waits {
		out[i] = ch
	}
	return out
}

// Write stores fetched bytes at their original offset and marks the
// blocks they complete.
func (c *Claim) Write(off int64, data []byte) error {
	return c.entry.writeAt(off, data)
}
