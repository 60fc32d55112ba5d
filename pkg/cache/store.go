// Package cache keeps track of which blocks of remote files are present in
// the local sparse cache files, and arbitrates concurrent fetches of the
// same blocks.
package cache

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"bookkeeper/pkg/types"
	"bookkeeper/pkg/utils"

	"github.com/RoaringBitmap/roaring"
	"github.com/creachadair/cityhash"
	"go.uber.org/zap"
)

var (
	// ErrStaleCacheKey is returned for writes to an entry that has been
	// replaced by a newer version of the same file.
	ErrStaleCacheKey = errors.New("cache entry replaced by a newer file version")
	ErrStoreClosed   = errors.New("cache store is closed")
	ErrInvalidKey    = errors.New("invalid cache key")
)

type Options struct {
	BlockSize int64
	MaxDisks  int
	// DiskDir returns the cache root of disk i.
	DiskDir func(i int) string
	Logger  *zap.Logger
}

// Store is the cache metadata of one worker. Entries are created on first
// use and restored from the per-disk journal when their local file is
// still intact.
type Store struct {
	blockSize int64
	maxDisks  int
	diskDir   func(int) string
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	jmu      sync.Mutex
	journals map[int]*journal
}

func NewStore(opts Options) (*Store, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", opts.BlockSize)
	}
	if opts.MaxDisks <= 0 {
		return nil, fmt.Errorf("max disks must be positive, got %d", opts.MaxDisks)
	}
	if opts.DiskDir == nil {
		return nil, fmt.Errorf("disk directory function is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Store{
		blockSize: opts.BlockSize,
		maxDisks:  opts.MaxDisks,
		diskDir:   opts.DiskDir,
		logger:    opts.Logger,
		entries:   make(map[string]*Entry),
		journals:  make(map[int]*journal),
	}, nil
}

func (s *Store) BlockSize() int64 {
	return s.blockSize
}

// DiskIndex places a backend path on one of maxDisks disks.
func DiskIndex(backendPath string, maxDisks int) int {
	return int(cityhash.Hash64([]byte(backendPath)) % uint64(maxDisks))
}

// DiskPathFor returns the local sparse file caching key.
func (s *Store) DiskPathFor(key types.CacheKey) string {
	return s.localPath(key.BackendPath)
}

func (s *Store) localPath(backendPath string) string {
	host, p := "local", backendPath
	if u, err := url.Parse(backendPath); err == nil && u.Scheme != "" {
		if u.Host != "" {
			host = u.Host
		}
		p = u.Path
	}
	disk := s.diskDir(DiskIndex(backendPath, s.maxDisks))
	return filepath.Join(disk, filepath.Clean("/"+host+"/"+p))
}

func (s *Store) journal(disk int) (*journal, error) {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	if j, ok := s.journals[disk]; ok {
		return j, nil
	}
	j, err := openJournal(s.diskDir(disk))
	if err != nil {
		return nil, err
	}
	s.journals[disk] = j
	return j, nil
}

// entry returns the current entry for key. A key whose length or
// modification time differs from the known entry replaces it.
func (s *Store) entry(key types.CacheKey) (*Entry, error) {
	if key.BackendPath == "" || key.FileLength < 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidKey, key)
	}
	// Block numbers are 32-bit bitmap indices.
	if s.NumBlocks(key.FileLength) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s spans more than %d blocks of %d bytes", ErrInvalidKey, key, uint32(math.MaxUint32), s.blockSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	cur := s.entries[key.BackendPath]
	if cur != nil && cur.key == key {
		return cur, nil
	}

	e := &Entry{
		key:      key,
		local:    s.localPath(key.BackendPath),
		disk:     DiskIndex(key.BackendPath, s.maxDisks),
		store:    s,
		present:  roaring.New(),
		inflight: make(map[uint32]chan struct{}),
	}
	if cur != nil {
		s.logger.Info("File changed, discarding cached blocks",
			zap.String("path", key.BackendPath),
			zap.Int64("old_length", cur.key.FileLength),
			zap.Int64("new_length", key.FileLength),
			zap.Int64("old_last_modified", cur.key.LastModified),
			zap.Int64("new_last_modified", key.LastModified))
		e.prev = cur
	} else {
		s.restore(e)
	}
	s.entries[key.BackendPath] = e
	return e, nil
}

func (s *Store) restore(e *Entry) {
	j, err := s.journal(e.disk)
	if err != nil {
		s.logger.Warn("Journal unavailable, entry starts empty", zap.Int("disk", e.disk), zap.Error(err))
		return
	}

	r, found, err := j.get(e.key.BackendPath)
	if err != nil {
		s.logger.Warn("Discarding unreadable journal record", zap.String("path", e.key.BackendPath), zap.Error(err))
		return
	}
	if !found || r.fileLength != e.key.FileLength || r.lastModified != e.key.LastModified {
		return
	}

	info, err := os.Stat(e.local)
	if err != nil || info.Size() != e.key.FileLength {
		s.logger.Debug("Local file missing or resized, entry starts empty", zap.String("local", e.local))
		return
	}

	e.present = r.present
	e.restored = true
	s.logger.Debug("Restored cache entry",
		zap.String("path", e.key.BackendPath),
		zap.Uint64("blocks", r.present.GetCardinality()))
}

// GetMissingRanges returns the byte ranges of blocks overlapping
// [start, end) that are not cached. Ranges are block aligned, merged and
// ordered; the last one ends at the file length at most.
func (s *Store) GetMissingRanges(key types.CacheKey, start, end int64) ([]types.BlockRange, error) {
	e, err := s.entry(key)
	if err != nil {
		return nil, err
	}
	first, last := e.blockSpan(start, end)

	e.mu.Lock()
	defer e.mu.Unlock()

	var missing []uint32
	for b := first; b < last; b++ {
		if !e.present.Contains(b) {
			missing = append(missing, b)
		}
	}
	return e.mergeBlocks(missing), nil
}

// BlockStatus reports presence of blocks [startBlock, endBlock). The range
// is cut at the last block of the file, so the result may be shorter than
// requested.
func (s *Store) BlockStatus(key types.CacheKey, startBlock, endBlock int64) ([]bool, error) {
	if startBlock < 0 || endBlock < startBlock {
		return nil, fmt.Errorf("invalid block range [%d, %d)", startBlock, endBlock)
	}
	e, err := s.entry(key)
	if err != nil {
		return nil, err
	}
	startBlock, endBlock = e.clampBlocks(startBlock, endBlock)

	e.mu.Lock()
	defer e.mu.Unlock()

	status := make([]bool, endBlock-startBlock)
	for i := range status {
		status[i] = e.present.Contains(uint32(startBlock + int64(i)))
	}
	return status, nil
}

// NumBlocks is the number of blocks a file of length bytes spans.
func (s *Store) NumBlocks(length int64) int64 {
	n := length / s.blockSize
	if length%s.blockSize != 0 {
		n++
	}
	return n
}

// MarkPresent records the blocks fully covered by r as cached. The bytes
// must already be durable in the local file.
func (s *Store) MarkPresent(key types.CacheKey, r types.BlockRange) error {
	e, err := s.entry(key)
	if err != nil {
		return err
	}

	e.ioMu.RLock()
	defer e.ioMu.RUnlock()
	if e.abandoned {
		return ErrStaleCacheKey
	}
	return e.mark(r.Start, r.End)
}

// Claim reserves the missing blocks of [start, end) that no other claim
// is fetching. Blocks being fetched elsewhere are exposed as wait channels;
// after they close the caller must look at the bitmap again since the
// other fetch may have failed. Every claim must be released.
func (s *Store) Claim(key types.CacheKey, start, end int64) (*Claim, error) {
	e, err := s.entry(key)
	if err != nil {
		return nil, err
	}
	first, last := e.blockSpan(start, end)

	c := &Claim{entry: e, done: make(chan struct{})}
	seen := make(map[chan struct{}]bool)

	e.mu.Lock()
	for b := first; b < last; b++ {
		if e.present.Contains(b) {
			continue
		}
		if ch, ok := e.inflight[b]; ok {
			if !seen[ch] {
				seen[ch] = true
				c.waits = append(c.waits, ch)
			}
			continue
		}
		e.inflight[b] = c.done
		c.blocks = append(c.blocks, b)
	}
	c.Ranges = e.mergeBlocks(c.blocks)
	e.mu.Unlock()

	return c, nil
}

// Release ends the claim and wakes everyone waiting on its blocks.
func (s *Store) Release(c *Claim) {
	e := c.entry
	e.mu.Lock()
	if c.released {
		e.mu.Unlock()
		return
	}
	c.released = true
	for _, b := range c.blocks {
		if e.inflight[b] == c.done {
			delete(e.inflight, b)
		}
	}
	e.mu.Unlock()
	close(c.done)
}

// ReadAt reads cached bytes of key from its local file. It does not check
// that the blocks are present.
func (s *Store) ReadAt(key types.CacheKey, p []byte, off int64) (int, error) {
	f, err := os.Open(s.DiskPathFor(key))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// Invalidate drops everything cached for backendPath.
func (s *Store) Invalidate(backendPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[backendPath]; ok {
		delete(s.entries, backendPath)
		e.abandon()
	}

	local := s.localPath(backendPath)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", local, err)
	}
	j, err := s.journal(DiskIndex(backendPath, s.maxDisks))
	if err != nil {
		return err
	}
	return j.delete(backendPath)
}

// CachedBytes is the number of file bytes currently marked present.
func (s *Store) CachedBytes() int64 {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var total int64
	for _, e := range entries {
		total += e.cachedBytes()
	}
	return total
}

// DiskUsage is the space allocated on all cache disks, journals included.
func (s *Store) DiskUsage() (int64, error) {
	var total int64
	for i := 0; i < s.maxDisks; i++ {
		n, err := utils.DiskUsage(s.diskDir(i))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// VerifyFiles checks that every journaled entry still has a local file of
// the recorded length.
func (s *Store) VerifyFiles() (int, error) {
	checked := 0
	for i := 0; i < s.maxDisks; i++ {
		j, err := s.journal(i)
		if err != nil {
			return checked, err
		}
		err = j.forEach(func(path string, r record, err error) error {
			if err != nil {
				return fmt.Errorf("corrupt journal record for %s: %w", path, err)
			}
			info, err := os.Stat(s.localPath(path))
			if err != nil {
				return fmt.Errorf("cache file for %s: %w", path, err)
			}
			if info.Size() != r.fileLength {
				return fmt.Errorf("cache file for %s has length %d, expected %d", path, info.Size(), r.fileLength)
			}
			checked++
			return nil
		})
		if err != nil {
			return checked, err
		}
	}
	return checked, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, e := range s.entries {
		e.abandon()
	}
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	s.jmu.Lock()
	defer s.jmu.Unlock()
	var errs []error
	for disk, j := range s.journals {
		if err := j.close(); err != nil {
			errs = append(errs, fmt.Errorf("disk %d: %w", disk, err))
		}
	}
	s.journals = make(map[int]*journal)
	return errors.Join(errs...)
}
