// Package cache implements a size-bounded, content-addressed file cache
// with LRU eviction and single-flight fetching.
//
// The on-disk directory is the source of truth. The in-memory index is
// rebuilt from it on startup, so entries are written durably (temp file +
// rename) before the index is updated. Two independent instances are used by
// the server: one for package bundles and one for repository index
// documents, each with its own size budget and locking domain.
package cache

import (
	"container/list"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/fsutil"
	"github.com/glorpus-work/qpserver/pkg/hash"
)

const tmpSuffix = ".tmp"

// FileLRU is a bounded directory of files keyed by name, evicting the least
// recently used entry once the configured size is exceeded.
type FileLRU struct {
	name      string
	directory string
	maxSize   int64
	extension string
	verify    bool
	onEvict   func(key string)

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
	total   int64

	flightMu sync.Mutex
	flights  map[string]*flight

	stats Stats
}

type entry struct {
	key  string
	size int64
	pins int
	elem *list.Element
}

type flight struct {
	done chan struct{}
	err  error
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	TotalSize int64
	MaxSize   int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Fetches   uint64
}

// Option configures a FileLRU.
type Option func(*FileLRU)

// WithExtension stores entries with the given file extension.
func WithExtension(ext string) Option {
	return func(c *FileLRU) {
		c.extension = "." + strings.TrimPrefix(ext, ".")
	}
}

// WithContentVerification makes Put verify that the SHA-256 of the content
// matches the entry key. Used by the package cache, where keys are content
// hashes; the repo index cache keys entries by hashed URL instead.
func WithContentVerification() Option {
	return func(c *FileLRU) { c.verify = true }
}

// WithOnEvict registers a callback fired after an entry is evicted or
// removed. Called without the cache lock held.
func WithOnEvict(fn func(key string)) Option {
	return func(c *FileLRU) { c.onEvict = fn }
}

// New creates a cache over directory, rebuilding the index from the files
// already present. Temp files from interrupted writes are discarded; if the
// directory holds more than maxSize bytes, the oldest files are dropped.
func New(name, directory string, maxSize int64, opts ...Option) (*FileLRU, error) {
	if directory == "" {
		return nil, errors.ErrCacheDirectory
	}
	if err := os.MkdirAll(directory, fsutil.DirModePrivate); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %s", directory)
	}

	c := &FileLRU{
		name:      name,
		directory: directory,
		maxSize:   maxSize,
		entries:   make(map[string]*entry),
		order:     list.New(),
		flights:   make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	if strings.Contains(c.extension, tmpSuffix) {
		return nil, errors.Wrapf(errors.ErrConfigValidation, "cache extension %q is reserved", tmpSuffix)
	}

	if err := c.rebuild(); err != nil {
		return nil, err
	}

	logger.Info("Cache initialised", logger.Fields{
		"cache":     c.name,
		"directory": c.directory,
		"entries":   len(c.entries),
		"bytes":     c.total,
		"max_bytes": c.maxSize,
	})
	return c, nil
}

// rebuild scans the directory and reconstructs the index, oldest files
// first so the LRU order reflects modification times.
func (c *FileLRU) rebuild() error {
	dirEntries, err := os.ReadDir(c.directory)
	if err != nil {
		return errors.Wrapf(err, "failed to read cache directory %s", c.directory)
	}

	type scanned struct {
		key   string
		size  int64
		mtime time.Time
		path  string
	}
	var files []scanned

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.directory, de.Name())
		// os.CreateTemp appends its random suffix after the .tmp marker, so
		// leftovers from interrupted writes match on Contains, not HasSuffix.
		// Files without the cache extension are dropped too: their key could
		// never map back to the on-disk name, which would break eviction.
		if strings.Contains(de.Name(), tmpSuffix) || !strings.HasSuffix(de.Name(), c.extension) {
			_ = os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(de.Name(), c.extension)
		files = append(files, scanned{key: key, size: info.Size(), mtime: info.ModTime(), path: path})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	// The key is trusted from the filename, but spot-verify the first file
	// so a wholesale corruption of the directory does not go unnoticed.
	if c.verify && len(files) > 0 {
		got, err := hash.File(files[0].path)
		if err == nil && got != files[0].key {
			logger.Warn("Removing corrupt cache entry found during scan", logger.Fields{
				"cache": c.name,
				"key":   files[0].key,
			})
			_ = os.Remove(files[0].path)
			files = files[1:]
		}
	}

	for _, f := range files {
		if c.total+f.size > c.maxSize {
			_ = os.Remove(f.path)
			continue
		}
		e := &entry{key: f.key, size: f.size}
		e.elem = c.order.PushFront(e)
		c.entries[f.key] = e
		c.total += f.size
	}
	return nil
}

// Entry is a pinned cache entry. The underlying file is guaranteed not to
// be evicted until Release is called.
type Entry struct {
	Key  string
	Path string
	Size int64

	cache    *FileLRU
	released sync.Once
}

// Release unpins the entry, making it eligible for eviction again.
func (e *Entry) Release() {
	e.released.Do(func() {
		c := e.cache
		c.mu.Lock()
		defer c.mu.Unlock()
		if ent, ok := c.entries[e.Key]; ok && ent.pins > 0 {
			ent.pins--
		}
	})
}

// Bytes reads the entry's content from disk.
func (e *Entry) Bytes() ([]byte, error) {
	return os.ReadFile(e.Path)
}

// Get looks up a key, pinning the entry and marking it most recently used.
// Returns ErrCacheMiss if absent. The caller must Release the entry.
func (c *FileLRU) Get(key string) (*Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrCacheMiss, "%s: %s", c.name, key)
	}
	c.order.MoveToFront(e.elem)
	e.pins++
	c.stats.Hits++
	path := c.path(key)
	size := e.size
	c.mu.Unlock()

	// Keep the LRU order reconstructible across restarts.
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	return &Entry{Key: key, Path: path, Size: size, cache: c}, nil
}

// Contains reports whether a key is cached without pinning it or updating
// its recency.
func (c *FileLRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores content under key, evicting least recently used entries until
// the total size fits. Content larger than the whole cache is rejected with
// ErrItemTooLarge; such an entry could never fit.
func (c *FileLRU) Put(key string, data []byte) (*Entry, error) {
	size := int64(len(data))
	if size > c.maxSize {
		return nil, errors.Wrapf(errors.ErrItemTooLarge, "%s: %s is %d bytes, cache holds %d", c.name, key, size, c.maxSize)
	}
	if c.verify {
		if err := hash.Verify(data, key); err != nil {
			return nil, errors.Wrapf(errors.ErrCacheCorrupt, "%s: %v", c.name, err)
		}
	}

	path := c.path(key)
	// Durable on disk before the index knows about it: a crash in between
	// leaves a file the next rebuild will pick up, never a phantom entry.
	if err := fsutil.WriteFileAtomic(path, data, fsutil.FileModeSecure); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to store %s", c.name, key)
	}

	var evicted []string
	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.total -= existing.size
		existing.size = size
		c.order.MoveToFront(existing.elem)
		existing.pins++
	} else {
		e := &entry{key: key, size: size, pins: 1}
		e.elem = c.order.PushFront(e)
		c.entries[key] = e
	}
	c.total += size
	evicted = c.evictLocked()
	c.mu.Unlock()

	c.fireEvictions(evicted)
	return &Entry{Key: key, Path: path, Size: size, cache: c}, nil
}

// evictLocked removes unpinned entries from the cold end until the total
// fits. Pinned entries are skipped even when they are the oldest.
func (c *FileLRU) evictLocked() []string {
	var evicted []string
	elem := c.order.Back()
	for c.total > c.maxSize && elem != nil {
		e := elem.Value.(*entry)
		prev := elem.Prev()
		if e.pins == 0 {
			c.removeLocked(e)
			evicted = append(evicted, e.key)
			c.stats.Evictions++
		}
		elem = prev
	}
	return evicted
}

func (c *FileLRU) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.total -= e.size
	_ = os.Remove(c.path(e.key))
}

// Remove deletes an entry from the cache and the filesystem.
func (c *FileLRU) Remove(key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(errors.ErrCacheMiss, "%s: %s", c.name, key)
	}
	c.removeLocked(e)
	c.mu.Unlock()

	c.fireEvictions([]string{key})
	return nil
}

// GetOrFetch returns the cached entry for key, or runs fetch to obtain it.
// Concurrent callers for the same missing key share a single fetch: one
// caller executes it and every waiter receives its result or its error.
func (c *FileLRU) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) (*Entry, error) {
	for {
		if e, err := c.Get(key); err == nil {
			return e, nil
		}

		c.flightMu.Lock()
		if f, ok := c.flights[key]; ok {
			c.flightMu.Unlock()
			select {
			case <-f.done:
				if f.err != nil {
					return nil, f.err
				}
				// Fetched by the leader; loop to pick it up. It may already
				// have been evicted again under pressure, then we refetch.
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		f := &flight{done: make(chan struct{})}
		c.flights[key] = f
		c.flightMu.Unlock()

		ent, err := c.runFetch(ctx, key, fetch)

		c.flightMu.Lock()
		delete(c.flights, key)
		c.flightMu.Unlock()
		f.err = err
		close(f.done)

		return ent, err
	}
}

func (c *FileLRU) runFetch(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) (*Entry, error) {
	c.mu.Lock()
	c.stats.Fetches++
	c.mu.Unlock()

	data, err := fetch(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: fetch of %s failed", c.name, key)
	}
	return c.Put(key, data)
}

func (c *FileLRU) fireEvictions(keys []string) {
	if c.onEvict == nil {
		return
	}
	for _, key := range keys {
		c.onEvict(key)
	}
}

// TotalSize returns the summed size of all entries.
func (c *FileLRU) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// MaxSize returns the configured capacity.
func (c *FileLRU) MaxSize() int64 { return c.maxSize }

// Len returns the number of entries.
func (c *FileLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Directory returns the cache directory path.
func (c *FileLRU) Directory() string { return c.directory }

// Name returns the cache's configured name, used in logs and metrics.
func (c *FileLRU) Name() string { return c.name }

// Stats returns a snapshot of the cache counters.
func (c *FileLRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.TotalSize = c.total
	s.MaxSize = c.maxSize
	return s
}

func (c *FileLRU) path(key string) string {
	return filepath.Join(c.directory, key+c.extension)
}
