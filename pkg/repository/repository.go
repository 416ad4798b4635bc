package repository

import (
	"context"
	"sync"
	"time"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
)

// Repository binds a configured repository URL to its cached index document.
// The parsed index is kept in memory; the raw JSON lives in the shared
// repo-index cache so it survives restarts.
type Repository struct {
	name   string
	url    string
	client Client
	cache  *cache.FileLRU

	mu           sync.RWMutex
	index        *Index
	lastModified time.Time
}

// New creates a repository handle. name is the config key used in logs.
func New(name, repoURL string, client Client, indexCache *cache.FileLRU) *Repository {
	return &Repository{
		name:   name,
		url:    repoURL,
		client: client,
		cache:  indexCache,
	}
}

// Name returns the repository's configured name.
func (r *Repository) Name() string {
	return r.name
}

// URL returns the repository's base URL.
func (r *Repository) URL() string {
	return r.url
}

// CacheKey returns the key under which the raw index document is stored.
// Keying by the hash of the URL keeps distinct repositories apart even when
// their indexes are identical.
func (r *Repository) CacheKey() string {
	return hash.Bytes([]byte(r.url))
}

// Refresh fetches the index if it changed on the server. Returns true when a
// new index was loaded. The raw document is written through to the index
// cache; a cache write failure does not fail the refresh.
func (r *Repository) Refresh(ctx context.Context) (bool, error) {
	r.mu.RLock()
	lastModified := r.lastModified
	r.mu.RUnlock()

	index, modified, err := r.client.GetIndex(ctx, r.url, lastModified)
	if err != nil {
		if errors.Is(err, ErrNotModified) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to refresh repository %s", r.name)
	}

	data, err := index.ToJSON()
	if err == nil {
		if entry, putErr := r.cache.Put(r.CacheKey(), data); putErr != nil {
			logger.Warn("Failed to cache repository index", logger.Fields{"repository": r.name, "error": putErr.Error()})
		} else {
			entry.Release()
		}
	}

	r.mu.Lock()
	r.index = index
	r.lastModified = modified
	r.mu.Unlock()

	logger.Debug("Repository index refreshed", logger.Fields{
		"repository": r.name,
		"packages":   len(index.Packages),
	})
	return true, nil
}

// LoadCached restores the index from the repo-index cache without touching
// the network. Missing or invalid cached documents are not an error; the next
// Refresh will fetch a fresh copy.
func (r *Repository) LoadCached() bool {
	entry, err := r.cache.Get(r.CacheKey())
	if err != nil {
		return false
	}
	defer entry.Release()

	data, err := entry.Bytes()
	if err != nil {
		return false
	}
	index, err := ParseIndex(data)
	if err != nil {
		logger.Warn("Discarding invalid cached index", logger.Fields{"repository": r.name, "error": err.Error()})
		return false
	}

	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return true
}

// Index returns the most recently loaded index, or nil before the first
// successful Refresh or LoadCached.
func (r *Repository) Index() *Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// Download fetches the bundle for an index entry and verifies its digest.
func (r *Repository) Download(ctx context.Context, entry Entry, maxSize int64) ([]byte, error) {
	data, err := r.client.DownloadPackage(ctx, entry.URL, maxSize)
	if err != nil {
		return nil, err
	}
	if err := hash.Verify(data, entry.Sha256); err != nil {
		return nil, errors.Wrapf(err, "package %s from repository %s", entry.Name, r.name)
	}
	return data, nil
}
