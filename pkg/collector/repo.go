package collector

import (
	"context"
	"sync"
	"time"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/repository"
)

// RepoCollector tracks one remote repository: it refreshes the index on its
// poll interval, diffs it against the previous state and schedules downloads
// for new or changed packages.
type RepoCollector struct {
	repo           *repository.Repository
	interval       time.Duration
	packages       *cache.FileLRU
	maxPackageSize int64

	mu    sync.RWMutex
	known map[string]repository.Entry
}

// NewRepoCollector creates a collector for one repository.
func NewRepoCollector(repo *repository.Repository, interval time.Duration, packages *cache.FileLRU, maxPackageSize int64) *RepoCollector {
	return &RepoCollector{
		repo:           repo,
		interval:       interval,
		packages:       packages,
		maxPackageSize: maxPackageSize,
		known:          make(map[string]repository.Entry),
	}
}

// Name returns the repository's configured name.
func (rc *RepoCollector) Name() string { return rc.repo.Name() }

// Interval returns the repository's poll interval.
func (rc *RepoCollector) Interval() time.Duration { return rc.interval }

// Restore loads the previously cached index so resolution works before the
// first poll completes. No downloads are scheduled.
func (rc *RepoCollector) Restore() {
	if !rc.repo.LoadCached() {
		return
	}
	index := rc.repo.Index()

	rc.mu.Lock()
	rc.known = index.ByHash()
	rc.mu.Unlock()

	logger.Debug("Restored repository index from cache", logger.Fields{
		"repository": rc.Name(),
		"packages":   len(index.Packages),
	})
}

// Sync performs one poll tick: refresh the index and schedule background
// downloads for entries not seen before. Failures are logged and retried on
// the next tick.
func (rc *RepoCollector) Sync(ctx context.Context) {
	changed, err := rc.repo.Refresh(ctx)
	if err != nil {
		logger.Warn("Repository sync failed", logger.Fields{
			"repository": rc.Name(),
			"error":      err.Error(),
		})
		return
	}
	if !changed {
		return
	}

	current := rc.repo.Index().ByHash()

	rc.mu.Lock()
	previous := rc.known
	rc.known = current
	rc.mu.Unlock()

	added := 0
	for key, entry := range current {
		if _, ok := previous[key]; ok {
			continue
		}
		added++
		go rc.download(entry)
	}
	logger.Info("Repository synchronized", logger.Fields{
		"repository": rc.Name(),
		"packages":   len(current),
		"new":        added,
	})
}

// downloadTimeout bounds a single scheduled bundle download.
const downloadTimeout = 10 * time.Minute

// download populates the package cache for one index entry. Going through
// GetOrFetch de-duplicates against concurrent demand-driven fetches. The
// tick's ctx is not reused: a download outliving its tick is fine.
func (rc *RepoCollector) download(entry repository.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()

	key := hash.Normalize(entry.Sha256)
	cached, err := rc.packages.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		return rc.repo.Download(ctx, entry, rc.maxPackageSize)
	})
	if err != nil {
		logger.Warn("Scheduled package download failed", logger.Fields{
			"repository": rc.Name(),
			"package":    entry.Name,
			"error":      err.Error(),
		})
		return
	}
	cached.Release()
}

// Resolve returns the newest entry published under name, if any.
func (rc *RepoCollector) Resolve(name string) (*PackageInfo, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var best *repository.Entry
	for key := range rc.known {
		entry := rc.known[key]
		if entry.Name != name {
			continue
		}
		if best == nil || newerVersion(entry.Version, best.Version) {
			best = &entry
		}
	}
	if best == nil {
		return nil, false
	}
	return rc.infoLocked(best), true
}

// EntryByHash looks up an index entry by normalized content hash.
func (rc *RepoCollector) EntryByHash(key string) (repository.Entry, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	entry, ok := rc.known[hash.Normalize(key)]
	return entry, ok
}

// Packages lists all known entries.
func (rc *RepoCollector) Packages() []PackageInfo {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make([]PackageInfo, 0, len(rc.known))
	for key := range rc.known {
		entry := rc.known[key]
		out = append(out, *rc.infoLocked(&entry))
	}
	return out
}

func (rc *RepoCollector) infoLocked(entry *repository.Entry) *PackageInfo {
	return &PackageInfo{
		Name:    entry.Name,
		Version: entry.Version,
		Hash:    hash.Normalize(entry.Sha256),
		Size:    entry.Size,
		Source:  rc.Name(),
	}
}

// Download fetches the bundle for an index entry, used by demand-driven
// cache fetches.
func (rc *RepoCollector) Download(ctx context.Context, entry repository.Entry) ([]byte, error) {
	return rc.repo.Download(ctx, entry, rc.maxPackageSize)
}
