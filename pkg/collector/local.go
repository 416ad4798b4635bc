package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/qpy"
)

// LocalCollector watches a directory for question package bundles. Files
// appearing there become resolvable immediately, no polling involved, and
// disappear from resolution when the file is removed.
type LocalCollector struct {
	directory string
	packages  *cache.FileLRU
	watcher   *fsnotify.Watcher

	mu     sync.RWMutex
	byPath map[string]string
	byHash map[string]*localPackage

	stop chan struct{}
	done chan struct{}
}

type localPackage struct {
	info PackageInfo
	path string
}

// NewLocalCollector creates a collector for the given directory. The
// directory is created if missing.
func NewLocalCollector(directory string, packages *cache.FileLRU) (*LocalCollector, error) {
	absDir, err := filepath.Abs(directory)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve local package directory %s", directory)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create local package directory %s", absDir)
	}

	return &LocalCollector{
		directory: absDir,
		packages:  packages,
		byPath:    make(map[string]string),
		byHash:    make(map[string]*localPackage),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Directory returns the watched directory.
func (lc *LocalCollector) Directory() string { return lc.directory }

// Start scans the directory and begins watching it for changes.
func (lc *LocalCollector) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(lc.directory); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", lc.directory)
	}
	lc.watcher = watcher

	entries, err := os.ReadDir(lc.directory)
	if err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to scan %s", lc.directory)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isBundle(entry.Name()) {
			continue
		}
		lc.addFile(ctx, filepath.Join(lc.directory, entry.Name()))
	}

	go lc.watchLoop()
	logger.Info("Watching local package directory", logger.Fields{
		"directory": lc.directory,
		"packages":  len(lc.byHash),
	})
	return nil
}

// Stop ends the watcher goroutine. A collector that never started is a
// no-op.
func (lc *LocalCollector) Stop() {
	if lc.watcher == nil {
		return
	}
	close(lc.stop)
	_ = lc.watcher.Close()
	<-lc.done
}

func (lc *LocalCollector) watchLoop() {
	defer close(lc.done)
	for {
		select {
		case <-lc.stop:
			return
		case event, ok := <-lc.watcher.Events:
			if !ok {
				return
			}
			lc.handleEvent(event)
		case err, ok := <-lc.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Local directory watcher error", logger.Fields{"error": err.Error()})
		}
	}
}

func (lc *LocalCollector) handleEvent(event fsnotify.Event) {
	if !isBundle(event.Name) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
		lc.addFile(ctx, event.Name)
		cancel()
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		lc.removeFile(event.Name)
	}
}

// addFile registers a bundle and copies it into the package cache. Partial
// writes simply fail manifest parsing and are picked up again on the next
// write event.
func (lc *LocalCollector) addFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to read local package", logger.Fields{"path": path, "error": err.Error()})
		return
	}
	manifest, err := qpy.ReadManifest(ctx, path)
	if err != nil {
		logger.Warn("Ignoring local file without a valid manifest", logger.Fields{
			"path":  path,
			"error": err.Error(),
		})
		return
	}

	key := hash.Bytes(data)
	if cached, err := lc.packages.Put(key, data); err != nil {
		logger.Warn("Failed to cache local package", logger.Fields{"path": path, "error": err.Error()})
	} else {
		cached.Release()
	}

	lc.mu.Lock()
	if previous, ok := lc.byPath[path]; ok && previous != key {
		delete(lc.byHash, previous)
	}
	lc.byPath[path] = key
	lc.byHash[key] = &localPackage{
		path: path,
		info: PackageInfo{
			Name:    manifest.ShortName,
			Version: manifest.Version,
			Hash:    key,
			Size:    int64(len(data)),
			Source:  LocalSource,
		},
	}
	lc.mu.Unlock()

	logger.Info("Local package registered", logger.Fields{
		"package": manifest.Identifier(),
		"version": manifest.Version,
		"hash":    key,
	})
}

func (lc *LocalCollector) removeFile(path string) {
	lc.mu.Lock()
	key, ok := lc.byPath[path]
	if ok {
		delete(lc.byPath, path)
		delete(lc.byHash, key)
	}
	lc.mu.Unlock()

	if ok {
		logger.Info("Local package unregistered", logger.Fields{"path": path, "hash": key})
	}
}

// Resolve returns the newest local package published under name.
func (lc *LocalCollector) Resolve(name string) (*PackageInfo, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	var best *localPackage
	for _, pkg := range lc.byHash {
		if pkg.info.Name != name {
			continue
		}
		if best == nil || newerVersion(pkg.info.Version, best.info.Version) {
			best = pkg
		}
	}
	if best == nil {
		return nil, false
	}
	info := best.info
	return &info, true
}

// PathByHash returns the file backing a local package.
func (lc *LocalCollector) PathByHash(key string) (string, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	pkg, ok := lc.byHash[hash.Normalize(key)]
	if !ok {
		return "", false
	}
	return pkg.path, true
}

// Packages lists all local packages.
func (lc *LocalCollector) Packages() []PackageInfo {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	out := make([]PackageInfo, 0, len(lc.byHash))
	for _, pkg := range lc.byHash {
		out = append(out, pkg.info)
	}
	return out
}

func isBundle(name string) bool {
	return strings.EqualFold(filepath.Ext(name), qpy.Extension)
}
