package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/config"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repoServer serves an index plus bundles like a real package repository.
type repoServer struct {
	*httptest.Server
	bundles map[string][]byte
	index   atomic.Pointer[repository.Index]
	hits    atomic.Int64
}

func newRepoServer(t *testing.T) *repoServer {
	t.Helper()
	rs := &repoServer{bundles: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, _ *http.Request) {
		rs.hits.Add(1)
		index := rs.index.Load()
		if index == nil {
			http.NotFound(w, nil)
			return
		}
		data, err := index.ToJSON()
		require.NoError(t, err)
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/bundles/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := rs.bundles[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *repoServer) publish(t *testing.T, name, version string, data []byte) {
	t.Helper()
	path := "/bundles/" + name + "-" + version + ".qpy"
	rs.bundles[path] = data

	index := rs.index.Load()
	var packages []repository.Entry
	if index != nil {
		packages = index.Packages
	}
	packages = append(packages, repository.Entry{
		Name:    name,
		Version: version,
		Sha256:  hash.Bytes(data),
		Size:    int64(len(data)),
		URL:     rs.URL + path,
	})
	rs.index.Store(&repository.Index{
		FormatVersion: "1",
		Timestamp:     time.Now().UTC(),
		Packages:      packages,
	})
}

func newCollection(t *testing.T, cfg *config.Collector, packages *cache.FileLRU) *Collection {
	t.Helper()
	indexCache, err := cache.New("repo_index", t.TempDir(), 8<<20, cache.WithExtension(".json"))
	require.NoError(t, err)

	c, err := New(cfg, 32<<20, repository.NewHTTPClient(5*time.Second), indexCache, packages)
	require.NoError(t, err)
	return c
}

func TestCollectionRepositoryRoundTrip(t *testing.T) {
	rs := newRepoServer(t)
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	rs.publish(t, "example", "1.0.0", data)

	packages := newPackageCache(t)
	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories:              []config.Repository{{Name: "main", URL: rs.URL}},
	}, packages)

	require.NoError(t, c.Start(context.Background()))
	defer func() { require.NoError(t, c.Stop()) }()

	// The immediate first tick loads the index and downloads the bundle in
	// the background.
	require.Eventually(t, func() bool {
		_, err := c.Resolve("example")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "package never became resolvable")

	info, err := c.Resolve("example")
	require.NoError(t, err)
	assert.Equal(t, "main", info.Source)
	assert.Equal(t, hash.Bytes(data), info.Hash)

	require.Eventually(t, func() bool {
		return packages.Contains(info.Hash)
	}, 5*time.Second, 20*time.Millisecond, "bundle never arrived in the package cache")

	entry, err := c.Materialize(context.Background(), info.Hash)
	require.NoError(t, err)
	defer entry.Release()
	cached, err := entry.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, cached)
}

func TestCollectionMaterializeOnDemand(t *testing.T) {
	rs := newRepoServer(t)
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	rs.publish(t, "example", "1.0.0", data)

	packages := newPackageCache(t)
	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories:              []config.Repository{{Name: "main", URL: rs.URL}},
	}, packages)

	// No Start: sync once by hand, then drop the cached copy to force the
	// demand path through the repository.
	ctx := context.Background()
	c.repos[0].Sync(ctx)

	info, err := c.Resolve("example")
	require.NoError(t, err)
	require.NoError(t, packages.Remove(info.Hash))

	entry, err := c.Materialize(ctx, info.Hash)
	require.NoError(t, err)
	defer entry.Release()
	cached, err := entry.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, cached)
}

func TestCollectionLocalShadowsRepository(t *testing.T) {
	rs := newRepoServer(t)
	repoData := bundleBytes(t, exampleManifest("example", "9.0.0"))
	rs.publish(t, "example", "9.0.0", repoData)

	localDir := t.TempDir()
	localData := bundleBytes(t, exampleManifest("example", "1.0.0"))
	writeLocalBundle(t, localDir, "example.qpy", localData)

	packages := newPackageCache(t)
	c := newCollection(t, &config.Collector{
		LocalDirectory:            localDir,
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories:              []config.Repository{{Name: "main", URL: rs.URL}},
	}, packages)

	require.NoError(t, c.Start(context.Background()))
	defer func() { require.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool {
		return len(c.repos[0].Packages()) > 0
	}, 5*time.Second, 20*time.Millisecond)

	// Even with a higher version in the repository, the local bundle wins.
	info, err := c.Resolve("example")
	require.NoError(t, err)
	assert.Equal(t, LocalSource, info.Source)
	assert.Equal(t, "1.0.0", info.Version)
}

func TestCollectionFirstRepositoryWins(t *testing.T) {
	first := newRepoServer(t)
	second := newRepoServer(t)
	first.publish(t, "example", "1.0.0", bundleBytes(t, exampleManifest("example", "1.0.0")))
	second.publish(t, "example", "2.0.0", bundleBytes(t, exampleManifest("example", "2.0.0")))

	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories: []config.Repository{
			{Name: "first", URL: first.URL},
			{Name: "second", URL: second.URL},
		},
	}, newPackageCache(t))

	ctx := context.Background()
	c.repos[0].Sync(ctx)
	c.repos[1].Sync(ctx)

	info, err := c.Resolve("example")
	require.NoError(t, err)
	assert.Equal(t, "first", info.Source)
	assert.Equal(t, "1.0.0", info.Version)
}

func TestCollectionFailingRepositoryIsolated(t *testing.T) {
	working := newRepoServer(t)
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	working.publish(t, "example", "1.0.0", data)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories: []config.Repository{
			{Name: "broken", URL: broken.URL},
			{Name: "working", URL: working.URL},
		},
	}, newPackageCache(t))

	ctx := context.Background()
	c.repos[0].Sync(ctx)
	c.repos[1].Sync(ctx)

	info, err := c.Resolve("example")
	require.NoError(t, err)
	assert.Equal(t, "working", info.Source)
}

func TestCollectionResolveUnknown(t *testing.T) {
	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
	}, newPackageCache(t))

	_, err := c.Resolve("ghost")
	assert.ErrorIs(t, err, errors.ErrPackageNotFound)

	_, err = c.Materialize(context.Background(), hash.Bytes([]byte("ghost")))
	assert.ErrorIs(t, err, errors.ErrPackageNotFound)
}

func TestRepoCollectorNotModifiedSkipsDiff(t *testing.T) {
	rs := newRepoServer(t)
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	rs.publish(t, "example", "1.0.0", data)

	c := newCollection(t, &config.Collector{
		RepositoryDefaultInterval: config.Interval(time.Hour),
		Repositories:              []config.Repository{{Name: "main", URL: rs.URL}},
	}, newPackageCache(t))

	ctx := context.Background()
	c.repos[0].Sync(ctx)
	require.GreaterOrEqual(t, rs.hits.Load(), int64(1))

	// A second tick against an unchanged index keeps the known entries.
	c.repos[0].Sync(ctx)
	packages := c.repos[0].Packages()
	require.Len(t, packages, 1)
	assert.Equal(t, "example", packages[0].Name)
}

func TestPackageInfoJSON(t *testing.T) {
	info := PackageInfo{Name: "example", Version: "1.0.0", Hash: "abc", Size: 10, Source: LocalSource}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"example","version":"1.0.0","hash":"abc","size":10,"source":"local"}`, string(data))
}

func TestAuthenticatedRepository(t *testing.T) {
	rs := newRepoServer(t)
	bundle := bundleBytes(t, exampleManifest("protected", "1.0.0"))
	rs.publish(t, "protected", "1.0.0", bundle)

	var mu sync.Mutex
	seen := map[string]int{}
	gated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")]++
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rs.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(gated.Close)

	packages := newPackageCache(t)
	c := newCollection(t, &config.Collector{
		Repositories: []config.Repository{{
			Name: "gated",
			URL:  gated.URL,
			Auth: config.RepositoryAuth{Type: "bearer", Token: "sekrit"},
		}},
		RepositoryDefaultInterval: config.Interval(time.Hour),
	}, packages)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	require.Eventually(t, func() bool {
		_, err := c.Resolve("protected")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, seen["Bearer sekrit"])
	assert.Zero(t, seen[""])
}
