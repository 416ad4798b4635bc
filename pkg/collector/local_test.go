package collector

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/qpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundleBytes(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(qpy.ManifestFilename)
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)
	w, err = zw.Create(qpy.ScriptFilename)
	require.NoError(t, err)
	_, err = w.Write([]byte(`result := {ok: true}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func exampleManifest(shortName, version string) string {
	return "short_name: " + shortName + "\nnamespace: acme\nversion: " + version + "\napi_version: \"1.0\"\n"
}

func writeLocalBundle(t *testing.T, dir, filename string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	tmp := path + ".part"
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func newPackageCache(t *testing.T) *cache.FileLRU {
	t.Helper()
	c, err := cache.New("packages", t.TempDir(), 64<<20, cache.WithExtension(qpy.Extension))
	require.NoError(t, err)
	return c
}

func startLocal(t *testing.T, dir string, packages *cache.FileLRU) *LocalCollector {
	t.Helper()
	lc, err := NewLocalCollector(dir, packages)
	require.NoError(t, err)
	require.NoError(t, lc.Start(context.Background()))
	t.Cleanup(lc.Stop)
	return lc
}

func TestLocalCollectorInitialScan(t *testing.T) {
	dir := t.TempDir()
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	writeLocalBundle(t, dir, "example.qpy", data)
	// Files with other extensions are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	packages := newPackageCache(t)
	lc := startLocal(t, dir, packages)

	info, ok := lc.Resolve("example")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, LocalSource, info.Source)
	assert.Equal(t, hash.Bytes(data), info.Hash)
	assert.True(t, packages.Contains(info.Hash))

	_, ok = lc.Resolve("readme")
	assert.False(t, ok)
}

func TestLocalCollectorAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	packages := newPackageCache(t)
	lc := startLocal(t, dir, packages)

	_, ok := lc.Resolve("example")
	require.False(t, ok)

	data := bundleBytes(t, exampleManifest("example", "2.0.0"))
	path := writeLocalBundle(t, dir, "example.qpy", data)

	require.Eventually(t, func() bool {
		_, ok := lc.Resolve("example")
		return ok
	}, 5*time.Second, 20*time.Millisecond, "new file did not become resolvable")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := lc.Resolve("example")
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "removed file still resolvable")
}

func TestLocalCollectorPicksNewestVersion(t *testing.T) {
	dir := t.TempDir()
	writeLocalBundle(t, dir, "old.qpy", bundleBytes(t, exampleManifest("example", "1.0.0")))
	writeLocalBundle(t, dir, "new.qpy", bundleBytes(t, exampleManifest("example", "1.2.0")))

	lc := startLocal(t, dir, newPackageCache(t))

	info, ok := lc.Resolve("example")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", info.Version)
}

func TestLocalCollectorIgnoresInvalidBundle(t *testing.T) {
	dir := t.TempDir()
	writeLocalBundle(t, dir, "broken.qpy", []byte("not a zip archive"))

	lc := startLocal(t, dir, newPackageCache(t))
	assert.Empty(t, lc.Packages())
}

func TestLocalCollectorPathByHash(t *testing.T) {
	dir := t.TempDir()
	data := bundleBytes(t, exampleManifest("example", "1.0.0"))
	path := writeLocalBundle(t, dir, "example.qpy", data)

	lc := startLocal(t, dir, newPackageCache(t))

	got, ok := lc.PathByHash(hash.Bytes(data))
	require.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = lc.PathByHash(hash.Bytes([]byte("other")))
	assert.False(t, ok)
}
