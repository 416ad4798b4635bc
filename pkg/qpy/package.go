package qpy

import (
	"context"
	"io"
	"io/fs"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/mholt/archives"
	"gopkg.in/yaml.v3"
)

// Package is one immutable question package: the content hash is its
// identity, independent of name and version.
type Package struct {
	Hash     string
	Size     int64
	Manifest Manifest
}

// ReadManifest opens a package bundle on disk and parses its manifest.
func ReadManifest(ctx context.Context, path string) (*Manifest, error) {
	data, err := readArchiveFile(ctx, path, ManifestFilename)
	if err != nil {
		return nil, errors.Wrapf(err, "no manifest in %s", path)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidManifest, "parsing %s: %v", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadScript returns the source of the package's entry script.
func ReadScript(ctx context.Context, path string, manifest *Manifest) ([]byte, error) {
	data, err := readArchiveFile(ctx, path, manifest.ScriptPath())
	if err != nil {
		return nil, errors.Wrapf(err, "no entry script in %s", path)
	}
	return data, nil
}

// readArchiveFile reads a single file out of a package bundle.
func readArchiveFile(ctx context.Context, archivePath, name string) ([]byte, error) {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open package bundle")
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	f, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(errors.ErrInvalidManifest, "%s not found", name)
		}
		return nil, errors.Wrapf(err, "failed to open %s", name)
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}
