// Package repository fetches and models remote package repositories: JSON
// index documents listing the packages a repository serves, plus checksum
// verified downloads of the package bundles themselves.
package repository

import (
	"encoding/json"
	"time"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/hashicorp/go-version"
)

// Index is a repository's index document.
type Index struct {
	FormatVersion string    `json:"format_version"`
	Timestamp     time.Time `json:"timestamp"`
	Packages      []Entry   `json:"packages"`
}

// Entry is one row of a repository index. The hash decides whether a
// download is needed at all; everything else is metadata.
type Entry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Sha256  string `json:"sha256"`
	Size    int64  `json:"size"`
	URL     string `json:"url"`
}

// GetVersion parses the entry version. Returns nil if it is invalid.
func (e *Entry) GetVersion() *version.Version {
	v, err := version.NewVersion(e.Version)
	if err != nil {
		return nil
	}
	return v
}

// ParseIndex parses and validates an index document.
func ParseIndex(data []byte) (*Index, error) {
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidIndex, "failed to parse index: %v", err)
	}
	if err := index.Validate(); err != nil {
		return nil, err
	}
	return &index, nil
}

// Validate performs basic validation of the index document.
func (idx *Index) Validate() error {
	if idx.FormatVersion == "" {
		return errors.Wrap(errors.ErrInvalidIndex, "missing format version")
	}
	for i := range idx.Packages {
		pkg := &idx.Packages[i]
		if pkg.Name == "" {
			return errors.Wrapf(errors.ErrInvalidIndex, "package %d: missing name", i)
		}
		if pkg.GetVersion() == nil {
			return errors.Wrapf(errors.ErrInvalidIndex, "package %q: invalid version %q", pkg.Name, pkg.Version)
		}
		if !hash.Valid(pkg.Sha256) {
			return errors.Wrapf(errors.ErrInvalidIndex, "package %q: invalid sha256", pkg.Name)
		}
		if pkg.URL == "" {
			return errors.Wrapf(errors.ErrInvalidIndex, "package %q: missing URL", pkg.Name)
		}
	}
	return nil
}

// ToJSON serializes the index for caching.
func (idx *Index) ToJSON() ([]byte, error) {
	return json.Marshal(idx)
}

// ByHash returns the index entries keyed by normalized content hash.
func (idx *Index) ByHash() map[string]Entry {
	out := make(map[string]Entry, len(idx.Packages))
	for _, pkg := range idx.Packages {
		out[hash.Normalize(pkg.Sha256)] = pkg
	}
	return out
}
