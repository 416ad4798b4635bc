// Package collector keeps the server's view of available question packages
// current: it polls configured repositories on their intervals, watches a
// local directory for ad-hoc packages, and feeds the package cache.
package collector

import (
	"github.com/hashicorp/go-version"
)

// LocalSource is the Source value for packages found in the watched
// directory.
const LocalSource = "local"

// PackageInfo describes one resolvable package.
type PackageInfo struct {
	// Name is the package name as published by its source.
	Name string `json:"name"`
	// Version is the package version string.
	Version string `json:"version"`
	// Hash is the bundle's sha256, the key into the package cache.
	Hash string `json:"hash"`
	// Size is the bundle size in bytes.
	Size int64 `json:"size"`
	// Source names where the package came from: a repository name or
	// LocalSource.
	Source string `json:"source"`
}

// newerVersion reports whether a is a higher version than b. Unparseable
// versions lose against parseable ones.
func newerVersion(a, b string) bool {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA != nil {
		return false
	}
	if errB != nil {
		return true
	}
	return va.GreaterThan(vb)
}
