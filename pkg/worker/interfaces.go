// Package worker manages the processes that execute question package code on
// behalf of the server: the worker lifecycle and state machine, the factory
// registry for the available worker types, and the pool that enforces the
// concurrency and memory budgets.
package worker

import (
	"context"
	"encoding/json"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// Worker executes operations against a single loaded question package.
// Implementations are not safe for concurrent Call; the pool guarantees one
// caller at a time.
type Worker interface {
	// ID returns the worker's unique identifier.
	ID() string
	// PackageHash returns the hash of the package this worker is bound to.
	PackageHash() string
	// Start launches the worker and loads its package. It blocks until the
	// worker is ready or failed.
	Start(ctx context.Context) error
	// Call executes an operation on the loaded package.
	Call(ctx context.Context, operation string, data json.RawMessage) (json.RawMessage, error)
	// MemoryUsage reports the worker's current resident memory in bytes.
	MemoryUsage() (int64, error)
	// State returns the worker's current lifecycle state.
	State() State
	// Stop asks the worker to exit cleanly, escalating to Kill when ctx ends.
	Stop(ctx context.Context) error
	// Kill terminates the worker immediately.
	Kill()
	// Done is closed once the worker has fully terminated.
	Done() <-chan struct{}
}

// Options configures a single worker instance.
type Options struct {
	// PackagePath is the filesystem path of the package bundle to load.
	PackagePath string
	// PackageHash is the bundle's sha256, used as the pool's affinity key.
	PackageHash string
	// MemoryLimit is the per-worker resident memory budget in bytes.
	MemoryLimit int64
	// LogLevel is forwarded to the worker's own logging.
	LogLevel string
}

// Factory creates a worker of a particular type.
type Factory func(opts Options) (Worker, error)

var factories = map[string]Factory{}

// RegisterFactory makes a worker type available under the given name.
// Subsequent registrations under the same name overwrite the previous one.
func RegisterFactory(name string, factory Factory) {
	factories[name] = factory
}

// GetFactory looks up a registered worker type.
func GetFactory(name string) (Factory, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrWorkerStart, "unknown worker type %q", name)
	}
	return factory, nil
}
