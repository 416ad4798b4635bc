// Package embedded runs question package code inside the server process.
// It speaks the same message protocol as the subprocess worker but over
// in-memory pipes, trading isolation for startup cost. Intended for tests
// and trusted single-tenant deployments.
package embedded

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/glorpus-work/qpserver/pkg/worker/proto"
	"github.com/glorpus-work/qpserver/pkg/worker/runtime"
	"github.com/google/uuid"
)

// TypeName is the registry key for this worker type.
const TypeName = "embedded"

// Register adds the embedded worker type to the factory registry.
func Register() {
	worker.RegisterFactory(TypeName, New)
}

// Worker executes a package in-process through the worker runtime.
type Worker struct {
	id   string
	opts worker.Options

	conn    *proto.Conn
	tracker worker.StateTracker

	cancel   context.CancelFunc
	pipes    []io.Closer
	done     chan struct{}
	killOnce sync.Once
	callMu   sync.Mutex
}

// New creates an embedded worker.
func New(opts worker.Options) (worker.Worker, error) {
	return &Worker{
		id:   uuid.New().String(),
		opts: opts,
		done: make(chan struct{}),
	}, nil
}

// ID implements worker.Worker.
func (w *Worker) ID() string { return w.id }

// PackageHash implements worker.Worker.
func (w *Worker) PackageHash() string { return w.opts.PackageHash }

// State implements worker.Worker.
func (w *Worker) State() worker.State { return w.tracker.Current() }

// Done implements worker.Worker.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start launches the runtime goroutine and loads the package.
func (w *Worker) Start(ctx context.Context) error {
	serverRead, runtimeWrite := io.Pipe()
	runtimeRead, serverWrite := io.Pipe()
	w.conn = proto.NewConn(serverRead, serverWrite)
	w.pipes = []io.Closer{serverRead, serverWrite, runtimeRead, runtimeWrite}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		_ = runtime.New(runtimeRead, runtimeWrite).Run(runCtx)
		w.tracker.MarkDead()
		close(w.done)
	}()

	if err := w.handshake(ctx); err != nil {
		w.Kill()
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	if err := w.tracker.Transition(worker.StateIdle); err != nil {
		w.Kill()
		return err
	}
	return nil
}

func (w *Worker) handshake(ctx context.Context) error {
	var initDone proto.InitDone
	err := w.exchange(ctx, proto.KindInit, &proto.Init{
		ProtocolVersion: proto.ProtocolVersion,
		MaxMemory:       w.opts.MemoryLimit,
		LogLevel:        w.opts.LogLevel,
	}, proto.KindInitDone, &initDone)
	if err != nil {
		return err
	}

	return w.exchange(ctx, proto.KindLoadPackage, &proto.LoadPackage{
		Path: w.opts.PackagePath,
		Hash: w.opts.PackageHash,
	}, proto.KindPackageLoaded, &proto.PackageLoaded{})
}

// Call implements worker.Worker.
func (w *Worker) Call(ctx context.Context, operation string, data json.RawMessage) (json.RawMessage, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	if w.tracker.Current() != worker.StateIdle {
		return nil, errors.Wrapf(errors.ErrWorkerNotRunning, "worker is %s", w.tracker.Current())
	}
	if err := w.tracker.Transition(worker.StateBusy); err != nil {
		return nil, err
	}

	var result proto.CallResult
	err := w.exchange(ctx, proto.KindCall, &proto.Call{
		Operation: operation,
		Data:      data,
	}, proto.KindCallResult, &result)
	if err != nil {
		return nil, err
	}

	if err := w.tracker.Transition(worker.StateIdle); err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (w *Worker) exchange(ctx context.Context, kind proto.Kind, payload interface{}, wantKind proto.Kind, out interface{}) error {
	errCh := make(chan error, 1)
	go func() {
		if err := w.conn.Send(kind, payload); err != nil {
			errCh <- err
			return
		}
		errCh <- w.conn.Expect(wantKind, out)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		w.Kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(errors.ErrCallTimeout, "worker %s killed after deadline", w.id)
		}
		return ctx.Err()
	case <-w.done:
		return errors.ErrWorkerCrashed
	}
}

// MemoryUsage implements worker.Worker. An embedded worker shares the server
// process, so there is no per-worker figure to report.
func (w *Worker) MemoryUsage() (int64, error) {
	return 0, nil
}

// Stop implements worker.Worker.
func (w *Worker) Stop(ctx context.Context) error {
	if w.tracker.Current() == worker.StateDead {
		return nil
	}
	if err := w.conn.Send(proto.KindExit, nil); err != nil {
		w.Kill()
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.Kill()
		return ctx.Err()
	}
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.killOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		for _, pipe := range w.pipes {
			_ = pipe.Close()
		}
	})
}
