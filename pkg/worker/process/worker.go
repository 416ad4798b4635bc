// Package process runs question package code in an isolated subprocess. The
// server re-executes its own binary with the hidden worker command and talks
// to it over stdin/stdout message framing; stderr is captured for debugging.
package process

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/glorpus-work/qpserver/pkg/worker/proto"
	"github.com/google/uuid"
)

// TypeName is the registry key for this worker type.
const TypeName = "process"

// WorkerCommand is the argument that switches the server binary into worker
// mode.
const WorkerCommand = "worker"

// Register adds the process worker type to the factory registry.
func Register() {
	worker.RegisterFactory(TypeName, New)
}

// Worker is a question package worker backed by a subprocess.
type Worker struct {
	id   string
	opts worker.Options

	cmd     *exec.Cmd
	conn    *proto.Conn
	stderr  *stderrBuffer
	tracker worker.StateTracker

	done     chan struct{}
	killOnce sync.Once
	callMu   sync.Mutex
}

// New creates a process worker that re-executes the current binary.
func New(opts worker.Options) (worker.Worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	return &Worker{
		id:     uuid.New().String(),
		opts:   opts,
		cmd:    exec.Command(exe, WorkerCommand),
		stderr: newStderrBuffer(),
		done:   make(chan struct{}),
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

// Start launches the subprocess, performs the init handshake and loads the
// package. The worker is idle afterwards.
func (w *Worker) Start(ctx context.Context) error {
	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}

	if err := w.cmd.Start(); err != nil {
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	w.conn = proto.NewConn(stdout, stdin)

	go w.stderr.consume(stderr)
	go func() {
		_ = w.cmd.Wait()
		w.tracker.MarkDead()
		w.stderr.flush(w.id)
		close(w.done)
	}()

	if err := w.handshake(ctx); err != nil {
		w.Kill()
		return err
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
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}
	if initDone.ProtocolVersion != proto.ProtocolVersion {
		return errors.Wrapf(errors.ErrWorkerStart,
			"worker speaks protocol %d, server speaks %d", initDone.ProtocolVersion, proto.ProtocolVersion)
	}

	var loaded proto.PackageLoaded
	err = w.exchange(ctx, proto.KindLoadPackage, &proto.LoadPackage{
		Path: w.opts.PackagePath,
		Hash: w.opts.PackageHash,
	}, proto.KindPackageLoaded, &loaded)
	if err != nil {
		return errors.Wrap(errors.ErrWorkerStart, err.Error())
	}

	logger.Debug("Worker loaded package", logger.Fields{
		"worker":  w.id,
		"package": loaded.ShortName,
		"version": loaded.Version,
	})
	return nil
}

// Call implements worker.Worker. One call runs at a time; the worker is
// killed if ctx ends mid-call since its state is then unknown.
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

// exchange sends a message and waits for the answer, aborting on ctx end or
// worker death.
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
		if err != nil && w.tracker.Current() == worker.StateDead {
			return w.crashError()
		}
		return err
	case <-ctx.Done():
		// The worker may be stuck inside the package; its state is unknown.
		w.Kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(errors.ErrCallTimeout, "worker %s killed after deadline", w.id)
		}
		return ctx.Err()
	case <-w.done:
		return w.crashError()
	}
}

func (w *Worker) crashError() error {
	if tail := w.stderr.tail(); tail != "" {
		return errors.Wrapf(errors.ErrWorkerCrashed, "stderr: %s", tail)
	}
	return errors.ErrWorkerCrashed
}

// MemoryUsage reports the subprocess's resident set size.
func (w *Worker) MemoryUsage() (int64, error) {
	if w.cmd.Process == nil {
		return 0, errors.ErrWorkerNotRunning
	}
	return residentMemory(w.cmd.Process.Pid)
}

// Stop asks the worker to exit and waits for termination, killing it when
// ctx ends first.
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

// Kill terminates the subprocess immediately.
func (w *Worker) Kill() {
	w.killOnce.Do(func() {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}
