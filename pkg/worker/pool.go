package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/errors"
)

// Pool defaults, applied when PoolOptions leaves a field zero.
const (
	DefaultMaxWorkers        = 8
	DefaultMaxMemory         = 500 << 20
	DefaultWorkerMemoryLimit = 200 << 20

	defaultMonitorInterval = time.Second
)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// MaxWorkers caps the number of concurrently running workers.
	MaxWorkers int
	// MaxMemory caps the summed memory budget of all running workers.
	MaxMemory int64
	// WorkerMemoryLimit is the budget reserved for, and enforced on, each
	// individual worker.
	WorkerMemoryLimit int64
	// LogLevel is forwarded to spawned workers.
	LogLevel string
	// MonitorInterval is how often worker memory usage is checked.
	MonitorInterval time.Duration
}

type poolWorker struct {
	worker  Worker
	hash    string
	busy    bool
	removed bool
}

// Pool hands out workers bound to question packages while enforcing the
// concurrency and memory budgets. Acquire blocks when the pool is saturated
// and wakes callers as capacity frees up.
type Pool struct {
	factory Factory
	opts    PoolOptions

	mu       sync.Mutex
	workers  map[string]*poolWorker
	starting int
	reserved int64
	waiters  []chan struct{}
	closed   bool

	spawned     uint64
	reused      uint64
	crashed     uint64
	memoryKills uint64

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// NewPool creates a pool and starts its memory monitor.
func NewPool(factory Factory, opts PoolOptions) (*Pool, error) {
	if factory == nil {
		return nil, errors.Wrap(errors.ErrWorkerStart, "factory must not be nil")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = DefaultMaxMemory
	}
	if opts.WorkerMemoryLimit <= 0 {
		opts.WorkerMemoryLimit = DefaultWorkerMemoryLimit
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.WorkerMemoryLimit > opts.MaxMemory {
		return nil, errors.Wrapf(errors.ErrConfigValidation,
			"worker memory limit %d exceeds pool memory budget %d", opts.WorkerMemoryLimit, opts.MaxMemory)
	}

	p := &Pool{
		factory:     factory,
		opts:        opts,
		workers:     make(map[string]*poolWorker),
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	go p.monitor()
	return p, nil
}

// Lease is a worker checked out from the pool. The holder has exclusive use
// of the worker until Release.
type Lease struct {
	pool     *Pool
	pw       *poolWorker
	released sync.Once
}

// Call executes an operation on the leased worker.
func (l *Lease) Call(ctx context.Context, operation string, data json.RawMessage) (json.RawMessage, error) {
	return l.pw.worker.Call(ctx, operation, data)
}

// Worker returns the underlying worker.
func (l *Lease) Worker() Worker {
	return l.pw.worker
}

// Release returns the worker to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.released.Do(func() {
		l.pool.release(l.pw)
	})
}

// Acquire checks out a worker for the given package, starting one if needed.
// It blocks while the pool is at its concurrency or memory budget and returns
// when capacity frees up or ctx ends.
func (p *Pool) Acquire(ctx context.Context, packagePath, packageHash string) (*Lease, error) {
	queued := false
	for {
		if err := ctx.Err(); err != nil {
			// A caller whose deadline fired while queued was turned away
			// for capacity, no matter which select branch saw it first.
			if queued {
				return nil, errors.Wrapf(errors.ErrCapacityExceeded, "no worker became available: %v", err)
			}
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Wrap(errors.ErrWorkerNotRunning, "pool is shut down")
		}

		// Prefer an idle worker that already has this package loaded.
		if pw := p.findIdleLocked(packageHash); pw != nil {
			pw.busy = true
			p.reused++
			p.mu.Unlock()
			return &Lease{pool: p, pw: pw}, nil
		}

		// Start a new worker when both budgets have room.
		if p.workerCountLocked() < p.opts.MaxWorkers && p.reserved+p.opts.WorkerMemoryLimit <= p.opts.MaxMemory {
			return p.spawnLocked(ctx, packagePath, packageHash)
		}

		// At capacity: an idle worker bound to another package can be
		// retired to make room.
		if victim := p.findIdleLocked(""); victim != nil {
			p.removeLocked(victim)
			p.mu.Unlock()
			victim.worker.Kill()
			continue
		}

		// Everything is busy. Queue up and retry when capacity changes.
		ch := make(chan struct{})
		p.waiters = append(p.waiters, ch)
		queued = true
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.dropWaiterLocked(ch)
			p.mu.Unlock()
			return nil, errors.Wrapf(errors.ErrCapacityExceeded, "no worker became available: %v", ctx.Err())
		case <-ch:
		}
	}
}

// spawnLocked reserves capacity, drops the lock for the slow start, and
// registers the worker on success. Called with p.mu held; returns with it
// released.
func (p *Pool) spawnLocked(ctx context.Context, packagePath, packageHash string) (*Lease, error) {
	p.starting++
	p.reserved += p.opts.WorkerMemoryLimit
	p.mu.Unlock()

	w, err := p.factory(Options{
		PackagePath: packagePath,
		PackageHash: packageHash,
		MemoryLimit: p.opts.WorkerMemoryLimit,
		LogLevel:    p.opts.LogLevel,
	})
	if err == nil {
		err = w.Start(ctx)
	}

	p.mu.Lock()
	p.starting--
	if err != nil {
		p.reserved -= p.opts.WorkerMemoryLimit
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, errors.Wrapf(err, "failed to start worker for package %s", packageHash)
	}

	pw := &poolWorker{worker: w, hash: packageHash, busy: true}
	p.workers[w.ID()] = pw
	p.spawned++
	p.mu.Unlock()

	go p.reap(pw)

	logger.Debug("Worker started", logger.Fields{"worker": w.ID(), "package": packageHash})
	return &Lease{pool: p, pw: pw}, nil
}

// findIdleLocked returns an idle worker bound to hash, or, when hash is
// empty, any idle worker.
func (p *Pool) findIdleLocked(hash string) *poolWorker {
	for _, pw := range p.workers {
		if pw.busy || pw.removed {
			continue
		}
		if pw.worker.State() != StateIdle {
			continue
		}
		if hash == "" || pw.hash == hash {
			return pw
		}
	}
	return nil
}

func (p *Pool) workerCountLocked() int {
	return len(p.workers) + p.starting
}

// removeLocked unregisters a worker and frees its memory reservation.
func (p *Pool) removeLocked(pw *poolWorker) {
	if pw.removed {
		return
	}
	pw.removed = true
	delete(p.workers, pw.worker.ID())
	p.reserved -= p.opts.WorkerMemoryLimit
	p.broadcastLocked()
}

func (p *Pool) broadcastLocked() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

func (p *Pool) dropWaiterLocked(ch chan struct{}) {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) release(pw *poolWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pw.busy = false
	if pw.worker.State() == StateDead {
		p.removeLocked(pw)
		return
	}
	p.broadcastLocked()
}

// reap waits for a worker's termination and cleans up its registration. A
// worker dying mid-call counts as a crash; the caller sees the call error.
func (p *Pool) reap(pw *poolWorker) {
	<-pw.worker.Done()

	p.mu.Lock()
	if !pw.removed {
		if pw.busy {
			p.crashed++
			logger.Warn("Worker died during a call", logger.Fields{
				"worker":  pw.worker.ID(),
				"package": pw.hash,
			})
		}
		p.removeLocked(pw)
	}
	p.mu.Unlock()
}

// monitor periodically enforces the per-worker memory limit.
func (p *Pool) monitor() {
	defer close(p.monitorDone)
	ticker := time.NewTicker(p.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.monitorStop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		snapshot := make([]*poolWorker, 0, len(p.workers))
		for _, pw := range p.workers {
			snapshot = append(snapshot, pw)
		}
		p.mu.Unlock()

		for _, pw := range snapshot {
			usage, err := pw.worker.MemoryUsage()
			if err != nil || usage <= p.opts.WorkerMemoryLimit {
				continue
			}
			logger.Warn("Worker exceeded its memory limit, killing it", logger.Fields{
				"worker":  pw.worker.ID(),
				"package": pw.hash,
				"usage":   usage,
				"limit":   p.opts.WorkerMemoryLimit,
			})
			p.mu.Lock()
			p.memoryKills++
			p.mu.Unlock()
			pw.worker.Kill()
		}
	}
}

// Shutdown stops accepting work and terminates all workers, waiting for
// clean exits until ctx ends, then killing stragglers.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.broadcastLocked()
	snapshot := make([]*poolWorker, 0, len(p.workers))
	for _, pw := range p.workers {
		snapshot = append(snapshot, pw)
	}
	p.mu.Unlock()

	close(p.monitorStop)
	<-p.monitorDone

	var wg sync.WaitGroup
	for _, pw := range snapshot {
		wg.Add(1)
		go func(pw *poolWorker) {
			defer wg.Done()
			if err := pw.worker.Stop(ctx); err != nil {
				pw.worker.Kill()
			}
			<-pw.worker.Done()
		}(pw)
	}
	wg.Wait()
	return nil
}

// PoolStats is a point-in-time snapshot of pool state and counters.
type PoolStats struct {
	Workers        int
	Idle           int
	Busy           int
	Starting       int
	MaxWorkers     int
	ReservedMemory int64
	MaxMemory      int64
	Spawned        uint64
	Reused         uint64
	Crashed        uint64
	MemoryKills    uint64
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Workers:        len(p.workers),
		Starting:       p.starting,
		MaxWorkers:     p.opts.MaxWorkers,
		ReservedMemory: p.reserved,
		MaxMemory:      p.opts.MaxMemory,
		Spawned:        p.spawned,
		Reused:         p.reused,
		Crashed:        p.crashed,
		MemoryKills:    p.memoryKills,
	}
	for _, pw := range p.workers {
		if pw.busy {
			stats.Busy++
		} else {
			stats.Idle++
		}
	}
	return stats
}
