package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
)

const DefaultWorkers = 128

// Observer receives pipeline statistics.
type Observer interface {
	ObserveWrite(n int)
	ObserveResult(state State)
}

// Toucher keeps the allowance scopes of a running task alive.
type Toucher interface {
	Touch(fileID, clientID string)
}

// Refiller tells when the allowance scopes are refilled next.
type Refiller interface {
	UntilNextRefill() time.Duration
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Tick is the refill period of the allowance scopes
	Tick time.Duration
	// Workers is the number of steps running at once
	Workers int
	// BufferSize bounds the bytes moved by one write step
	BufferSize int
	Clock      clock.WithDelayedExecution
	Observer   Observer
	Toucher    Toucher
	// Refiller aligns waits for allowance on the refills, tasks wait a
	// whole Tick without it
	Refiller Refiller
}

// Pool runs chunk tasks on a fixed set of workers fed from a queue. A
// task never waits for allowance on a worker: a step that finds no
// allowance reschedules the task for the next refill.
type Pool struct {
	logger     logr.Logger
	clock      clock.WithDelayedExecution
	tick       time.Duration
	bufferSize int
	observer   Observer
	toucher    Toucher
	refiller   Refiller

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Task
	closed  bool
	tasks   map[*Task]struct{}
	workers sync.WaitGroup

	awaiting atomic.Int64
}

// NewPool creates a pool and starts its workers.
func NewPool(logger logr.Logger, cfg PoolConfig) (p *Pool) {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	p = &Pool{
		logger:     logger.WithName("pipeline"),
		clock:      cfg.Clock,
		tick:       cfg.Tick,
		bufferSize: cfg.BufferSize,
		observer:   cfg.Observer,
		toucher:    cfg.Toucher,
		refiller:   cfg.Refiller,
		tasks:      make(map[*Task]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go p.work()
	}
	return
}

// Submit starts a chunk task. ctx cancels the task at its next step.
func (p *Pool) Submit(ctx context.Context, cfg TaskConfig) (t *Task, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		err = ErrPoolClosed
		return
	}
	t = newTask(ctx, cfg, p.bufferSize)
	p.tasks[t] = struct{}{}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return
}

// Awaiting returns the number of tasks waiting for allowance.
func (p *Pool) Awaiting() int64 {
	return p.awaiting.Load()
}

// Running returns the number of unfinished tasks.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Close stops the workers, unfinished tasks fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()

	p.mu.Lock()
	pending := lo.Keys(p.tasks)
	p.mu.Unlock()
	for _, t := range pending {
		p.finish(t, Result{State: StateFailed, Err: ErrPoolClosed})
	}
	p.logger.Info("closed chunk pipeline", "abandonedTasks", len(pending))
}

// resubmit queues the next step of t.
func (p *Pool) resubmit(t *Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.finish(t, Result{State: StateFailed, Err: ErrPoolClosed})
		return
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	p.mu.Unlock()
}

// resubmitAfter queues the next step of t once delay elapsed.
func (p *Pool) resubmitAfter(t *Task, delay time.Duration) {
	p.awaiting.Add(1)
	p.clock.AfterFunc(delay, func() {
		p.awaiting.Add(-1)
		p.resubmit(t)
	})
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.step(t)
	}
}

// untilRefill returns the delay of a task waiting for allowance, slightly
// past the next refill.
func (p *Pool) untilRefill() time.Duration {
	if p.refiller == nil {
		return p.tick
	}
	return p.refiller.UntilNextRefill() + p.tick/50
}

// finalizeDelay spreads the end of a drained stream over the share of the
// current tick its bytes used, so that a chunk never completes faster
// than its rate.
func (p *Pool) finalizeDelay(t *Task) time.Duration {
	if p.refiller == nil {
		return 0
	}
	usage := max(
		t.scopes.Request.TickUsage(),
		t.scopes.Client.TickUsage(),
		t.scopes.Master.TickUsage(),
	)
	if usage <= 0 {
		return 0
	}
	return p.refiller.UntilNextRefill() + time.Duration(float64(p.tick)*(usage-1))
}

// step runs one Dispatch of t and whatever Write follows it.
func (p *Pool) step(t *Task) {
	t.state = StateDispatch
	if p.toucher != nil {
		p.toucher.Touch(t.fileID, t.clientID)
	}
	if t.drained {
		p.finalize(t)
		return
	}

	if err := t.ctx.Err(); err != nil {
		res := Result{State: StateCancelled, Err: ErrClientDisconnected}
		if errors.Is(err, context.DeadlineExceeded) {
			res.Err = err
		}
		p.finish(t, res)
		return
	}
	if t.scopes.Request.CancelRequested() || t.scopes.Request.Paused() {
		p.finish(t, Result{State: StateCancelled})
		return
	}

	available := lo.Min([]int64{
		t.scopes.Request.Remaining(),
		t.scopes.Client.Remaining(),
		t.scopes.Master.Remaining(),
		int64(len(t.buf)),
	})
	available = max(available, 0)

	// an empty read still reports the end of a stream with no allowance left
	t.state = StateWrite
	n, err := t.reader.Read(t.buf[:available])
	if n > 0 {
		if _, werr := t.output.Write(t.buf[:n]); werr != nil {
			p.finish(t, Result{State: StateFailed, Err: werr})
			return
		}
		t.written.Add(int64(n))
		t.scopes.Request.Consume(int64(n))
		t.scopes.Client.Consume(int64(n))
		t.scopes.Master.Consume(int64(n))
		if p.observer != nil {
			p.observer.ObserveWrite(n)
		}
	}

	switch {
	case err == nil && available == 0:
		t.state = StateAwaitAllowance
		p.resubmitAfter(t, p.untilRefill())
	case err == nil:
		p.resubmit(t)
	case errors.Is(err, io.EOF):
		if delay := p.finalizeDelay(t); delay > 0 {
			t.drained = true
			p.resubmitAfter(t, delay)
			return
		}
		p.finalize(t)
	case isTimeout(err):
		p.logger.Info("chunk stream timed out", "fileID", t.fileID, "written", t.written.Load())
		p.finish(t, Result{State: StateCancelled, Err: err})
	case IsClientDisconnect(err):
		p.logger.V(1).Info("client disconnected during chunk", "fileID", t.fileID, "written", t.written.Load())
		p.finish(t, Result{State: StateCancelled, Err: ErrClientDisconnected})
	default:
		p.finish(t, Result{State: StateFailed, Err: err})
	}
}

func (p *Pool) finalize(t *Task) {
	sum := t.reader.Checksum()
	if err := checksum.Compare(t.expected, sum); err != nil {
		p.finish(t, Result{State: StateFailed, Checksum: sum, Err: err})
		return
	}
	p.finish(t, Result{State: StateCompleted, Checksum: sum})
}

func (p *Pool) finish(t *Task, res Result) {
	res, finished := t.finish(res)
	if !finished {
		return
	}
	p.mu.Lock()
	delete(p.tasks, t)
	p.mu.Unlock()
	if p.observer != nil {
		p.observer.ObserveResult(res.State)
	}
}
