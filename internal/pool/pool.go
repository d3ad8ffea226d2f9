// Package pool owns the worker goroutines that execute reactions.
//
// Ownership boundary:
// - one shared FIFO of tasks guarded by a mutex and condition variable
// - long-lived workers started by Start, each with its own identity
// - on-demand dedicated workers for tasks that must not share the pool
// - cooperative shutdown: stop admission, drop queued work, drain in-flight
//
// Failures inside a task (returned errors and panics) never escape the
// worker; they are counted and handed to the configured FailureReporter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/powerplant/internal/identity"
	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNoWorkers       = errors.New("pool: worker count must be positive")
	ErrPoolStopped     = errors.New("pool: not accepting tasks")
	ErrAlreadyStarted  = errors.New("pool: already started")
	ErrNilTask         = errors.New("pool: task has no run function")
	ErrTaskPanicked    = errors.New("pool: task panicked")
	ErrMissingIdentity = errors.New("pool: identity service required")
)

// Task is one unit of schedulable work. It is claimed by exactly one worker.
type Task struct {
	ID        uuid.UUID
	Name      string
	Run       func(ctx context.Context) error
	Dedicated bool
}

// FailureReporter receives every task error and recovered panic.
type FailureReporter func(ctx context.Context, task Task, err error)

type Config struct {
	// Node labels logs and metrics.
	Node string
}

type Option func(*Pool)

func WithFailureReporter(fn FailureReporter) Option {
	return func(p *Pool) {
		p.report = fn
	}
}

type state uint8

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Stats struct {
	State     string `json:"state"`
	Workers   int    `json:"workers"`
	Dedicated int    `json:"dedicated"`
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type Pool struct {
	cfg    Config
	ids    *identity.Service
	report FailureReporter
	log    zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Task
	state     state
	workers   int
	dedicated int
	inFlight  int
	wg        sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, ids *identity.Service, opts ...Option) *Pool {
	p := &Pool{
		cfg: cfg,
		ids: ids,
		log: logging.Component("pool").With().Str("node", cfg.Node).Logger(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start spawns n long-lived workers. Each worker takes its identity before
// it can claim any task.
func (p *Pool) Start(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: got %d", ErrNoWorkers, n)
	}
	if p.ids == nil {
		return ErrMissingIdentity
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateIdle {
		return fmt.Errorf("%w: state=%s", ErrAlreadyStarted, p.state)
	}
	p.state = stateRunning
	for i := 0; i < n; i++ {
		id := p.ids.Allocate()
		p.workers++
		p.wg.Add(1)
		go p.runWorker(id)
	}
	p.log.Debug().Int("workers", n).Msg("pool.Pool.Start ready")
	return nil
}

// Submit enqueues task for any shared worker.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return fmt.Errorf("%w: state=%s task=%q", ErrPoolStopped, p.state, task.Name)
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// SpawnAdditionalWorker runs task on a fresh worker with a fresh identity.
// The worker exits when the task returns.
func (p *Pool) SpawnAdditionalWorker(task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.Dedicated = true

	p.mu.Lock()
	if p.state != stateRunning {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: state=%s task=%q", ErrPoolStopped, st, task.Name)
	}
	p.dedicated++
	p.inFlight++
	p.wg.Add(1)
	p.mu.Unlock()

	id := p.ids.Allocate()
	go func() {
		defer p.wg.Done()
		p.execute(identity.WithID(context.Background(), id), task)

		p.mu.Lock()
		p.dedicated--
		p.inFlight--
		p.mu.Unlock()
	}()
	return nil
}

// Shutdown stops admission, drops queued tasks and waits for in-flight tasks
// and every worker to finish. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	switch p.state {
	case stateIdle:
		p.state = stateStopped
		p.mu.Unlock()
		return nil
	case stateRunning:
		p.state = stateStopping
		dropped := len(p.queue)
		p.queue = nil
		p.dropped.Add(uint64(dropped))
		observability.RecordDroppedTasks(p.cfg.Node, dropped)
		p.log.Debug().Int("dropped", dropped).Int("in_flight", p.inFlight).Msg("pool.Pool.Shutdown draining")
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.mu.Lock()
		p.state = stateStopped
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool: shutdown interrupted: %w", ctx.Err())
	}
}

// Accepting reports whether Submit would currently admit work.
func (p *Pool) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:     p.state.String(),
		Workers:   p.workers,
		Dedicated: p.dedicated,
		Queued:    len(p.queue),
		InFlight:  p.inFlight,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pool) runWorker(id identity.ID) {
	defer p.wg.Done()
	ctx := identity.WithID(context.Background(), id)
	for {
		task, ok := p.next()
		if !ok {
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
		p.execute(ctx, task)

		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}
}

// next blocks until a task is available or the pool leaves the running state.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.state == stateRunning {
		p.cond.Wait()
	}
	if p.state != stateRunning {
		return Task{}, false
	}
	task := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	p.inFlight++
	return task, true
}

func (p *Pool) execute(ctx context.Context, task Task) {
	start := time.Now()
	err := runRecovered(ctx, task)
	observability.RecordTask(p.cfg.Node, err == nil, time.Since(start))
	if err == nil {
		p.completed.Add(1)
		return
	}

	p.failed.Add(1)
	id, _ := identity.FromContext(ctx)
	p.log.Warn().
		Err(err).
		Str("task", task.Name).
		Str("task_id", task.ID.String()).
		Stringer("worker", id).
		Bool("dedicated", task.Dedicated).
		Msg("pool.Pool.execute task failed")
	if p.report != nil {
		p.report(ctx, task, err)
	}
}

func runRecovered(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task=%q: %v", ErrTaskPanicked, task.Name, r)
		}
	}()
	return task.Run(ctx)
}
