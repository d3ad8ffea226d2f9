// Package powerplant is the coordinator that owns the dispatch engine.
//
// Ownership boundary:
// - the process-scoped identity service and captured command line
// - the pool, scheduler and registry, wired at New
// - the optional network master, a global emit hook and interest listener
// - the lifecycle: install -> starting -> running -> stopping -> stopped
//
// Start order:
// - init main identity, seal the registry, start the pool, start the network
// - emit Startup and *cmdline.Args, then block until Shutdown or ctx done
// - drain the pool, run Shutdown reactions inline, stop the network
package powerplant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/powerplant/internal/cmdline"
	"github.com/danmuck/powerplant/internal/identity"
	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/pool"
	"github.com/danmuck/powerplant/internal/registry"
	"github.com/danmuck/powerplant/internal/scheduler"
	"github.com/rs/zerolog"
)

var (
	ErrLifecycleOrder = errors.New("powerplant: invalid lifecycle transition")
	ErrNilReactor     = errors.New("powerplant: reactor is required")
)

// Phase describes coordinator lifecycle transitions.
type Phase string

const (
	PhaseInstall  Phase = "install"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

type Option func(*PowerPlant)

// WithAnnouncer replaces multicast discovery, typically with a MemoryBus
// endpoint in tests.
func WithAnnouncer(a network.Announcer) Option {
	return func(p *PowerPlant) {
		p.announcer = a
	}
}

type PowerPlant struct {
	cfg  Config
	log  zerolog.Logger
	ids  *identity.Service
	args *cmdline.Args

	reg    *registry.Registry
	pool   *pool.Pool
	sched  *scheduler.Scheduler
	master *network.Master

	announcer network.Announcer

	mu        sync.RWMutex
	phase     Phase
	reactors  []string
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	failures     atomic.Uint64
}

func New(cfg Config, opts ...Option) (*PowerPlant, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &PowerPlant{
		cfg:        cfg,
		log:        logging.Component("powerplant").With().Str("node", cfg.Name).Logger(),
		ids:        identity.NewService(),
		args:       cmdline.Capture(cfg.Args),
		phase:      PhaseInstall,
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.reg = registry.New(registry.WithNode(cfg.Name))
	p.pool = pool.New(pool.Config{Node: cfg.Name}, p.ids, pool.WithFailureReporter(p.reportFailure))
	p.sched = scheduler.New(p.pool, scheduler.WithNode(cfg.Name))

	if cfg.NetworkEnabled {
		var netOpts []network.Option
		if p.announcer != nil {
			netOpts = append(netOpts, network.WithAnnouncer(p.announcer))
		}
		master, err := network.New(cfg.Network, p.reg, netOpts...)
		if err != nil {
			return nil, err
		}
		if err := p.reg.AddEmitHook(master); err != nil {
			return nil, err
		}
		if err := p.reg.AddInterestListener(master); err != nil {
			return nil, err
		}
		p.master = master
	}
	return p, nil
}

// Install lets r declare its reactions. Only valid before Start.
func (p *PowerPlant) Install(r Reactor) error {
	if r == nil {
		return ErrNilReactor
	}
	if phase := p.Phase(); phase != PhaseInstall {
		return transitionError(phase, PhaseInstall)
	}
	b := &Binder{plant: p, reactor: r.Name()}
	if err := r.Install(b); err != nil {
		return fmt.Errorf("powerplant: install %s: %w", r.Name(), err)
	}
	p.mu.Lock()
	p.reactors = append(p.reactors, r.Name())
	p.mu.Unlock()
	p.log.Debug().Str("reactor", r.Name()).Int("reactions", b.count).Msg("powerplant.PowerPlant.Install")
	return nil
}

func (p *PowerPlant) bind(sub scheduler.Subscription, in registry.Interest) error {
	if phase := p.Phase(); phase != PhaseInstall {
		return transitionError(phase, PhaseInstall)
	}
	if _, err := p.sched.Subscribe(sub); err != nil {
		return err
	}
	return p.reg.RegisterInterest(sub.Type, p.sched, in)
}

// Start runs the plant until Shutdown is called or ctx is cancelled. Only
// startup failures are returned; reaction failures are reported and counted.
func (p *PowerPlant) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.transition(PhaseInstall, PhaseStarting); err != nil {
		return err
	}
	mainCtx, err := p.ids.InitMain(ctx)
	if err != nil {
		p.setPhase(PhaseStopped)
		return err
	}
	p.reg.Seal()

	if err := p.pool.Start(p.cfg.Workers); err != nil {
		p.setPhase(PhaseStopped)
		return fmt.Errorf("powerplant: start pool: %w", err)
	}
	if p.master != nil {
		if err := p.master.Start(context.WithoutCancel(mainCtx)); err != nil {
			p.drain(mainCtx)
			p.setPhase(PhaseStopped)
			return fmt.Errorf("powerplant: start network: %w", err)
		}
	}

	p.mu.Lock()
	p.phase = PhaseRunning
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.log.Info().
		Int("workers", p.cfg.Workers).
		Bool("network", p.master != nil).
		Msg("powerplant.PowerPlant.Start running")

	p.emitLogged(mainCtx, registry.Emission{Value: Startup{Name: p.cfg.Name, At: time.Now()}})
	p.emitLogged(mainCtx, registry.Emission{Value: p.args})

	select {
	case <-p.shutdownCh:
	case <-ctx.Done():
	}
	return p.stop(context.WithoutCancel(mainCtx))
}

func (p *PowerPlant) stop(ctx context.Context) error {
	p.setPhase(PhaseStopping)
	p.log.Info().Msg("powerplant.PowerPlant.stop draining")

	var errs []error
	if err := p.drain(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := p.sched.RunInline(ctx, registry.Emission{
		Type:  registry.TypeOf[Shutdown](),
		Value: Shutdown{Name: p.cfg.Name, At: time.Now()},
	}); err != nil {
		p.failures.Add(1)
		p.log.Warn().Err(err).Msg("powerplant.PowerPlant.stop shutdown reactions failed")
	}

	if p.master != nil {
		stopCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		err := p.master.Stop(stopCtx)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.setPhase(PhaseStopped)
	p.log.Info().Msg("powerplant.PowerPlant.stop stopped")
	return errors.Join(errs...)
}

func (p *PowerPlant) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.pool.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("powerplant: drain pool: %w", err)
	}
	return nil
}

// Shutdown requests a graceful stop. It never blocks and is safe to call from
// inside a reaction or more than once.
func (p *PowerPlant) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.log.Debug().Msg("powerplant.PowerPlant.Shutdown requested")
		close(p.shutdownCh)
	})
}

// Stopping is closed once Shutdown has been requested. Long-running
// reactions select on it, since the pool never cancels a running task.
func (p *PowerPlant) Stopping() <-chan struct{} {
	return p.shutdownCh
}

// Emit publishes v. Network scope also delivers locally. Emitting a type
// nobody subscribed to is a no-op.
func Emit[T any](ctx context.Context, p *PowerPlant, v T, scope Scope) error {
	return p.emit(ctx, registry.Emission{
		Type:  registry.TypeOf[T](),
		Value: v,
		Scope: scope,
	})
}

func EmitLocal[T any](ctx context.Context, p *PowerPlant, v T) error {
	return Emit(ctx, p, v, Local)
}

func EmitNetwork[T any](ctx context.Context, p *PowerPlant, v T) error {
	return Emit(ctx, p, v, Network)
}

func (p *PowerPlant) emit(ctx context.Context, e registry.Emission) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.reg.DispatchEmit(ctx, e)
}

func (p *PowerPlant) emitLogged(ctx context.Context, e registry.Emission) {
	if err := p.emit(ctx, e); err != nil {
		p.log.Warn().Err(err).Str("type", string(registry.TypeOfValue(e.Value))).Msg("powerplant.PowerPlant.emit failed")
	}
}

func (p *PowerPlant) reportFailure(ctx context.Context, task pool.Task, err error) {
	p.failures.Add(1)
	worker, _ := identity.FromContext(ctx)
	p.log.Debug().
		Err(err).
		Str("task", task.Name).
		Str("worker", worker.String()).
		Msg("powerplant.PowerPlant.reaction failed")
}

func (p *PowerPlant) transition(from, to Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != from {
		return transitionError(p.phase, to)
	}
	p.phase = to
	return nil
}

func (p *PowerPlant) setPhase(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

func (p *PowerPlant) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *PowerPlant) Name() string {
	return p.cfg.Name
}

func (p *PowerPlant) Identity() *identity.Service {
	return p.ids
}

func (p *PowerPlant) CommandLine() *cmdline.Args {
	return p.args
}

// Network returns the master, or nil when networking is disabled.
func (p *PowerPlant) Network() *network.Master {
	return p.master
}

// Peers is empty when networking is disabled.
func (p *PowerPlant) Peers() []network.PeerRecord {
	if p.master == nil {
		return nil
	}
	return p.master.Peers()
}

type Stats struct {
	Name          string                        `json:"name"`
	Phase         Phase                         `json:"phase"`
	Uptime        string                        `json:"uptime"`
	Reactors      []string                      `json:"reactors"`
	Failures      uint64                        `json:"failures"`
	Pool          pool.Stats                    `json:"pool"`
	Registry      registry.Stats                `json:"registry"`
	Subscriptions []scheduler.SubscriptionStats `json:"subscriptions"`
	Network       *network.Stats                `json:"network,omitempty"`
}

func (p *PowerPlant) Stats() Stats {
	p.mu.RLock()
	phase := p.phase
	started := p.startedAt
	reactors := append([]string(nil), p.reactors...)
	p.mu.RUnlock()

	out := Stats{
		Name:          p.cfg.Name,
		Phase:         phase,
		Reactors:      reactors,
		Failures:      p.failures.Load(),
		Pool:          p.pool.Stats(),
		Registry:      p.reg.Stats(),
		Subscriptions: p.sched.Stats(),
	}
	if !started.IsZero() {
		out.Uptime = time.Since(started).Round(time.Millisecond).String()
	}
	if p.master != nil {
		st := p.master.Stats()
		out.Network = &st
	}
	return out
}
