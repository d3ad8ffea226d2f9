// Package scheduler turns emissions into pool tasks.
//
// Ownership boundary:
// - subscriptions indexed by TypeID
// - per-subscription admission: Unbounded, SingleConcurrent, Queued
// - routing dedicated subscriptions to on-demand workers
//
// The scheduler never blocks an emitter: admission either submits a task,
// appends to a subscription's ordered backlog, or skips.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/observability"
	"github.com/danmuck/powerplant/internal/pool"
	"github.com/danmuck/powerplant/internal/registry"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidSubscription = errors.New("scheduler: invalid subscription")
	ErrHandlerPanic        = errors.New("scheduler: handler panicked")
)

// Policy is a subscription's admission rule.
type Policy uint8

const (
	// Unbounded admits every emission.
	Unbounded Policy = iota
	// SingleConcurrent admits only while no task of the subscription is
	// queued or running; other emissions are skipped.
	SingleConcurrent
	// Queued admits every emission and runs them one at a time in emission
	// order.
	Queued
)

func (p Policy) String() string {
	switch p {
	case Unbounded:
		return "unbounded"
	case SingleConcurrent:
		return "single"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(raw string) (Policy, error) {
	switch raw {
	case "", "unbounded":
		return Unbounded, nil
	case "single", "single_concurrent":
		return SingleConcurrent, nil
	case "queued":
		return Queued, nil
	default:
		return Unbounded, fmt.Errorf("%w: unknown policy %q", ErrInvalidSubscription, raw)
	}
}

type Handler func(ctx context.Context, e registry.Emission) error

type Subscription struct {
	Type    registry.TypeID
	Policy  Policy
	Handler Handler
	Reactor string
	Name    string
	// Dedicated runs each task on its own on-demand worker.
	Dedicated bool
}

// Submitter is the part of the pool the scheduler needs.
type Submitter interface {
	Submit(task pool.Task) error
	SpawnAdditionalWorker(task pool.Task) error
}

type Option func(*Scheduler)

func WithNode(node string) Option {
	return func(s *Scheduler) {
		s.node = node
	}
}

type Scheduler struct {
	submitter Submitter
	node      string
	log       zerolog.Logger

	mu   sync.RWMutex
	subs map[registry.TypeID][]*Handle
	all  []*Handle
}

func New(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		subs:      make(map[registry.TypeID][]*Handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = logging.Component("scheduler").With().Str("node", s.node).Logger()
	return s
}

// Subscribe records sub. The returned handle exposes its counters.
func (s *Scheduler) Subscribe(sub Subscription) (*Handle, error) {
	if sub.Type == "" || sub.Handler == nil {
		return nil, fmt.Errorf("%w: type=%q handler=%t", ErrInvalidSubscription, sub.Type, sub.Handler != nil)
	}
	if sub.Policy > Queued {
		return nil, fmt.Errorf("%w: policy=%d", ErrInvalidSubscription, sub.Policy)
	}
	h := &Handle{sub: sub}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.subs[sub.Type]
	next := make([]*Handle, len(existing), len(existing)+1)
	copy(next, existing)
	s.subs[sub.Type] = append(next, h)
	s.all = append(s.all, h)

	s.log.Debug().
		Str("type", string(sub.Type)).
		Str("reactor", sub.Reactor).
		Str("policy", sub.Policy.String()).
		Bool("dedicated", sub.Dedicated).
		Msg("scheduler.Scheduler.Subscribe")
	return h, nil
}

func (s *Scheduler) handles(t registry.TypeID) []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[t]
}

// OnEmit applies each matching subscription's admission policy. No matching
// subscription is a silent no-op.
func (s *Scheduler) OnEmit(_ context.Context, e registry.Emission) error {
	handles := s.handles(e.Type)
	if len(handles) == 0 {
		return nil
	}
	var errs []error
	for _, h := range handles {
		if err := s.admit(h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) admit(h *Handle, e registry.Emission) error {
	switch h.sub.Policy {
	case SingleConcurrent:
		if !h.busy.CompareAndSwap(false, true) {
			h.skipped.Add(1)
			observability.RecordAdmissionSkip(s.node, h.sub.Policy.String())
			return nil
		}
		err := s.dispatch(h, e, func() { h.busy.Store(false) })
		if err != nil {
			h.busy.Store(false)
		}
		return err

	case Queued:
		h.mu.Lock()
		if h.holding {
			h.pending = append(h.pending, e)
			h.mu.Unlock()
			return nil
		}
		h.holding = true
		h.mu.Unlock()

		err := s.dispatch(h, e, func() { s.handoff(h) })
		if err != nil {
			h.releaseToken()
		}
		return err

	default:
		return s.dispatch(h, e, nil)
	}
}

// handoff passes the ordering token to the oldest pending emission.
func (s *Scheduler) handoff(h *Handle) {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.holding = false
		h.mu.Unlock()
		return
	}
	next := h.pending[0]
	h.pending[0] = registry.Emission{}
	h.pending = h.pending[1:]
	h.mu.Unlock()

	if err := s.dispatch(h, next, func() { s.handoff(h) }); err != nil {
		dropped := h.releaseToken()
		s.log.Debug().
			Err(err).
			Str("subscription", h.Name()).
			Int("dropped", dropped+1).
			Msg("scheduler.Scheduler.handoff backlog dropped")
	}
}

func (s *Scheduler) dispatch(h *Handle, e registry.Emission, after func()) error {
	task := pool.Task{
		Name:      h.Name(),
		Dedicated: h.sub.Dedicated,
		Run: func(ctx context.Context) error {
			if after != nil {
				defer after()
			}
			return h.run(ctx, e)
		},
	}

	var err error
	if h.sub.Dedicated {
		err = s.submitter.SpawnAdditionalWorker(task)
	} else {
		err = s.submitter.Submit(task)
	}
	if err != nil {
		return fmt.Errorf("scheduler: admit %s: %w", h.Name(), err)
	}
	h.admitted.Add(1)
	return nil
}

// RunInline runs every handler subscribed to e.Type on the calling goroutine,
// ignoring admission policies. Used once the pool no longer accepts work.
func (s *Scheduler) RunInline(ctx context.Context, e registry.Emission) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, h := range s.handles(e.Type) {
		if err := runInline(ctx, h, e); err != nil {
			s.log.Warn().Err(err).Str("subscription", h.Name()).Msg("scheduler.Scheduler.RunInline handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runInline(ctx context.Context, h *Handle, e registry.Emission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, h.Name(), r)
		}
	}()
	h.admitted.Add(1)
	return h.run(ctx, e)
}

// Subscribed reports whether any subscription exists for t.
func (s *Scheduler) Subscribed(t registry.TypeID) bool {
	return len(s.handles(t)) > 0
}

func (s *Scheduler) Stats() []SubscriptionStats {
	s.mu.RLock()
	all := make([]*Handle, len(s.all))
	copy(all, s.all)
	s.mu.RUnlock()

	out := make([]SubscriptionStats, 0, len(all))
	for _, h := range all {
		out = append(out, h.Stats())
	}
	return out
}
