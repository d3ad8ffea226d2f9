// Package registry is the single fan-out point for emissions.
//
// Ownership boundary:
// - the type table: TypeID -> hooks that declared interest in that type
// - global emit hooks that observe every emission (scheduler, network)
// - interest listeners notified when a new (type, hook) pair appears
// - the install phase: reactor interest is accepted only until Seal
//
// Hook failures are isolated: an error or panic from one hook is logged,
// counted and joined into the DispatchEmit result, and every other hook still
// runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrSealed       = errors.New("registry: installation phase is over")
	ErrInvalidType  = errors.New("registry: type id is required")
	ErrNilHook      = errors.New("registry: hook is required")
	ErrHookPanic    = errors.New("registry: hook panicked")
	ErrUncomparable = errors.New("registry: interest hooks must be comparable")
)

type Option func(*Registry)

// WithNode labels logs and metrics.
func WithNode(node string) Option {
	return func(r *Registry) {
		r.node = node
	}
}

type typeEntry struct {
	hooks     []EmitHook
	interests []Interest
	network   bool
}

type declaration struct {
	t  TypeID
	in Interest
}

// Registry is safe for concurrent use. Slices stored in the table are never
// mutated in place, so dispatch can read them after releasing the lock.
type Registry struct {
	node string
	log  zerolog.Logger

	mu           sync.RWMutex
	types        map[TypeID]*typeEntry
	globals      []EmitHook
	listeners    []InterestHook
	declarations []declaration
	sealed       bool

	dispatched   atomic.Uint64
	hookFailures atomic.Uint64
}

func New(opts ...Option) *Registry {
	r := &Registry{
		types: make(map[TypeID]*typeEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logging.Component("registry").With().Str("node", r.node).Logger()
	return r
}

// RegisterInterest records that hook wants emissions of type t. Repeating the
// same (t, hook) pair is a no-op. New pairs are announced to hook itself when
// it implements InterestHook and to every interest listener.
func (r *Registry) RegisterInterest(t TypeID, hook EmitHook, in Interest) error {
	if t == "" {
		return ErrInvalidType
	}
	if hook == nil {
		return ErrNilHook
	}
	if !reflect.TypeOf(hook).Comparable() {
		return fmt.Errorf("%w: %T", ErrUncomparable, hook)
	}

	r.mu.Lock()
	if in.Phase == PhaseInstall && r.sealed {
		r.mu.Unlock()
		return fmt.Errorf("%w: type=%s reactor=%q", ErrSealed, t, in.Reactor)
	}
	entry, ok := r.types[t]
	if !ok {
		entry = &typeEntry{}
		r.types[t] = entry
	}
	for _, existing := range entry.hooks {
		if existing == hook {
			if in.Network && !entry.network {
				entry.network = true
				entry.interests = appendInterest(entry.interests, in)
				r.declarations = append(r.declarations, declaration{t: t, in: in})
				listeners := r.listeners
				r.mu.Unlock()
				r.notify(t, hook, in, listeners)
				return nil
			}
			r.mu.Unlock()
			return nil
		}
	}
	hooks := make([]EmitHook, len(entry.hooks), len(entry.hooks)+1)
	copy(hooks, entry.hooks)
	entry.hooks = append(hooks, hook)
	entry.interests = appendInterest(entry.interests, in)
	if in.Network {
		entry.network = true
	}
	r.declarations = append(r.declarations, declaration{t: t, in: in})
	listeners := r.listeners
	r.mu.Unlock()

	r.log.Debug().
		Str("type", string(t)).
		Str("reactor", in.Reactor).
		Bool("network", in.Network).
		Msg("registry.Registry.RegisterInterest")
	r.notify(t, hook, in, listeners)
	return nil
}

func appendInterest(list []Interest, in Interest) []Interest {
	out := make([]Interest, len(list), len(list)+1)
	copy(out, list)
	return append(out, in)
}

func (r *Registry) notify(t TypeID, hook EmitHook, in Interest, listeners []InterestHook) {
	if ih, ok := hook.(InterestHook); ok {
		r.safeDeclare(ih, t, in)
	}
	for _, l := range listeners {
		if any(l) == any(hook) {
			continue
		}
		r.safeDeclare(l, t, in)
	}
}

func (r *Registry) safeDeclare(l InterestHook, t TypeID, in Interest) {
	defer func() {
		if rec := recover(); rec != nil {
			r.hookFailures.Add(1)
			observability.RecordHookFailure(r.node)
			r.log.Error().
				Str("type", string(t)).
				Interface("panic", rec).
				Msg("registry.Registry.notify interest listener panicked")
		}
	}()
	l.OnDeclareInterest(t, in)
}

// AddEmitHook registers h to observe every emission.
func (r *Registry) AddEmitHook(h EmitHook) error {
	if h == nil {
		return ErrNilHook
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	globals := make([]EmitHook, len(r.globals), len(r.globals)+1)
	copy(globals, r.globals)
	r.globals = append(globals, h)
	return nil
}

// AddInterestListener registers l for future interest declarations and
// replays every declaration made so far.
func (r *Registry) AddInterestListener(l InterestHook) error {
	if l == nil {
		return ErrNilHook
	}
	r.mu.Lock()
	listeners := make([]InterestHook, len(r.listeners), len(r.listeners)+1)
	copy(listeners, r.listeners)
	r.listeners = append(listeners, l)
	replay := make([]declaration, len(r.declarations))
	copy(replay, r.declarations)
	r.mu.Unlock()

	for _, d := range replay {
		r.safeDeclare(l, d.t, d.in)
	}
	return nil
}

// Seal ends the installation phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// DispatchEmit hands e to every global hook and every hook interested in
// e.Type. A type nobody listens to is a silent no-op. The returned error joins
// the individual hook failures; it never means other hooks were skipped.
func (r *Registry) DispatchEmit(ctx context.Context, e Emission) error {
	if e.Type == "" {
		e.Type = TypeOfValue(e.Value)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.RLock()
	globals := r.globals
	var hooks []EmitHook
	if entry, ok := r.types[e.Type]; ok {
		hooks = entry.hooks
	}
	r.mu.RUnlock()

	r.dispatched.Add(1)
	observability.RecordEmission(r.node, e.Scope.String())

	var errs []error
	for _, h := range hooks {
		if err := r.invoke(ctx, h, e); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range globals {
		if err := r.invoke(ctx, h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) invoke(ctx context.Context, h EmitHook, e Emission) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: type=%s: %v", ErrHookPanic, e.Type, rec)
		}
		if err != nil {
			r.hookFailures.Add(1)
			observability.RecordHookFailure(r.node)
			r.log.Warn().
				Err(err).
				Str("type", string(e.Type)).
				Str("scope", e.Scope.String()).
				Str("hook", fmt.Sprintf("%T", h)).
				Msg("registry.Registry.DispatchEmit hook failed")
		}
	}()
	return h.OnEmit(ctx, e)
}

// Interested reports whether any hook declared interest in t.
func (r *Registry) Interested(t TypeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[t]
	return ok && len(entry.hooks) > 0
}

// NetworkVisible reports whether any declaration marked t as network-visible.
func (r *Registry) NetworkVisible(t TypeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[t]
	return ok && entry.network
}

// Interests returns a copy of the declarations recorded for t.
func (r *Registry) Interests(t TypeID) []Interest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[t]
	if !ok {
		return nil
	}
	out := make([]Interest, len(entry.interests))
	copy(out, entry.interests)
	return out
}

// Types returns every type with declared interest, sorted.
func (r *Registry) Types() []TypeID {
	r.mu.RLock()
	out := make([]TypeID, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Stats struct {
	Types        int    `json:"types"`
	Dispatched   uint64 `json:"dispatched"`
	HookFailures uint64 `json:"hook_failures"`
	Sealed       bool   `json:"sealed"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Types:        len(r.types),
		Dispatched:   r.dispatched.Load(),
		HookFailures: r.hookFailures.Load(),
		Sealed:       r.sealed,
	}
}
