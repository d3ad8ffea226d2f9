package powerplant

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/registry"
	"github.com/danmuck/powerplant/internal/scheduler"
)

var ErrTypeMismatch = errors.New("powerplant: emission value does not match subscription type")

type (
	Scope  = registry.Scope
	Policy = scheduler.Policy
)

const (
	Local   = registry.Local
	Network = registry.Network

	Unbounded        = scheduler.Unbounded
	SingleConcurrent = scheduler.SingleConcurrent
	Queued           = scheduler.Queued
)

// Reactor is an installable unit of reactions.
type Reactor interface {
	Name() string
	Install(b *Binder) error
}

// ReactorFunc adapts a function to Reactor.
type ReactorFunc struct {
	ReactorName string
	Fn          func(b *Binder) error
}

func (r ReactorFunc) Name() string { return r.ReactorName }

func (r ReactorFunc) Install(b *Binder) error { return r.Fn(b) }

// Binder is handed to a reactor during Install and is only valid there.
type Binder struct {
	plant   *PowerPlant
	reactor string
	count   int
}

func (b *Binder) Reactor() string {
	return b.reactor
}

// Plant gives reactors a handle for emitting and requesting shutdown.
func (b *Binder) Plant() *PowerPlant {
	return b.plant
}

type subscribeOptions struct {
	policy    Policy
	dedicated bool
	network   bool
	name      string
}

type SubscribeOption func(*subscribeOptions)

func WithPolicy(p Policy) SubscribeOption {
	return func(o *subscribeOptions) {
		o.policy = p
	}
}

// Dedicated runs the reaction on its own on-demand worker.
func Dedicated() SubscribeOption {
	return func(o *subscribeOptions) {
		o.dedicated = true
	}
}

// WithNetwork also accepts values of this type from peers. The type must
// survive the wire codec; see network.ValidateWireType.
func WithNetwork() SubscribeOption {
	return func(o *subscribeOptions) {
		o.network = true
	}
}

func Named(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.name = strings.TrimSpace(name)
	}
}

// On subscribes fn to emissions of type T.
func On[T any](b *Binder, fn func(ctx context.Context, v T) error, opts ...SubscribeOption) error {
	if b == nil || b.plant == nil {
		return fmt.Errorf("%w: binder is not installing", ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil reaction", scheduler.ErrInvalidSubscription)
	}
	o := subscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	t := registry.TypeOf[T]()
	if o.network {
		if err := network.ValidateWireType(reflect.TypeFor[T]()); err != nil {
			return fmt.Errorf("%w: %s: %w", scheduler.ErrInvalidSubscription, t, err)
		}
	}
	b.count++
	name := o.name
	if name == "" {
		name = fmt.Sprintf("%s#%d", b.reactor, b.count)
	}

	sub := scheduler.Subscription{
		Type:      t,
		Policy:    o.policy,
		Reactor:   b.reactor,
		Name:      name,
		Dedicated: o.dedicated,
		Handler: func(ctx context.Context, e registry.Emission) error {
			v, ok := e.Value.(T)
			if !ok {
				return fmt.Errorf("%w: %s got %T", ErrTypeMismatch, t, e.Value)
			}
			return fn(ctx, v)
		},
	}
	in := registry.Interest{
		Reactor: b.reactor,
		Network: o.network,
		Phase:   registry.PhaseInstall,
	}
	if o.network {
		in.Factory = func() any { return new(T) }
	}
	return b.plant.bind(sub, in)
}
