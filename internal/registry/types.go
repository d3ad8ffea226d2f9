package registry

import (
	"context"
	"reflect"
)

// TypeID identifies an emitted Go type across processes: the declaring
// package path and the type name, e.g. "github.com/acme/app/events.Tick".
type TypeID string

// TypeOf returns the TypeID of T.
func TypeOf[T any]() TypeID {
	return typeIDFor(reflect.TypeFor[T]())
}

// TypeOfValue returns the TypeID of v's dynamic type, or "" for nil.
func TypeOfValue(v any) TypeID {
	if v == nil {
		return ""
	}
	return typeIDFor(reflect.TypeOf(v))
}

func typeIDFor(t reflect.Type) TypeID {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer && t.Name() == "" {
		return "*" + typeIDFor(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return TypeID(t.PkgPath() + "." + t.Name())
	}
	return TypeID(t.String())
}

// Scope decides how far an emission travels.
type Scope uint8

const (
	// Local emissions are dispatched only within this process.
	Local Scope = iota
	// Network emissions are dispatched locally and routed to interested peers.
	Network
)

func (s Scope) String() string {
	switch s {
	case Local:
		return "local"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Emission is one emitted value on its way through the registry.
type Emission struct {
	Type  TypeID
	Value any
	Scope Scope
	// Origin is empty for local values and the peer name for values received
	// from the network.
	Origin string
}

// Phase tags who declared an interest.
type Phase uint8

const (
	// PhaseInstall interests come from reactor subscriptions and are only
	// accepted before Seal.
	PhaseInstall Phase = iota
	// PhaseInfrastructure interests come from extensions and are accepted
	// any time.
	PhaseInfrastructure
)

// Interest describes one declaration of interest in a type.
type Interest struct {
	Reactor string
	// Network marks the type as visible across processes.
	Network bool
	// Factory returns a new pointer to a zero value of the type, used by
	// decoders. Optional for local-only interest.
	Factory func() any
	Phase   Phase
}

// EmitHook observes emissions. Implementations must be comparable (pointer
// receivers) so interest registration can be idempotent.
type EmitHook interface {
	OnEmit(ctx context.Context, e Emission) error
}

// InterestHook observes new (type, hook) interest declarations.
type InterestHook interface {
	OnDeclareInterest(t TypeID, in Interest)
}

// EmitHookFunc adapts a function to EmitHook for global hooks. Function
// values are not comparable; do not pass them to RegisterInterest.
type EmitHookFunc func(ctx context.Context, e Emission) error

func (f EmitHookFunc) OnEmit(ctx context.Context, e Emission) error {
	return f(ctx, e)
}
