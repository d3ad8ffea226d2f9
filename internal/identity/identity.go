// Package identity owns worker identity for the dispatch engine.
//
// Ownership boundary:
// - the single main identity, recorded once before any worker exists
// - pool identities drawn from one monotonically increasing counter
// - carrying the running worker's identity on context.Context
//
// Lifecycle order:
// - InitMain -> Allocate (any number of times, from any goroutine)
//
// Asking IsMain before InitMain always reports false; the PowerPlant calls
// InitMain before it starts the pool.
package identity

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
)

// ID is an opaque, comparable worker identity.
type ID uint64

const (
	NoID        ID = 0
	MainID      ID = 1
	FirstPoolID ID = 2
)

var ErrMainAlreadyInitialized = errors.New("identity: main identity already initialized")

func (id ID) String() string {
	switch id {
	case NoID:
		return "none"
	case MainID:
		return "main"
	default:
		return "worker-" + strconv.FormatUint(uint64(id), 10)
	}
}

// Service hands out identities for one process-scoped PowerPlant.
type Service struct {
	next    atomic.Uint64
	mainSet atomic.Bool
}

func NewService() *Service {
	s := &Service{}
	s.next.Store(uint64(FirstPoolID) - 1)
	return s
}

// InitMain records the calling goroutine as main and returns a context
// carrying MainID. It may succeed only once per Service.
func (s *Service) InitMain(ctx context.Context) (context.Context, error) {
	if !s.mainSet.CompareAndSwap(false, true) {
		return ctx, ErrMainAlreadyInitialized
	}
	return WithID(ctx, MainID), nil
}

// Initialized reports whether InitMain has completed.
func (s *Service) Initialized() bool {
	return s.mainSet.Load()
}

// Allocate returns a pool identity never returned before by this Service.
func (s *Service) Allocate() ID {
	return ID(s.next.Add(1))
}

// IsMain reports whether ctx belongs to the main goroutine.
func (s *Service) IsMain(ctx context.Context) bool {
	if !s.Initialized() {
		return false
	}
	id, ok := FromContext(ctx)
	return ok && id == MainID
}

type ctxKey struct{}

func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity of the worker running ctx.
func FromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return NoID, false
	}
	id, ok := ctx.Value(ctxKey{}).(ID)
	if !ok || id == NoID {
		return NoID, false
	}
	return id, true
}
