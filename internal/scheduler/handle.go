package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/powerplant/internal/registry"
)

// Handle is one live subscription and its admission state.
type Handle struct {
	sub Subscription

	// SingleConcurrent: set from admission until the task finishes.
	busy atomic.Bool

	// Queued: holding is the ordering token; pending is the backlog.
	mu      sync.Mutex
	holding bool
	pending []registry.Emission

	admitted  atomic.Uint64
	skipped   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func (h *Handle) Name() string {
	if h.sub.Name != "" {
		return h.sub.Name
	}
	if h.sub.Reactor != "" {
		return h.sub.Reactor + "/" + string(h.sub.Type)
	}
	return string(h.sub.Type)
}

func (h *Handle) Subscription() Subscription {
	return h.sub
}

func (h *Handle) run(ctx context.Context, e registry.Emission) (err error) {
	finished := false
	defer func() {
		if finished && err == nil {
			h.completed.Add(1)
		} else {
			h.failed.Add(1)
		}
	}()
	err = h.sub.Handler(WithOrigin(ctx, e.Origin), e)
	finished = true
	return err
}

// releaseToken drops the backlog and frees the ordering token. It returns
// the number of dropped emissions.
func (h *Handle) releaseToken() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := len(h.pending)
	h.pending = nil
	h.holding = false
	return dropped
}

type SubscriptionStats struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Reactor   string `json:"reactor"`
	Policy    string `json:"policy"`
	Dedicated bool   `json:"dedicated"`
	Admitted  uint64 `json:"admitted"`
	Skipped   uint64 `json:"skipped"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

func (h *Handle) Stats() SubscriptionStats {
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()
	return SubscriptionStats{
		Name:      h.Name(),
		Type:      string(h.sub.Type),
		Reactor:   h.sub.Reactor,
		Policy:    h.sub.Policy.String(),
		Dedicated: h.sub.Dedicated,
		Admitted:  h.admitted.Load(),
		Skipped:   h.skipped.Load(),
		Completed: h.completed.Load(),
		Failed:    h.failed.Load(),
		Pending:   pending,
	}
}

type originKey struct{}

// WithOrigin tags ctx with the peer an emission came from.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the originating peer name, or "" for local
// emissions.
func OriginFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
