// Package pulse broadcasts a periodic network beacon and counts the beacons
// received from peers.
package pulse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/powerplant"
	"github.com/danmuck/powerplant/internal/reactors"
	"github.com/danmuck/powerplant/internal/scheduler"
	"github.com/rs/zerolog"
)

const (
	Name            = "pulse"
	DefaultInterval = 5 * time.Second
)

func init() {
	reactors.MustRegister(Name, func() powerplant.Reactor { return New(DefaultInterval) })
}

// Beat is the network-visible beacon.
type Beat struct {
	From string    `json:"from"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
}

type Reactor struct {
	interval time.Duration
	log      zerolog.Logger

	sent atomic.Uint64

	mu   sync.Mutex
	last map[string]Beat
}

func New(interval time.Duration) *Reactor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reactor{
		interval: interval,
		log:      logging.Component(Name),
		last:     make(map[string]Beat),
	}
}

func (r *Reactor) Name() string {
	return Name
}

func (r *Reactor) Install(b *powerplant.Binder) error {
	plant := b.Plant()
	// The beacon loop blocks for the plant's lifetime, so it gets its own worker.
	if err := powerplant.On(b, func(ctx context.Context, s powerplant.Startup) error {
		return r.loop(ctx, plant, s.Name)
	}, powerplant.Dedicated(), powerplant.Named("pulse/loop")); err != nil {
		return err
	}
	return powerplant.On(b, r.onBeat, powerplant.WithNetwork(), powerplant.WithPolicy(powerplant.Queued), powerplant.Named("pulse/receive"))
}

func (r *Reactor) loop(ctx context.Context, plant *powerplant.PowerPlant, from string) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-plant.Stopping():
			return nil
		case <-ticker.C:
			beat := Beat{From: from, Seq: r.sent.Add(1), At: time.Now()}
			if err := powerplant.EmitNetwork(ctx, plant, beat); err != nil {
				r.log.Debug().Err(err).Msg("pulse.Reactor.loop emit failed")
			}
		}
	}
}

func (r *Reactor) onBeat(ctx context.Context, beat Beat) error {
	origin := scheduler.OriginFromContext(ctx)
	if origin == "" {
		return nil
	}
	r.mu.Lock()
	r.last[origin] = beat
	r.mu.Unlock()
	r.log.Debug().Str("from", origin).Uint64("seq", beat.Seq).Msg("pulse.Reactor.onBeat")
	return nil
}

// Sent is the number of beacons emitted.
func (r *Reactor) Sent() uint64 {
	return r.sent.Load()
}

// Last returns the most recent beacon from each peer.
func (r *Reactor) Last() map[string]Beat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Beat, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}
