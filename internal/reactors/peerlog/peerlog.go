// Package peerlog logs peer membership changes and keeps the current roster.
package peerlog

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/powerplant"
	"github.com/danmuck/powerplant/internal/reactors"
	"github.com/rs/zerolog"
)

const Name = "peerlog"

func init() {
	reactors.MustRegister(Name, func() powerplant.Reactor { return New() })
}

type Reactor struct {
	log zerolog.Logger

	mu     sync.Mutex
	roster map[network.PeerKey]string

	// applied is the newest event Seq taken per peer.
	applied map[network.PeerKey]uint64
	joins   int
	leaves  int
	stale   int
}

func New() *Reactor {
	return &Reactor{
		log:     logging.Component(Name),
		roster:  make(map[network.PeerKey]string),
		applied: make(map[network.PeerKey]uint64),
	}
}

func (r *Reactor) Name() string {
	return Name
}

// Install subscribes Join and Leave separately, each Queued. The two queues do
// not order against each other, so events carry Seq and older ones are
// discarded.
func (r *Reactor) Install(b *powerplant.Binder) error {
	if err := powerplant.On(b, r.onJoin, powerplant.WithPolicy(powerplant.Queued), powerplant.Named("peerlog/join")); err != nil {
		return err
	}
	return powerplant.On(b, r.onLeave, powerplant.WithPolicy(powerplant.Queued), powerplant.Named("peerlog/leave"))
}

// fresh records seq for key and reports whether it is newer than anything
// already applied. Zero means unsequenced and is always taken. Callers hold mu.
func (r *Reactor) fresh(key network.PeerKey, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= r.applied[key] {
		r.stale++
		return false
	}
	r.applied[key] = seq
	return true
}

func (r *Reactor) onJoin(_ context.Context, j network.Join) error {
	r.mu.Lock()
	r.joins++
	if !r.fresh(j.Peer, j.Seq) {
		r.mu.Unlock()
		r.log.Debug().Str("peer", j.Peer.String()).Uint64("seq", j.Seq).Msg("peerlog.Reactor.onJoin stale")
		return nil
	}
	r.roster[j.Peer] = j.Instance
	size := len(r.roster)
	r.mu.Unlock()

	r.log.Info().
		Str("peer", j.Peer.String()).
		Str("instance", j.Instance).
		Int("peers", size).
		Msg("peerlog.Reactor.onJoin")
	return nil
}

func (r *Reactor) onLeave(_ context.Context, l network.Leave) error {
	r.mu.Lock()
	r.leaves++
	if !r.fresh(l.Peer, l.Seq) {
		r.mu.Unlock()
		r.log.Debug().Str("peer", l.Peer.String()).Uint64("seq", l.Seq).Msg("peerlog.Reactor.onLeave stale")
		return nil
	}
	if instance, ok := r.roster[l.Peer]; ok && instance == l.Instance {
		delete(r.roster, l.Peer)
	}
	size := len(r.roster)
	r.mu.Unlock()

	r.log.Info().
		Str("peer", l.Peer.String()).
		Str("reason", string(l.Reason)).
		Int("peers", size).
		Msg("peerlog.Reactor.onLeave")
	return nil
}

// Roster returns the names of peers currently joined, sorted.
func (r *Reactor) Roster() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.roster))
	for key := range r.roster {
		out = append(out, key.String())
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of Join and Leave events seen.
func (r *Reactor) Counts() (joins, leaves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins, r.leaves
}

// Stale is how many events arrived after a newer one for the same peer.
func (r *Reactor) Stale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}
