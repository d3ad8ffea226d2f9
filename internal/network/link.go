package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/powerplant/internal/protocol/frame"
	"github.com/danmuck/powerplant/internal/protocol/schema"
	"github.com/danmuck/powerplant/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	ErrQueueFull  = errors.New("network: peer queue full")
	ErrLinkClosed = errors.New("network: peer link closed")
)

// peerLink owns the outbound data stream to one peer. A single writer
// goroutine drains the queue, so Route never blocks on a slow peer.
type peerLink struct {
	m       *Master
	peer    *peer
	queue   chan frame.Frame
	breaker *gobreaker.CircuitBreaker
	rng     *rand.Rand
	log     zerolog.Logger

	seq       atomic.Uint64
	sent      atomic.Uint64
	failures  atomic.Uint64
	connected atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newPeerLink(m *Master, p *peer) *peerLink {
	l := &peerLink{
		m:     m,
		peer:  p,
		queue: make(chan frame.Frame, m.cfg.QueueSize),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   m.log.With().Str("peer", p.key.String()).Logger(),
		done:  make(chan struct{}),
	}
	threshold := m.cfg.BreakerFailures
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.key.String(),
		MaxRequests: 1,
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("network.peerLink breaker state")
		},
	})
	return l
}

// enqueue hands f to the writer without blocking.
func (l *peerLink) enqueue(f frame.Frame) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.queue <- f:
		return nil
	default:
		l.failures.Add(1)
		return ErrQueueFull
	}
}

func (l *peerLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *peerLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// run connects, sends Hello, then drains the queue until the link is closed.
// Exhausted dials and an open breaker drop the peer.
func (l *peerLink) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := l.connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("network.peerLink.run unreachable")
			l.m.dropPeer(l.peer, ReasonUnreachable)
		}
		return
	}
	defer func() {
		l.connected.Store(false)
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.queue:
			sendErr := l.send(conn, f)
			if sendErr == nil {
				continue
			}
			if l.breaker.State() == gobreaker.StateOpen || errors.Is(sendErr, gobreaker.ErrOpenState) {
				l.log.Warn().Err(sendErr).Msg("network.peerLink.run breaker open")
				l.m.dropPeer(l.peer, ReasonSendFailure)
				return
			}
			_ = conn.Close()
			l.connected.Store(false)
			conn, err = l.connect(ctx)
			if err != nil {
				if ctx.Err() == nil {
					l.m.dropPeer(l.peer, ReasonUnreachable)
				}
				return
			}
		}
	}
}

func (l *peerLink) send(conn net.Conn, f frame.Frame) error {
	f.Header.Sequence = l.seq.Add(1)
	_, err := l.breaker.Execute(func() (interface{}, error) {
		if err := conn.SetWriteDeadline(time.Now().Add(l.m.cfg.WriteTimeout)); err != nil {
			return nil, err
		}
		return nil, frame.WriteFrame(conn, f, frame.DefaultLimits())
	})
	if err != nil {
		l.failures.Add(1)
		l.m.sendFailed()
		l.log.Debug().Err(err).Str("message", schema.MessageName(f.Header.MessageType)).Msg("network.peerLink.send failed")
		return err
	}
	l.sent.Add(1)
	return nil
}

// connect dials with backoff and writes the Hello frame.
func (l *peerLink) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= l.m.cfg.DialAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, NextBackoffDelay(l.m.cfg.Backoff, attempt-1, l.rng)); err != nil {
				return nil, err
			}
		}
		conn, err := l.dialOnce(ctx)
		if err == nil {
			l.connected.Store(true)
			l.log.Debug().Int("attempt", attempt).Msg("network.peerLink.connect ready")
			return conn, nil
		}
		lastErr = err
		l.log.Debug().Err(err).Int("attempt", attempt).Str("addr", l.peer.dialAddr).Msg("network.peerLink.connect dial failed")
	}
	return nil, fmt.Errorf("network: dial %s after %d attempts: %w", l.peer.dialAddr, l.m.cfg.DialAttempts, lastErr)
}

func (l *peerLink) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: l.m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.peer.dialAddr)
	if err != nil {
		return nil, err
	}
	hello, err := wire.HelloFrame(l.seq.Add(1), l.m.hello())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(l.m.cfg.HandshakeTimeout))
	if err := frame.WriteFrame(conn, hello, frame.DefaultLimits()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
