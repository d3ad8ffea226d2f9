// Package network extends emission across processes.
//
// Ownership boundary:
// - discovery: periodic Join announcements, Leave on shutdown, and the
//   heartbeat sweeper that treats silence as a Leave
// - the peer table: one record per (name, address, udp port, tcp port)
// - outbound links: one queued writer per joined peer, guarded by a breaker
// - the inbound data server: Hello/Interest/Data frames from peers
//
// Lifecycle order:
// - New -> Start -> (Route / OnEmit / RegisterNetworkType) -> Stop
//
// Peer changes are emitted locally as Join and Leave values. Received data is
// re-emitted with Local scope and Origin set to the sending peer's name.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/observability"
	"github.com/danmuck/powerplant/internal/protocol/schema"
	"github.com/danmuck/powerplant/internal/protocol/wire"
	"github.com/danmuck/powerplant/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("network: master already started")
	ErrNotStarted     = errors.New("network: master not started")
	ErrNoEmitter      = errors.New("network: emitter required")
)

// Emitter receives peer events and re-emitted remote data. The registry
// satisfies it.
type Emitter interface {
	DispatchEmit(ctx context.Context, e registry.Emission) error
}

type Option func(*Master)

// WithAnnouncer replaces the multicast discovery transport.
func WithAnnouncer(a Announcer) Option {
	return func(m *Master) {
		m.announcer = a
	}
}

// WithClock overrides time.Now for liveness bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Master) {
		if now != nil {
			m.now = now
		}
	}
}

type typeInfo struct {
	factory func() any
}

type Master struct {
	cfg      Config
	emitter  Emitter
	instance string
	now      func() time.Time
	log      zerolog.Logger

	announcer Announcer
	listener  net.Listener
	local     PeerKey

	mu        sync.RWMutex
	peers     map[PeerKey]*peer
	interests map[PeerKey]*inbound
	types     map[registry.TypeID]typeInfo

	connsMu     sync.Mutex
	conns       map[net.Conn]struct{}
	connsClosed bool

	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	announce atomic.Uint64

	// seq stamps Join and Leave; assigned under mu.
	seq atomic.Uint64

	routed       atomic.Uint64
	received     atomic.Uint64
	sendFailures atomic.Uint64
	dropped      atomic.Uint64
}

func New(cfg Config, emitter Emitter, opts ...Option) (*Master, error) {
	if emitter == nil {
		return nil, ErrNoEmitter
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Master{
		cfg:       cfg,
		emitter:   emitter,
		instance:  uuid.NewString(),
		now:       time.Now,
		peers:     make(map[PeerKey]*peer),
		interests: make(map[PeerKey]*inbound),
		types:     make(map[registry.TypeID]typeInfo),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = logging.Component("network").With().Str("node", cfg.Name).Logger()
	return m, nil
}

// Start binds the data listener and discovery transport, then launches the
// accept, receive, heartbeat and sweep loops. Bind failures are returned.
func (m *Master) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := m.start(ctx); err != nil {
		m.started.Store(false)
		return err
	}
	return nil
}

func (m *Master) start(ctx context.Context) error {
	advertise, err := resolveAdvertiseAddr(m.cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", m.cfg.TCPListen)
	if err != nil {
		return fmt.Errorf("network: bind data listener %q: %w", m.cfg.TCPListen, err)
	}
	if m.announcer == nil {
		a, err := ListenMulticast(m.cfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		m.announcer = a
	}
	m.listener = ln

	tcpPort := uint16(0)
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		tcpPort = uint16(tcp.Port)
	}
	m.local = PeerKey{
		Name:    m.cfg.Name,
		Address: wire.AddrToU32(advertise),
		UDPPort: m.announcer.LocalPort(),
		TCPPort: tcpPort,
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group, m.groupCtx = errgroup.WithContext(runCtx)
	m.group.Go(func() error { return m.serve(m.groupCtx) })
	m.group.Go(func() error { return m.receiveLoop(m.groupCtx) })
	m.group.Go(func() error { return m.heartbeatLoop(m.groupCtx) })
	m.group.Go(func() error { return m.sweepLoop(m.groupCtx) })

	m.log.Info().
		Str("local", m.local.String()).
		Str("instance", m.instance).
		Msg("network.Master.Start ready")
	return nil
}

// Stop announces Leave, closes every link and connection and waits for the
// loops to exit. Peer records are discarded without emitting Leave events.
func (m *Master) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	var err error
	m.stopOnce.Do(func() {
		if sendErr := m.sendAnnouncement(schema.MsgLeave); sendErr != nil {
			m.log.Debug().Err(sendErr).Msg("network.Master.Stop leave announcement failed")
		}
		m.cancel()
		_ = m.announcer.Close()
		_ = m.listener.Close()
		m.closeAllConns()

		m.mu.Lock()
		for key, p := range m.peers {
			p.state = PeerLeft
			p.link.close()
			delete(m.peers, key)
		}
		m.mu.Unlock()

		done := make(chan error, 1)
		go func() { done <- m.group.Wait() }()
		select {
		case err = <-done:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-ctx.Done():
			err = fmt.Errorf("network: stop interrupted: %w", ctx.Err())
		}
		m.log.Info().Msg("network.Master.Stop done")
	})
	return err
}

// LocalKey is this process's announced identity. Valid after Start.
func (m *Master) LocalKey() PeerKey {
	return m.local
}

// Instance is the nonce that tells this process's announcements apart from a
// restarted process with the same key.
func (m *Master) Instance() string {
	return m.instance
}

// Addr is the bound data listener address. Valid after Start.
func (m *Master) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// RegisterNetworkType marks T network-visible and installs its decoder.
// Types that would not arrive unchanged are rejected with ErrUnsupportedType.
func RegisterNetworkType[T any](m *Master) error {
	return m.registerType(registry.TypeOf[T](), func() any { return new(T) })
}

// OnDeclareInterest learns network-visible types from subscriptions.
func (m *Master) OnDeclareInterest(t registry.TypeID, in registry.Interest) {
	if !in.Network {
		return
	}
	if err := m.registerType(t, in.Factory); err != nil {
		m.log.Warn().Err(err).Str("type", string(t)).Msg("network.Master.OnDeclareInterest rejected type")
	}
}

func (m *Master) registerType(t registry.TypeID, factory func() any) error {
	if factory != nil {
		pt := reflect.TypeOf(factory())
		if pt == nil || pt.Kind() != reflect.Pointer {
			return fmt.Errorf("%w: factory for %s returned %v, want pointer", ErrCodec, t, pt)
		}
		if err := ValidateWireType(pt.Elem()); err != nil {
			return err
		}
	}
	m.mu.Lock()
	existing, ok := m.types[t]
	if ok && (existing.factory != nil || factory == nil) {
		m.mu.Unlock()
		return nil
	}
	m.types[t] = typeInfo{factory: factory}
	links := m.linksLocked()
	m.mu.Unlock()

	if ok {
		return nil
	}
	m.log.Debug().Str("type", string(t)).Msg("network.Master.registerType")
	f, err := wire.InterestFrame(0, wire.Interest{Types: []string{string(t)}})
	if err != nil {
		return err
	}
	for _, l := range links {
		_ = l.enqueue(f)
	}
	return nil
}

// NetworkTypes lists the registered network-visible types, sorted.
func (m *Master) NetworkTypes() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.types))
	for t := range m.types {
		out = append(out, string(t))
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Master) hello() wire.Hello {
	return wire.Hello{
		Name:     m.local.Name,
		Address:  m.local.Address,
		UDPPort:  m.local.UDPPort,
		TCPPort:  m.local.TCPPort,
		Instance: m.instance,
		Types:    m.NetworkTypes(),
	}
}

func (m *Master) linksLocked() []*peerLink {
	out := make([]*peerLink, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.link)
	}
	return out
}

// OnEmit routes locally produced Network-scope emissions.
func (m *Master) OnEmit(ctx context.Context, e registry.Emission) error {
	if e.Scope != registry.Network || e.Origin != "" {
		return nil
	}
	return m.Route(ctx, e)
}

// Route sends e to every joined peer that advertised interest in its type.
// Per-peer failures never reach the caller; only a local encode failure does.
func (m *Master) Route(_ context.Context, e registry.Emission) error {
	if !m.started.Load() {
		return nil
	}
	if e.Type == "" {
		e.Type = registry.TypeOfValue(e.Value)
	}
	targets := m.targets(string(e.Type))
	if len(targets) == 0 {
		return nil
	}

	codec, payload, err := encodeValue(e.Value)
	if err != nil {
		return err
	}
	f, err := wire.DataFrame(0, wire.Data{
		Type:        string(e.Type),
		Origin:      m.cfg.Name,
		Codec:       codec,
		Payload:     payload,
		TimestampMS: uint64(m.now().UnixMilli()),
	})
	if err != nil {
		return err
	}

	for _, l := range targets {
		if err := l.enqueue(f); err != nil {
			m.dropped.Add(1)
			observability.RecordRouted(m.cfg.Name, false)
			l.log.Debug().Err(err).Str("type", string(e.Type)).Msg("network.Master.Route dropped")
			continue
		}
		m.routed.Add(1)
		observability.RecordRouted(m.cfg.Name, true)
	}
	return nil
}

func (m *Master) targets(t string) []*peerLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*peerLink
	for key, p := range m.peers {
		if p.state != PeerJoined {
			continue
		}
		in, ok := m.interests[key]
		if !ok || in.instance != p.instance {
			continue
		}
		if _, ok := in.types[t]; ok {
			out = append(out, p.link)
		}
	}
	return out
}

// Peers returns a snapshot of the peer table sorted by key.
func (m *Master) Peers() []PeerRecord {
	m.mu.RLock()
	out := make([]PeerRecord, 0, len(m.peers))
	for key, p := range m.peers {
		var interests []string
		if in, ok := m.interests[key]; ok && in.instance == p.instance {
			interests = in.list()
		}
		out = append(out, p.snapshot(interests))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

type Stats struct {
	Local        string   `json:"local"`
	Instance     string   `json:"instance"`
	Peers        int      `json:"peers"`
	Types        []string `json:"types"`
	Announced    uint64   `json:"announced"`
	Routed       uint64   `json:"routed"`
	Dropped      uint64   `json:"dropped"`
	Received     uint64   `json:"received"`
	SendFailures uint64   `json:"send_failures"`
}

func (m *Master) Stats() Stats {
	m.mu.RLock()
	peers := len(m.peers)
	m.mu.RUnlock()
	return Stats{
		Local:        m.local.String(),
		Instance:     m.instance,
		Peers:        peers,
		Types:        m.NetworkTypes(),
		Announced:    m.announce.Load(),
		Routed:       m.routed.Load(),
		Dropped:      m.dropped.Load(),
		Received:     m.received.Load(),
		SendFailures: m.sendFailures.Load(),
	}
}

func (m *Master) sendFailed() {
	m.sendFailures.Add(1)
}

func (m *Master) sendAnnouncement(kind uint16) error {
	b, err := wire.EncodeAnnouncement(wire.Announcement{
		Kind:     kind,
		Name:     m.local.Name,
		Address:  m.local.Address,
		UDPPort:  m.local.UDPPort,
		TCPPort:  m.local.TCPPort,
		Instance: m.instance,
		Sequence: m.announce.Add(1),
	})
	if err != nil {
		return err
	}
	return m.announcer.Send(b)
}

func (m *Master) heartbeatLoop(ctx context.Context) error {
	if err := m.sendAnnouncement(schema.MsgJoin); err != nil {
		m.log.Warn().Err(err).Msg("network.Master.heartbeat initial join failed")
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.sendAnnouncement(schema.MsgJoin); err != nil {
				m.log.Debug().Err(err).Msg("network.Master.heartbeat join failed")
			}
		}
	}
}

func (m *Master) receiveLoop(ctx context.Context) error {
	for {
		p, err := m.announcer.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrAnnouncerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Debug().Err(err).Msg("network.Master.receive read failed")
			continue
		}
		m.handlePacket(ctx, p)
	}
}

func (m *Master) handlePacket(ctx context.Context, p Packet) {
	a, err := wire.DecodeAnnouncement(p.Data)
	if err != nil {
		m.log.Debug().Err(err).Str("source", p.Source.String()).Msg("network.Master.handlePacket malformed announcement")
		return
	}
	if a.Instance == m.instance {
		return
	}
	key := keyFromAnnouncement(a)
	switch a.Kind {
	case schema.MsgJoin:
		m.join(ctx, key, a.Instance, dialAddr(key, p.Source))
	case schema.MsgLeave:
		m.leaveAnnounced(ctx, key, a.Instance)
	}
}

// dialAddr prefers the announced address and falls back to the datagram
// source when the peer announced 0.0.0.0.
func dialAddr(key PeerKey, source netip.AddrPort) string {
	addr := key.Addr()
	if key.Address == 0 && source.IsValid() {
		addr = source.Addr().Unmap()
	}
	return netip.AddrPortFrom(addr, key.TCPPort).String()
}

func (m *Master) join(ctx context.Context, key PeerKey, instance, addr string) {
	now := m.now()
	m.mu.Lock()
	if m.groupCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	existing, ok := m.peers[key]
	if ok && existing.instance == instance {
		existing.lastSeen = now
		m.mu.Unlock()
		return
	}
	var leaveSeq uint64
	if ok {
		existing.state = PeerLeft
		delete(m.peers, key)
		leaveSeq = m.seq.Add(1)
	}
	joinSeq := m.seq.Add(1)
	p := &peer{
		key:      key,
		instance: instance,
		dialAddr: addr,
		state:    PeerJoined,
		joinedAt: now,
		lastSeen: now,
	}
	p.link = newPeerLink(m, p)
	m.peers[key] = p
	m.mu.Unlock()

	if ok {
		existing.link.close()
		m.emitLeave(ctx, existing, ReasonRestarted, leaveSeq)
	}
	m.group.Go(func() error {
		p.link.run(m.groupCtx)
		return nil
	})

	m.log.Info().Str("peer", key.String()).Str("instance", instance).Msg("network.Master.join")
	observability.RecordPeerEvent(m.cfg.Name, "join", "announced")
	m.emit(ctx, Join{Peer: key, Instance: instance, At: now, Seq: joinSeq})
}

func (m *Master) leaveAnnounced(ctx context.Context, key PeerKey, instance string) {
	m.mu.RLock()
	p, ok := m.peers[key]
	m.mu.RUnlock()
	if !ok || p.instance != instance {
		return
	}
	m.removePeerIf(ctx, p, ReasonAnnounced)
}

// dropPeer removes p after a link failure.
func (m *Master) dropPeer(p *peer, reason LeaveReason) {
	m.removePeerIf(m.groupCtx, p, reason)
}

// removePeerIf removes p only while it is still the current record for its
// key, so a stale failure can never remove a fresh record.
func (m *Master) removePeerIf(ctx context.Context, p *peer, reason LeaveReason) bool {
	m.mu.Lock()
	current, ok := m.peers[p.key]
	if !ok || current != p {
		m.mu.Unlock()
		return false
	}
	p.state = PeerLeft
	delete(m.peers, p.key)
	seq := m.seq.Add(1)
	m.mu.Unlock()

	p.link.close()
	m.emitLeave(ctx, p, reason, seq)
	return true
}

func (m *Master) emitLeave(ctx context.Context, p *peer, reason LeaveReason, seq uint64) {
	m.log.Info().Str("peer", p.key.String()).Str("reason", string(reason)).Msg("network.Master.leave")
	observability.RecordPeerEvent(m.cfg.Name, "leave", string(reason))
	m.emit(ctx, Leave{Peer: p.key, Instance: p.instance, Reason: reason, At: m.now(), Seq: seq})
}

func (m *Master) sweepLoop(ctx context.Context) error {
	interval := m.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = m.cfg.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep drops every peer silent for longer than the peer timeout.
func (m *Master) sweep(ctx context.Context) {
	deadline := m.now().Add(-m.cfg.PeerTimeout())
	m.mu.RLock()
	var stale []*peer
	for _, p := range m.peers {
		if p.lastSeen.Before(deadline) {
			stale = append(stale, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range stale {
		m.removePeerIf(ctx, p, ReasonTimeout)
	}
}

func (m *Master) emit(ctx context.Context, v any) {
	err := m.emitter.DispatchEmit(ctx, registry.Emission{
		Type:  registry.TypeOfValue(v),
		Value: v,
		Scope: registry.Local,
	})
	if err != nil {
		m.log.Debug().Err(err).Str("type", fmt.Sprintf("%T", v)).Msg("network.Master.emit failed")
	}
}

// trackConn reports false once closeAllConns has run; the caller owns conn
// and must close it.
func (m *Master) trackConn(conn net.Conn) bool {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	if m.connsClosed {
		return false
	}
	m.conns[conn] = struct{}{}
	return true
}

func (m *Master) untrackConn(conn net.Conn) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	delete(m.conns, conn)
}

func (m *Master) closeAllConns() {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	m.connsClosed = true
	for conn := range m.conns {
		_ = conn.Close()
		delete(m.conns, conn)
	}
}
