package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/powerplant/internal/observability"
	"github.com/danmuck/powerplant/internal/protocol/frame"
	"github.com/danmuck/powerplant/internal/protocol/schema"
	"github.com/danmuck/powerplant/internal/protocol/wire"
	"github.com/danmuck/powerplant/internal/registry"
)

// serve accepts inbound data streams until the listener closes.
func (m *Master) serve(ctx context.Context) error {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Warn().Err(err).Msg("network.Master.serve accept failed")
			if err := sleepContext(ctx, 50*time.Millisecond); err != nil {
				return nil
			}
			continue
		}
		if !m.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		m.group.Go(func() error {
			defer m.untrackConn(conn)
			m.handleConn(ctx, conn)
			return nil
		})
	}
}

// handleConn reads the Hello, installs the dialer's interests and then
// dispatches Interest and Data frames until the stream ends.
func (m *Master) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := m.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	first, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		log.Debug().Err(err).Msg("network.Master.handleConn hello read failed")
		return
	}
	hello, err := wire.DecodeHello(first)
	if err != nil {
		log.Debug().Err(err).Msg("network.Master.handleConn invalid hello")
		return
	}
	if hello.Instance == m.instance {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	session := &inbound{
		key:      keyFromHello(hello),
		instance: hello.Instance,
		types:    make(map[string]struct{}, len(hello.Types)),
	}
	for _, t := range hello.Types {
		session.types[t] = struct{}{}
	}
	m.mu.Lock()
	m.interests[session.key] = session
	m.mu.Unlock()
	defer m.clearInterestsIf(session)

	log = log.With().Str("peer", session.key.String()).Logger()
	log.Debug().Strs("types", hello.Types).Msg("network.Master.handleConn hello")

	for {
		f, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("network.Master.handleConn read failed")
			}
			return
		}
		switch f.Header.MessageType {
		case schema.MsgInterest:
			in, err := wire.DecodeInterest(f)
			if err != nil {
				log.Debug().Err(err).Msg("network.Master.handleConn invalid interest")
				continue
			}
			m.mu.Lock()
			for _, t := range in.Types {
				session.types[t] = struct{}{}
			}
			m.mu.Unlock()
		case schema.MsgData:
			d, err := wire.DecodeData(f)
			if err != nil {
				log.Debug().Err(err).Msg("network.Master.handleConn invalid data")
				observability.RecordReceived(m.cfg.Name, false)
				continue
			}
			m.deliver(ctx, hello.Name, d)
		default:
			log.Debug().Str("message", schema.MessageName(f.Header.MessageType)).Msg("network.Master.handleConn unexpected frame")
		}
	}
}

// deliver decodes a remote value and re-emits it locally, tagged with the
// sender's name so it is never routed back out.
func (m *Master) deliver(ctx context.Context, from string, d wire.Data) {
	m.mu.RLock()
	info, ok := m.types[registry.TypeID(d.Type)]
	m.mu.RUnlock()
	if !ok || info.factory == nil {
		observability.RecordReceived(m.cfg.Name, false)
		m.log.Debug().Str("type", d.Type).Str("from", from).Msg("network.Master.deliver unknown type")
		return
	}
	v, err := decodeValue(d.Codec, d.Payload, info.factory)
	if err != nil {
		observability.RecordReceived(m.cfg.Name, false)
		m.log.Debug().Err(err).Str("type", d.Type).Str("from", from).Msg("network.Master.deliver decode failed")
		return
	}
	origin := from
	if origin == "" {
		origin = d.Origin
	}
	m.received.Add(1)
	observability.RecordReceived(m.cfg.Name, true)
	if err := m.emitter.DispatchEmit(ctx, registry.Emission{
		Type:   registry.TypeID(d.Type),
		Value:  v,
		Scope:  registry.Local,
		Origin: origin,
	}); err != nil {
		m.log.Debug().Err(err).Str("type", d.Type).Msg("network.Master.deliver dispatch failed")
	}
}

// clearInterestsIf drops the interests a connection installed unless a newer
// connection from the same peer replaced them.
func (m *Master) clearInterestsIf(session *inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.interests[session.key]; ok && current == session {
		delete(m.interests, session.key)
	}
}
