package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
)

const maxDatagram = 65535

type multicastAnnouncer struct {
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
	ifi   *net.Interface
	once  sync.Once
}

// ListenMulticast joins cfg.Group on cfg.Interface. The socket is bound with
// address reuse so several processes on one host share the group port.
func ListenMulticast(cfg Config) (Announcer, error) {
	cfg = cfg.WithDefaults()
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("network: resolve group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: group %s is not a multicast address", ErrInvalidConfig, group.IP)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("network: interface %q: %w", cfg.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("network: bind discovery port %d: %w", group.Port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("network: join group %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("network: set multicast interface %q: %w", ifi.Name, err)
		}
	}
	if err := pc.SetMulticastTTL(cfg.MulticastTTL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("network: set multicast ttl: %w", err)
	}
	// Peers on the same host must hear each other.
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("network: enable multicast loopback: %w", err)
	}

	return &multicastAnnouncer{conn: conn, pc: pc, group: group, ifi: ifi}, nil
}

func (a *multicastAnnouncer) Send(b []byte) error {
	_, err := a.pc.WriteTo(b, nil, a.group)
	return err
}

func (a *multicastAnnouncer) Receive() (Packet, error) {
	buf := make([]byte, maxDatagram)
	n, _, src, err := a.pc.ReadFrom(buf)
	if err != nil {
		return Packet{}, err
	}
	var from netip.AddrPort
	if udp, ok := src.(*net.UDPAddr); ok {
		from = udp.AddrPort()
	}
	return Packet{Data: buf[:n], Source: from}, nil
}

func (a *multicastAnnouncer) LocalPort() uint16 {
	return uint16(a.group.Port)
}

func (a *multicastAnnouncer) Close() error {
	var err error
	a.once.Do(func() {
		_ = a.pc.LeaveGroup(a.ifi, &net.UDPAddr{IP: a.group.IP})
		err = a.conn.Close()
	})
	return err
}
