package network

import (
	"errors"
	"net/netip"
	"sync"
)

var ErrAnnouncerClosed = errors.New("network: announcer closed")

// Packet is one datagram received on the discovery channel.
type Packet struct {
	Data   []byte
	Source netip.AddrPort
}

// Announcer is the discovery transport. Send reaches every member of the
// group, including the sender.
type Announcer interface {
	Send(b []byte) error
	// Receive blocks for the next datagram and returns ErrAnnouncerClosed
	// (or net.ErrClosed) once Close has been called.
	Receive() (Packet, error)
	LocalPort() uint16
	Close() error
}

// MemoryBus is an in-process discovery group. Every endpoint receives every
// datagram sent on the bus.
type MemoryBus struct {
	port uint16

	mu        sync.Mutex
	endpoints map[*memoryEndpoint]struct{}
	next      uint32
}

func NewMemoryBus(port uint16) *MemoryBus {
	return &MemoryBus{
		port:      port,
		endpoints: make(map[*memoryEndpoint]struct{}),
	}
}

// Endpoint joins the bus. Each endpoint gets its own loopback source address
// so receivers can tell senders apart.
func (b *MemoryBus) Endpoint() Announcer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	e := &memoryEndpoint{
		bus:    b,
		source: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, byte(b.next >> 8), byte(b.next)}), b.port),
		inbox:  make(chan Packet, 128),
		closed: make(chan struct{}),
	}
	b.endpoints[e] = struct{}{}
	return e
}

func (b *MemoryBus) deliver(from netip.AddrPort, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := range b.endpoints {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case e.inbox <- Packet{Data: buf, Source: from}:
		default:
		}
	}
}

type memoryEndpoint struct {
	bus    *MemoryBus
	source netip.AddrPort
	inbox  chan Packet
	closed chan struct{}
	once   sync.Once
}

func (e *memoryEndpoint) Send(b []byte) error {
	select {
	case <-e.closed:
		return ErrAnnouncerClosed
	default:
	}
	e.bus.deliver(e.source, b)
	return nil
}

func (e *memoryEndpoint) Receive() (Packet, error) {
	select {
	case <-e.closed:
		return Packet{}, ErrAnnouncerClosed
	case p := <-e.inbox:
		return p, nil
	}
}

func (e *memoryEndpoint) LocalPort() uint16 {
	return e.bus.port
}

func (e *memoryEndpoint) Close() error {
	e.once.Do(func() {
		e.bus.mu.Lock()
		delete(e.bus.endpoints, e)
		e.bus.mu.Unlock()
		close(e.closed)
	})
	return nil
}
