package network

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/danmuck/powerplant/internal/protocol/wire"
)

// PeerKey is the dedup identity of a peer announcement.
type PeerKey struct {
	Name    string `json:"name"`
	Address uint32 `json:"address"`
	UDPPort uint16 `json:"udp_port"`
	TCPPort uint16 `json:"tcp_port"`
}

func (k PeerKey) Addr() netip.Addr {
	return wire.U32ToAddr(k.Address)
}

func (k PeerKey) String() string {
	return fmt.Sprintf("%s@%s:%d/%d", k.Name, k.Addr(), k.TCPPort, k.UDPPort)
}

func keyFromAnnouncement(a wire.Announcement) PeerKey {
	return PeerKey{Name: a.Name, Address: a.Address, UDPPort: a.UDPPort, TCPPort: a.TCPPort}
}

func keyFromHello(h wire.Hello) PeerKey {
	return PeerKey{Name: h.Name, Address: h.Address, UDPPort: h.UDPPort, TCPPort: h.TCPPort}
}

// PeerState is the per-peer discovery state. Left is terminal; a peer that
// reappears gets a new record.
type PeerState uint8

const (
	PeerUnknown PeerState = iota
	PeerJoined
	PeerLeft
)

func (s PeerState) String() string {
	switch s {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	default:
		return "unknown"
	}
}

// PeerRecord is a snapshot of one known peer.
type PeerRecord struct {
	Key       PeerKey   `json:"key"`
	Instance  string    `json:"instance"`
	State     PeerState `json:"-"`
	StateName string    `json:"state"`
	DialAddr  string    `json:"dial_addr"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
	// Interests are the types the peer advertised over its data stream.
	Interests []string `json:"interests"`
}

// peer is the live entry behind a PeerRecord. Its address is the identity
// used by conditional removal, so a replaced record is never removed twice.
type peer struct {
	key      PeerKey
	instance string
	dialAddr string
	state    PeerState
	joinedAt time.Time
	lastSeen time.Time
	link     *peerLink
}

func (p *peer) snapshot(interests []string) PeerRecord {
	return PeerRecord{
		Key:       p.key,
		Instance:  p.instance,
		State:     p.state,
		StateName: p.state.String(),
		DialAddr:  p.dialAddr,
		JoinedAt:  p.joinedAt,
		LastSeen:  p.lastSeen,
		Interests: interests,
	}
}

// inbound holds what one peer advertised on one data connection.
type inbound struct {
	key      PeerKey
	instance string
	types    map[string]struct{}
}

func (in *inbound) list() []string {
	out := make([]string, 0, len(in.types))
	for t := range in.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LeaveReason says why a peer left.
type LeaveReason string

const (
	ReasonAnnounced   LeaveReason = "announced"
	ReasonTimeout     LeaveReason = "timeout"
	ReasonSendFailure LeaveReason = "send_failure"
	ReasonUnreachable LeaveReason = "unreachable"
	ReasonRestarted   LeaveReason = "restarted"
)

// Join is emitted locally when a new peer record is created. Seq grows
// across every Join and Leave one master emits, so subscribers running on
// several workers can discard events older than what they already applied.
type Join struct {
	Peer     PeerKey
	Instance string
	At       time.Time
	Seq      uint64
}

// Leave is emitted locally when a peer record is removed.
type Leave struct {
	Peer     PeerKey
	Instance string
	Reason   LeaveReason
	At       time.Time
	Seq      uint64
}
