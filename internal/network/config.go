package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("network: invalid config")

const DefaultGroup = "239.226.152.162:7447"

// BackoffConfig defines dial retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type Config struct {
	// Name is this process's logical peer name.
	Name string
	// Group is the multicast discovery group as host:port.
	Group string
	// Interface selects the multicast interface by name; empty lets the
	// kernel choose.
	Interface string
	// AdvertiseAddr is the IPv4 address peers dial; empty picks one from
	// Interface or the first usable interface.
	AdvertiseAddr string
	// TCPListen is the data channel listen address.
	TCPListen    string
	MulticastTTL int

	HeartbeatInterval time.Duration
	// TimeoutMultiplier heartbeats without a Join mark a peer as gone.
	TimeoutMultiplier int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// DialAttempts bounds reconnects before a peer is dropped.
	DialAttempts int
	// QueueSize bounds frames waiting per peer; overflow is dropped.
	QueueSize int
	// BreakerFailures consecutive send failures open a peer's breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Group:             DefaultGroup,
		TCPListen:         "0.0.0.0:0",
		MulticastTTL:      1,
		HeartbeatInterval: 2 * time.Second,
		TimeoutMultiplier: 3,
		ConnectTimeout:    2 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		DialAttempts:      5,
		QueueSize:         256,
		BreakerFailures:   3,
		BreakerTimeout:    10 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Name = strings.TrimSpace(c.Name)
	if strings.TrimSpace(c.Group) == "" {
		c.Group = d.Group
	}
	if strings.TrimSpace(c.TCPListen) == "" {
		c.TCPListen = d.TCPListen
	}
	if c.MulticastTTL <= 0 {
		c.MulticastTTL = d.MulticastTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = d.DialAttempts
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.Group); err != nil {
		return fmt.Errorf("%w: group %q: %v", ErrInvalidConfig, c.Group, err)
	}
	if _, _, err := net.SplitHostPort(c.TCPListen); err != nil {
		return fmt.Errorf("%w: tcp listen %q: %v", ErrInvalidConfig, c.TCPListen, err)
	}
	if c.AdvertiseAddr != "" {
		ip := net.ParseIP(c.AdvertiseAddr)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: advertise address %q is not IPv4", ErrInvalidConfig, c.AdvertiseAddr)
		}
	}
	return nil
}

// PeerTimeout is how long a peer may stay silent before it is dropped.
func (c Config) PeerTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.TimeoutMultiplier)
}
