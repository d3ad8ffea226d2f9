package powerplant

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/danmuck/powerplant/internal/network"
)

var ErrInvalidConfig = errors.New("powerplant: invalid config")

const DefaultName = "powerplant"

type Config struct {
	// Name labels logs and metrics and is the peer name on the network.
	Name string
	// Workers is the number of long-lived pool workers. Start fails when it
	// is not positive.
	Workers int
	// NetworkEnabled starts the network master; bind failures abort Start.
	NetworkEnabled bool
	Network        network.Config
	// ShutdownTimeout bounds the pool drain.
	ShutdownTimeout time.Duration
	// Args is the process command line, captured once at New.
	Args []string
}

func DefaultConfig() Config {
	return Config{
		Name:            DefaultName,
		Workers:         runtime.NumCPU(),
		Network:         network.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// WithDefaults fills unset fields. Workers is left alone so a zero count
// surfaces as a startup failure.
func (c Config) WithDefaults() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if strings.TrimSpace(c.Network.Name) == "" {
		c.Network.Name = c.Name
	}
	c.Network = c.Network.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers=%d", ErrInvalidConfig, c.Workers)
	}
	if c.NetworkEnabled {
		if err := c.Network.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
