package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/powerplant/internal/powerplant"
)

type daemonConfig struct {
	Plant       powerplant.Config
	StatusAddr  string
	StatusToken string
	CORSOrigins []string
	Reactors    []string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Plant:      powerplant.DefaultConfig(),
		StatusAddr: "127.0.0.1:7480",
		Reactors:   []string{"peerlog"},
	}
}

type fileNetwork struct {
	Enabled           bool   `toml:"enabled"`
	Group             string `toml:"group"`
	Interface         string `toml:"interface"`
	AdvertiseAddr     string `toml:"advertise_addr"`
	UDPPort           int    `toml:"udp_port"`
	TCPPort           int    `toml:"tcp_port"`
	Heartbeat         string `toml:"heartbeat"`
	TimeoutMultiplier int    `toml:"timeout_multiplier"`
	BreakerFailures   int    `toml:"breaker_failures"`
	QueueSize         int    `toml:"queue_size"`
}

type fileConfig struct {
	Name            string      `toml:"name"`
	Workers         int         `toml:"workers"`
	ShutdownTimeout string      `toml:"shutdown_timeout"`
	StatusAddr      string      `toml:"status_addr"`
	StatusToken     string      `toml:"status_token"`
	CORSOrigins     []string    `toml:"cors_origins"`
	Reactors        []string    `toml:"reactors"`
	Network         fileNetwork `toml:"network"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load powerplantd config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Plant.Name = name
		}
	}

	if meta.IsDefined("workers") {
		cfg.Plant.Workers = raw.Workers
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.Plant.ShutdownTimeout = d
	}

	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}

	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	if meta.IsDefined("reactors") {
		cfg.Reactors = normalizeList(raw.Reactors)
	}

	if err := applyNetwork(&cfg, meta, raw.Network); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

func applyNetwork(cfg *daemonConfig, meta toml.MetaData, raw fileNetwork) error {
	netCfg := &cfg.Plant.Network

	if meta.IsDefined("network", "enabled") {
		cfg.Plant.NetworkEnabled = raw.Enabled
	}

	if meta.IsDefined("network", "group") {
		netCfg.Group = strings.TrimSpace(raw.Group)
	}

	if meta.IsDefined("network", "interface") {
		netCfg.Interface = strings.TrimSpace(raw.Interface)
	}

	if meta.IsDefined("network", "advertise_addr") {
		netCfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}

	if meta.IsDefined("network", "udp_port") {
		host, _, err := net.SplitHostPort(netCfg.Group)
		if err != nil {
			return fmt.Errorf("parse network.group: %w", err)
		}
		if raw.UDPPort <= 0 || raw.UDPPort > 65535 {
			return fmt.Errorf("invalid network.udp_port: %d", raw.UDPPort)
		}
		netCfg.Group = net.JoinHostPort(host, strconv.Itoa(raw.UDPPort))
	}

	if meta.IsDefined("network", "tcp_port") {
		if raw.TCPPort < 0 || raw.TCPPort > 65535 {
			return fmt.Errorf("invalid network.tcp_port: %d", raw.TCPPort)
		}
		netCfg.TCPListen = net.JoinHostPort("0.0.0.0", strconv.Itoa(raw.TCPPort))
	}

	if meta.IsDefined("network", "heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return fmt.Errorf("parse network.heartbeat: %w", err)
		}
		netCfg.HeartbeatInterval = d
	}

	if meta.IsDefined("network", "timeout_multiplier") {
		netCfg.TimeoutMultiplier = raw.TimeoutMultiplier
	}

	if meta.IsDefined("network", "breaker_failures") {
		if raw.BreakerFailures < 0 {
			return fmt.Errorf("invalid network.breaker_failures: %d", raw.BreakerFailures)
		}
		netCfg.BreakerFailures = uint32(raw.BreakerFailures)
	}

	if meta.IsDefined("network", "queue_size") {
		netCfg.QueueSize = raw.QueueSize
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
