package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDaemonConfigOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig("ex.config.toml")
	require.NoError(t, err)

	assert.Equal(t, "plant.local", cfg.Plant.Name)
	assert.Equal(t, 4, cfg.Plant.Workers)
	assert.Equal(t, 15*time.Second, cfg.Plant.ShutdownTimeout)
	assert.Equal(t, "127.0.0.1:7481", cfg.StatusAddr)
	assert.Equal(t, "local-dev", cfg.StatusToken)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"peerlog", "pulse"}, cfg.Reactors)

	assert.True(t, cfg.Plant.NetworkEnabled)
	assert.Equal(t, "239.226.152.162:7450", cfg.Plant.Network.Group)
	assert.Equal(t, "0.0.0.0:7451", cfg.Plant.Network.TCPListen)
	assert.Equal(t, time.Second, cfg.Plant.Network.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Plant.Network.TimeoutMultiplier)
	assert.Equal(t, uint32(5), cfg.Plant.Network.BreakerFailures)
	assert.Equal(t, network.DefaultConfig().QueueSize, cfg.Plant.Network.QueueSize)
}

func TestLoadDaemonConfigKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "empty.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"solo\"\n"), 0o600))

	cfg, err := loadDaemonConfig(path)
	require.NoError(t, err)
	def := defaultDaemonConfig()
	assert.Equal(t, "solo", cfg.Plant.Name)
	assert.Equal(t, def.Plant.Workers, cfg.Plant.Workers)
	assert.False(t, cfg.Plant.NetworkEnabled)
	assert.Equal(t, def.StatusAddr, cfg.StatusAddr)
	assert.Equal(t, []string{"peerlog"}, cfg.Reactors)
	assert.Equal(t, network.DefaultGroup, cfg.Plant.Network.Group)
}

func TestLoadDaemonConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cases := map[string]string{
		"heartbeat": "[network]\nheartbeat = \"soon\"\n",
		"udp_port":  "[network]\nudp_port = 70000\n",
		"shutdown":  "shutdown_timeout = \"never\"\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".toml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := loadDaemonConfig(path)
		assert.Error(t, err, name)
	}

	_, err := loadDaemonConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
