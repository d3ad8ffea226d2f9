package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := parseLevel("")
	assert.False(t, ok)
	_, ok = parseLevel("loud")
	assert.False(t, ok)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "not-a-bool")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)

	assert.Equal(t, zerolog.WarnLevel, cfg.Level)
	assert.False(t, cfg.Timestamp)
	assert.True(t, cfg.NoColor)
	assert.False(t, cfg.Bypass)
}

func TestDefaultConfigProfiles(t *testing.T) {
	rt := defaultConfig(ProfileRuntime)
	assert.Equal(t, zerolog.InfoLevel, rt.Level)
	assert.True(t, rt.Timestamp)

	tc := defaultConfig(ProfileTest)
	assert.Equal(t, zerolog.DebugLevel, tc.Level)
	assert.False(t, tc.Timestamp)
}
