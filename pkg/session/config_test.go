package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/trackside-labs/companion/pkg/core"
)

var companionEnvKeys = []string{
	"COMPANION_API_KEY",
	"COMPANION_ENDPOINT",
	"COMPANION_FRAME_SAMPLES",
	"COMPANION_DIAL_TIMEOUT",
	"COMPANION_WRITE_TIMEOUT",
	"COMPANION_PING_INTERVAL",
	"COMPANION_VOLUME_INTERVAL",
	"COMPANION_SIDE_EFFECT_GRACE",
	"COMPANION_TOOL_TIMEOUT",
	"COMPANION_CLIENT_NAME",
	"COMPANION_CLIENT_VERSION",
}

func clearCompanionEnv(t *testing.T) {
	t.Helper()
	for _, key := range companionEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearCompanionEnv(t)
	t.Setenv("COMPANION_API_KEY", "key_test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.APIKey != "key_test" {
		t.Fatalf("APIKey = %q, want key_test", cfg.APIKey)
	}
	if cfg.Endpoint != defaultEndpoint {
		t.Fatalf("Endpoint = %q, want %q", cfg.Endpoint, defaultEndpoint)
	}
	if cfg.CaptureFormat.SampleRateHz != 16000 {
		t.Fatalf("CaptureFormat.SampleRateHz = %d, want 16000", cfg.CaptureFormat.SampleRateHz)
	}
	if cfg.PlaybackFormat.SampleRateHz != 24000 {
		t.Fatalf("PlaybackFormat.SampleRateHz = %d, want 24000", cfg.PlaybackFormat.SampleRateHz)
	}
	if cfg.FrameSamples != 1600 {
		t.Fatalf("FrameSamples = %d, want 1600", cfg.FrameSamples)
	}
	if cfg.DialTimeout != 15*time.Second {
		t.Fatalf("DialTimeout = %v, want 15s", cfg.DialTimeout)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Fatalf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Fatalf("PingInterval = %v, want 20s", cfg.PingInterval)
	}
	if cfg.VolumeInterval != 100*time.Millisecond {
		t.Fatalf("VolumeInterval = %v, want 100ms", cfg.VolumeInterval)
	}
	if cfg.SideEffectGrace != 5*time.Second {
		t.Fatalf("SideEffectGrace = %v, want 5s", cfg.SideEffectGrace)
	}
	if cfg.ToolTimeout != 30*time.Second {
		t.Fatalf("ToolTimeout = %v, want 30s", cfg.ToolTimeout)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearCompanionEnv(t)
	t.Setenv("COMPANION_API_KEY", "key_test")
	t.Setenv("COMPANION_ENDPOINT", "wss://staging.trackside.dev/v1/session")
	t.Setenv("COMPANION_FRAME_SAMPLES", "800")
	t.Setenv("COMPANION_DIAL_TIMEOUT", "7s")
	t.Setenv("COMPANION_WRITE_TIMEOUT", "3s")
	t.Setenv("COMPANION_PING_INTERVAL", "0s")
	t.Setenv("COMPANION_VOLUME_INTERVAL", "50ms")
	t.Setenv("COMPANION_SIDE_EFFECT_GRACE", "2s")
	t.Setenv("COMPANION_TOOL_TIMEOUT", "12s")
	t.Setenv("COMPANION_CLIENT_NAME", "pit-wall")
	t.Setenv("COMPANION_CLIENT_VERSION", "9.9.9")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Endpoint != "wss://staging.trackside.dev/v1/session" {
		t.Fatalf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.FrameSamples != 800 {
		t.Fatalf("FrameSamples = %d, want 800", cfg.FrameSamples)
	}
	if cfg.DialTimeout != 7*time.Second || cfg.WriteTimeout != 3*time.Second {
		t.Fatalf("timeouts = %v/%v, want 7s/3s", cfg.DialTimeout, cfg.WriteTimeout)
	}
	if cfg.PingInterval != 0 {
		t.Fatalf("PingInterval = %v, want 0", cfg.PingInterval)
	}
	if cfg.VolumeInterval != 50*time.Millisecond {
		t.Fatalf("VolumeInterval = %v, want 50ms", cfg.VolumeInterval)
	}
	if cfg.SideEffectGrace != 2*time.Second || cfg.ToolTimeout != 12*time.Second {
		t.Fatalf("grace/tool timeout = %v/%v", cfg.SideEffectGrace, cfg.ToolTimeout)
	}
	if cfg.ClientName != "pit-wall" || cfg.ClientVersion != "9.9.9" {
		t.Fatalf("client = %q/%q", cfg.ClientName, cfg.ClientVersion)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "missing api key",
			env:       map[string]string{},
			errSubstr: "COMPANION_API_KEY",
		},
		{
			name: "zero frame samples",
			env: map[string]string{
				"COMPANION_API_KEY":       "key_test",
				"COMPANION_FRAME_SAMPLES": "0",
			},
			errSubstr: "COMPANION_FRAME_SAMPLES",
		},
		{
			name: "zero dial timeout",
			env: map[string]string{
				"COMPANION_API_KEY":      "key_test",
				"COMPANION_DIAL_TIMEOUT": "0s",
			},
			errSubstr: "COMPANION_DIAL_TIMEOUT",
		},
		{
			name: "negative tool timeout",
			env: map[string]string{
				"COMPANION_API_KEY":      "key_test",
				"COMPANION_TOOL_TIMEOUT": "-1s",
			},
			errSubstr: "COMPANION_TOOL_TIMEOUT",
		},
		{
			name: "negative side effect grace",
			env: map[string]string{
				"COMPANION_API_KEY":           "key_test",
				"COMPANION_SIDE_EFFECT_GRACE": "-5s",
			},
			errSubstr: "COMPANION_SIDE_EFFECT_GRACE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearCompanionEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want %q", tc.errSubstr)
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("LoadFromEnv() error = %v, want substring %q", err, tc.errSubstr)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := DefaultConfig()
	valid.APIKey = "key_test"
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v for a valid config", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		param  string
	}{
		{"missing api key", func(c *Config) { c.APIKey = "  " }, "api_key"},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint"},
		{"bad capture format", func(c *Config) { c.CaptureFormat.SampleRateHz = 0 }, "capture_format"},
		{"bad playback format", func(c *Config) { c.PlaybackFormat.Channels = 0 }, "playback_format"},
		{"zero frame samples", func(c *Config) { c.FrameSamples = 0 }, "frame_samples"},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }, "dial_timeout"},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, "write_timeout"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.APIKey = "key_test"
			tc.mutate(&cfg)

			err := cfg.Validate()
			if core.TypeOf(err) != core.ErrConfig {
				t.Fatalf("Validate() error = %v, want config error", err)
			}
			var ce *core.Error
			if !errors.As(err, &ce) || ce.Param != tc.param {
				t.Fatalf("Validate() param = %v, want %q", err, tc.param)
			}
		})
	}
}
