package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/core"
)

const (
	defaultEndpoint = "wss://live.trackside.dev/v1/session"

	// defaultFrameSamples is 100ms of capture audio at 16 kHz.
	defaultFrameSamples = 1600

	defaultDialTimeout    = 15 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultVolumeInterval = 100 * time.Millisecond

	// defaultSideEffectGrace bounds how long a tool-triggered side effect
	// waits for queued speech to finish before proceeding anyway.
	defaultSideEffectGrace = 5 * time.Second

	defaultToolTimeout = 30 * time.Second

	// defaultEventBuffer sizes the event channel. Events are dropped, not
	// blocked on, when the consumer falls behind.
	defaultEventBuffer = 256

	// archiveTimeout bounds one transcript store write.
	archiveTimeout = 5 * time.Second
)

// Config carries everything a session needs before any resource is acquired.
type Config struct {
	// APIKey authenticates the session. Required.
	APIKey string

	// Endpoint is the live gateway URL. ws, wss, http, and https schemes
	// are accepted.
	Endpoint string

	CaptureFormat  audio.Format
	PlaybackFormat audio.Format

	// FrameSamples is the outbound frame size in samples at the capture rate.
	FrameSamples int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// PingInterval spaces keepalive pings. Zero disables them.
	PingInterval time.Duration

	// VolumeInterval spaces mic level events. Zero disables them.
	VolumeInterval time.Duration

	// SideEffectGrace bounds WaitForPlaybackIdle. Zero waits only on the
	// caller's context.
	SideEffectGrace time.Duration

	// ToolTimeout bounds one capability handler run. Zero means the handler
	// runs until the session ends.
	ToolTimeout time.Duration

	ClientName    string
	ClientVersion string
}

// DefaultConfig returns a Config with every field except APIKey filled in.
func DefaultConfig() Config {
	return Config{
		Endpoint:        defaultEndpoint,
		CaptureFormat:   audio.CaptureFormat(),
		PlaybackFormat:  audio.PlaybackFormat(),
		FrameSamples:    defaultFrameSamples,
		DialTimeout:     defaultDialTimeout,
		WriteTimeout:    defaultWriteTimeout,
		PingInterval:    defaultPingInterval,
		VolumeInterval:  defaultVolumeInterval,
		SideEffectGrace: defaultSideEffectGrace,
		ToolTimeout:     defaultToolTimeout,
		ClientName:      "companion-go",
		ClientVersion:   "0.1.0",
	}
}

// LoadFromEnv builds a Config from COMPANION_* environment variables.
func LoadFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.APIKey = envOr("COMPANION_API_KEY", "")
	cfg.Endpoint = envOr("COMPANION_ENDPOINT", defaultEndpoint)
	cfg.FrameSamples = envIntOr("COMPANION_FRAME_SAMPLES", defaultFrameSamples)
	cfg.DialTimeout = envDurationOr("COMPANION_DIAL_TIMEOUT", defaultDialTimeout)
	cfg.WriteTimeout = envDurationOr("COMPANION_WRITE_TIMEOUT", defaultWriteTimeout)
	cfg.PingInterval = envDurationOr("COMPANION_PING_INTERVAL", defaultPingInterval)
	cfg.VolumeInterval = envDurationOr("COMPANION_VOLUME_INTERVAL", defaultVolumeInterval)
	cfg.SideEffectGrace = envDurationOr("COMPANION_SIDE_EFFECT_GRACE", defaultSideEffectGrace)
	cfg.ToolTimeout = envDurationOr("COMPANION_TOOL_TIMEOUT", defaultToolTimeout)
	cfg.ClientName = envOr("COMPANION_CLIENT_NAME", cfg.ClientName)
	cfg.ClientVersion = envOr("COMPANION_CLIENT_VERSION", cfg.ClientVersion)

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("COMPANION_API_KEY must be set")
	}
	if cfg.FrameSamples <= 0 {
		return Config{}, fmt.Errorf("COMPANION_FRAME_SAMPLES must be > 0")
	}
	if cfg.DialTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPANION_DIAL_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPANION_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval < 0 {
		return Config{}, fmt.Errorf("COMPANION_PING_INTERVAL must be >= 0")
	}
	if cfg.VolumeInterval < 0 {
		return Config{}, fmt.Errorf("COMPANION_VOLUME_INTERVAL must be >= 0")
	}
	if cfg.SideEffectGrace < 0 {
		return Config{}, fmt.Errorf("COMPANION_SIDE_EFFECT_GRACE must be >= 0")
	}
	if cfg.ToolTimeout < 0 {
		return Config{}, fmt.Errorf("COMPANION_TOOL_TIMEOUT must be >= 0")
	}

	return cfg, nil
}

// Validate checks the config the way Connect will. The API key check runs
// before any device or transport acquisition.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return core.NewConfigErrorWithParam("api key is required", "api_key")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return core.NewConfigErrorWithParam("endpoint is required", "endpoint")
	}
	if !c.CaptureFormat.Valid() {
		return core.NewConfigErrorWithParam("invalid capture format", "capture_format")
	}
	if !c.PlaybackFormat.Valid() {
		return core.NewConfigErrorWithParam("invalid playback format", "playback_format")
	}
	if c.FrameSamples <= 0 {
		return core.NewConfigErrorWithParam("frame size must be positive", "frame_samples")
	}
	if c.DialTimeout <= 0 {
		return core.NewConfigErrorWithParam("dial timeout must be positive", "dial_timeout")
	}
	if c.WriteTimeout <= 0 {
		return core.NewConfigErrorWithParam("write timeout must be positive", "write_timeout")
	}
	if c.PingInterval < 0 {
		return core.NewConfigErrorWithParam("ping interval must not be negative", "ping_interval")
	}
	if c.VolumeInterval < 0 {
		return core.NewConfigErrorWithParam("volume interval must not be negative", "volume_interval")
	}
	if c.SideEffectGrace < 0 {
		return core.NewConfigErrorWithParam("side effect grace must not be negative", "side_effect_grace")
	}
	if c.ToolTimeout < 0 {
		return core.NewConfigErrorWithParam("tool timeout must not be negative", "tool_timeout")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
