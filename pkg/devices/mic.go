// Package devices binds the capture and playback interfaces to real audio
// hardware: malgo (miniaudio) for the microphone and oto for the speaker.
package devices

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/capture"
	"github.com/trackside-labs/companion/pkg/core"
)

// micPeriodMillis is the device callback cadence. Frames are re-sliced by the
// capture engine, so the period only affects callback granularity.
const micPeriodMillis = 20

// Mic is a malgo-backed capture source.
type Mic struct {
	format audio.Format
	logger *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	onData  func(pcm []byte)
	running bool
}

var _ capture.Source = (*Mic)(nil)

// NewMic prepares a microphone source. Nothing touches the hardware until
// Open.
func NewMic(format audio.Format, logger *slog.Logger) (*Mic, error) {
	if !format.Valid() {
		return nil, core.NewConfigErrorWithParam("invalid capture format", "capture_format")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mic{format: format, logger: logger}, nil
}

// Open initializes the audio backend and claims the default capture device.
func (m *Mic) Open(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return core.NewStateError("microphone is already open")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	allocCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return mapMicError("initialize audio context", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.format.Channels)
	deviceConfig.SampleRate = uint32(m.format.SampleRateHz)
	deviceConfig.PeriodSizeInMilliseconds = micPeriodMillis

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.handleData(pInputSamples)
		},
	}

	device, err := malgo.InitDevice(allocCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = allocCtx.Uninit()
		allocCtx.Free()
		return mapMicError("open microphone", err)
	}

	m.ctx = allocCtx
	m.device = device
	m.logger.Debug("microphone open",
		"sample_rate_hz", m.format.SampleRateHz,
		"channels", m.format.Channels,
	)
	return nil
}

// Start begins capture. onData receives raw PCM16 bytes on the device's data
// thread; the slice is only valid for the duration of the call.
func (m *Mic) Start(onData func(pcm []byte)) error {
	m.mu.Lock()
	if m.device == nil {
		m.mu.Unlock()
		return core.NewStateError("microphone is not open")
	}
	if m.running {
		m.mu.Unlock()
		return core.NewStateError("microphone is already running")
	}
	m.onData = onData
	m.running = true
	device := m.device
	m.mu.Unlock()

	if err := device.Start(); err != nil {
		m.mu.Lock()
		m.running = false
		m.onData = nil
		m.mu.Unlock()
		return mapMicError("start microphone", err)
	}
	return nil
}

// Stop halts capture. malgo's stop blocks until the data thread settles, so
// no callback is in flight when Stop returns.
func (m *Mic) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.onData = nil
	device := m.device
	m.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		return mapMicError("stop microphone", err)
	}
	return nil
}

// Close releases the device and the audio backend.
func (m *Mic) Close() error {
	m.mu.Lock()
	device := m.device
	allocCtx := m.ctx
	m.device = nil
	m.ctx = nil
	m.running = false
	m.onData = nil
	m.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if allocCtx != nil {
		_ = allocCtx.Uninit()
		allocCtx.Free()
	}
	return nil
}

func (m *Mic) handleData(pcm []byte) {
	m.mu.Lock()
	onData := m.onData
	running := m.running
	m.mu.Unlock()
	if running && onData != nil {
		onData(pcm)
	}
}

// mapMicError turns backend failures into the session taxonomy. miniaudio
// reports OS permission denials as plain errors, so the match is textual.
func mapMicError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return core.NewPermissionError("microphone access denied")
	}
	return core.NewDeviceError(op, err)
}
