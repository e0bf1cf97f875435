package devices

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/core"
	"github.com/trackside-labs/companion/pkg/playback"
)

const (
	// speakerBufferSize keeps device-side latency near one chunk.
	speakerBufferSize = 100 * time.Millisecond

	// completionSlack pads chunk completion so the player's tail is not
	// clipped by Close.
	completionSlack = 20 * time.Millisecond
)

// Speaker is an oto-backed playback device. Each scheduled chunk plays on its
// own short-lived player; oto mixes overlapping players, so back-to-back
// chunks stay gapless.
//
// oto allows exactly one context per process, so Close suspends the device
// rather than releasing it and Open resumes it on the next session.
type Speaker struct {
	format audio.Format
	logger *slog.Logger

	mu   sync.Mutex
	ctx  *oto.Context
	open bool
}

var _ playback.Device = (*Speaker)(nil)

// NewSpeaker prepares a playback device. Nothing touches the hardware until
// Open.
func NewSpeaker(format audio.Format, logger *slog.Logger) (*Speaker, error) {
	if !format.Valid() {
		return nil, core.NewConfigErrorWithParam("invalid playback format", "playback_format")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{format: format, logger: logger}, nil
}

// Open initializes the audio context on first use and resumes it afterwards.
func (s *Speaker) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		if err := s.ctx.Resume(); err != nil {
			return core.NewDeviceError("resume speaker", err)
		}
		s.open = true
		return nil
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   s.format.SampleRateHz,
		ChannelCount: s.format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   speakerBufferSize,
	})
	if err != nil {
		return core.NewDeviceError("open speaker", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return core.NewDeviceError("open speaker", ctx.Err())
	}

	s.ctx = otoCtx
	s.open = true
	s.logger.Debug("speaker open",
		"sample_rate_hz", s.format.SampleRateHz,
		"channels", s.format.Channels,
	)
	return nil
}

// Now returns the clock used for scheduling.
func (s *Speaker) Now() time.Time {
	return time.Now()
}

// Schedule queues one chunk to start playing at the given wall-clock time.
// onDone fires from a timer goroutine once the chunk has played out; a
// stopped chunk skips it.
func (s *Speaker) Schedule(buf *audio.Buffer, at time.Time, onDone func()) (playback.Handle, error) {
	s.mu.Lock()
	otoCtx := s.ctx
	open := s.open
	s.mu.Unlock()
	if otoCtx == nil || !open {
		return nil, core.NewStateError("speaker is not open")
	}

	h := &otoHandle{ctx: otoCtx, pcm: buf.PCM16(), playFor: buf.Duration(), onDone: onDone}
	if delay := time.Until(at); delay > 0 {
		h.mu.Lock()
		h.startTimer = time.AfterFunc(delay, h.start)
		h.mu.Unlock()
	} else {
		h.start()
	}
	return h, nil
}

// Flush is a no-op: each chunk owns its player, so stopping the handles
// already drops every buffered sample.
func (s *Speaker) Flush() error {
	return nil
}

// Close suspends the device. The context stays alive for the next session.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || !s.open {
		return nil
	}
	s.open = false
	if err := s.ctx.Suspend(); err != nil {
		return core.NewDeviceError("suspend speaker", err)
	}
	return nil
}

// otoHandle drives one chunk through its player lifecycle.
type otoHandle struct {
	ctx     *oto.Context
	pcm     []byte
	playFor time.Duration
	onDone  func()

	mu         sync.Mutex
	startTimer *time.Timer
	doneTimer  *time.Timer
	player     *oto.Player
	stopped    bool
	finished   bool
}

func (h *otoHandle) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.player != nil {
		return
	}
	h.player = h.ctx.NewPlayer(bytes.NewReader(h.pcm))
	h.doneTimer = time.AfterFunc(h.playFor+completionSlack, h.complete)
	h.player.Play()
}

func (h *otoHandle) complete() {
	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	player := h.player
	onDone := h.onDone
	h.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
	if onDone != nil {
		onDone()
	}
}

// Stop cancels the chunk wherever it is in its lifecycle. Safe to call more
// than once.
func (h *otoHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	startTimer := h.startTimer
	doneTimer := h.doneTimer
	player := h.player
	h.mu.Unlock()

	if startTimer != nil {
		startTimer.Stop()
	}
	if doneTimer != nil {
		doneTimer.Stop()
	}
	if player != nil {
		_ = player.Close()
	}
}
