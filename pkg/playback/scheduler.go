package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/core"
)

// Device is an audio output sink with its own clock. Schedule queues buf to
// begin playing at the given device time and reports completion through
// onDone. onDone must be invoked from a goroutine other than the caller of
// Schedule, and at most once per handle; a stopped handle may skip it.
type Device interface {
	Open(ctx context.Context) error
	Now() time.Time
	Schedule(buf *audio.Buffer, at time.Time, onDone func()) (Handle, error)
	Flush() error
	Close() error
}

// Handle refers to one scheduled buffer. Stop is idempotent.
type Handle interface {
	Stop()
}

// Scheduler queues decoded speech chunks back to back on a Device. Chunks
// that arrive while audio is still playing are scheduled to start exactly
// when the previous chunk ends; chunks that arrive after the queue ran dry
// start immediately. The device clock is the only time base used, so wall
// clock jumps never open gaps between chunks.
type Scheduler struct {
	dev    Device
	format audio.Format
	logger *slog.Logger

	mu     sync.Mutex
	nextAt time.Time
	active map[int64]Handle
	nextID int64
	idle   chan struct{} // closed whenever the active set is empty
}

// NewScheduler builds a scheduler that plays chunks in format on dev.
func NewScheduler(dev Device, format audio.Format, logger *slog.Logger) (*Scheduler, error) {
	if dev == nil {
		return nil, core.NewConfigError("playback device must not be nil")
	}
	if !format.Valid() {
		return nil, core.NewConfigErrorWithParam("invalid playback format", "playback_format")
	}
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		dev:    dev,
		format: format,
		logger: logger,
		active: make(map[int64]Handle),
		idle:   idle,
	}, nil
}

// Enqueue schedules one chunk of 16-bit samples for playback. The chunk
// starts at the later of the device clock now and the end of the previously
// queued chunk.
func (s *Scheduler) Enqueue(samples []int16) error {
	buf, err := audio.ToPlayableBuffer(samples, s.format.SampleRateHz, s.format.Channels)
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := s.dev.Now()
	start := now
	if s.nextAt.After(now) {
		start = s.nextAt
	}

	id := s.nextID
	s.nextID++
	wasEmpty := len(s.active) == 0

	handle, err := s.dev.Schedule(buf, start, func() { s.finish(id) })
	if err != nil {
		s.mu.Unlock()
		return core.NewDeviceError("schedule playback chunk", err)
	}

	if wasEmpty {
		s.idle = make(chan struct{})
	}
	s.active[id] = handle
	s.nextAt = start.Add(buf.Duration())
	s.mu.Unlock()
	return nil
}

// Interrupt stops everything that is queued or playing, flushes the device,
// and rewinds the schedule to the current device time. The next Enqueue after
// an Interrupt starts immediately. Returns the number of chunks stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.active = make(map[int64]Handle)
	s.nextAt = s.dev.Now()
	if len(handles) > 0 {
		close(s.idle)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	if err := s.dev.Flush(); err != nil {
		s.logger.Warn("playback flush failed", "error", err)
	}
	return len(handles)
}

// WaitForDrain blocks until the active set empties or ctx ends. A drain that
// happened before the call returns immediately.
func (s *Scheduler) WaitForDrain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many chunks are queued or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Buffered returns how far ahead of the device clock the schedule extends.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.nextAt.Sub(s.dev.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) finish(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	if len(s.active) == 0 {
		close(s.idle)
	}
}
