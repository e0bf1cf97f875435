package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/core"
)

// Source is a raw audio input device. It delivers 16-bit signed little-endian
// mono PCM at the capture rate in whatever callback sizes the platform
// produces. Stop must not return while a data callback is still running.
type Source interface {
	Open(ctx context.Context) error
	Start(onData func(pcm []byte)) error
	Stop() error
	Close() error
}

// Frame is one fixed-size block of captured samples. Seq starts at 1 and
// increases by one per emitted frame for the lifetime of a capture run.
type Frame struct {
	Samples []int16
	Seq     int64
}

// Stats is a snapshot of the engine's framing counters.
type Stats struct {
	FramesEmitted int64
	PendingBytes  int
}

// Engine turns a device's arbitrary-size PCM callbacks into fixed-size
// frames. Bytes that do not fill a whole frame are carried into the next
// callback, so no captured sample is dropped at a callback boundary.
type Engine struct {
	src    Source
	size   int // samples per frame
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	pending []byte
	seq     int64
	emit    func(Frame)
}

// NewEngine wraps src with a framer that emits frameSamples samples per frame.
func NewEngine(src Source, frameSamples int, logger *slog.Logger) (*Engine, error) {
	if src == nil {
		return nil, core.NewConfigError("capture source must not be nil")
	}
	if frameSamples <= 0 {
		return nil, core.NewConfigErrorWithParam("frame size must be positive", "frame_samples")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		src:    src,
		size:   frameSamples,
		logger: logger,
	}, nil
}

// Open acquires the underlying device without starting the stream.
func (e *Engine) Open(ctx context.Context) error {
	return e.src.Open(ctx)
}

// Start begins capture and invokes emit for every completed frame. Frames are
// delivered on the device's data goroutine, so emit must not block for long.
func (e *Engine) Start(emit func(Frame)) error {
	if emit == nil {
		return core.NewConfigError("frame callback must not be nil")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return core.NewStateError("capture already running")
	}
	e.running = true
	e.pending = e.pending[:0]
	e.seq = 0
	e.emit = emit
	e.mu.Unlock()

	if err := e.src.Start(e.ingest); err != nil {
		e.mu.Lock()
		e.running = false
		e.emit = nil
		e.mu.Unlock()
		return err
	}
	return nil
}

// Stop halts capture. When Stop returns, no further frames will be emitted;
// a callback racing with Stop either finished emitting before Stop took the
// lock or observes the stopped state and emits nothing. Partial samples held
// for the next frame are discarded.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.emit = nil
	e.pending = nil
	e.mu.Unlock()

	return e.src.Stop()
}

// Close releases the underlying device. The engine must be stopped first.
func (e *Engine) Close() error {
	return e.src.Close()
}

// Stats returns the current framing counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		FramesEmitted: e.seq,
		PendingBytes:  len(e.pending),
	}
}

func (e *Engine) ingest(pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.pending = append(e.pending, pcm...)
	frameBytes := e.size * 2
	for len(e.pending) >= frameBytes {
		e.seq++
		e.emit(Frame{
			Samples: audio.PCMBytesToInt16(e.pending[:frameBytes]),
			Seq:     e.seq,
		})
		e.pending = e.pending[frameBytes:]
	}
}
