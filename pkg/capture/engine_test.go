package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/core"
)

type fakeSource struct {
	mu       sync.Mutex
	onData   func([]byte)
	startErr error
	opens    int
	starts   int
	stops    int
	closes   int
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeSource) Start(onData func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.onData = onData
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) push(pcm []byte) {
	f.mu.Lock()
	cb := f.onData
	f.mu.Unlock()
	if cb != nil {
		cb(pcm)
	}
}

func pcmFor(samples []int16) []byte {
	return audio.Int16ToPCMBytes(samples)
}

func TestEngineFramesFixedSize(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	eng, err := NewEngine(src, 4, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var mu sync.Mutex
	var frames []Frame
	if err := eng.Start(func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 10 samples across two callbacks: two full frames plus two carried.
	src.push(pcmFor([]int16{1, 2, 3}))
	src.push(pcmFor([]int16{4, 5, 6, 7, 8, 9, 10}))

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(frames))
	}
	want := [][]int16{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, f := range frames {
		if f.Seq != int64(i+1) {
			t.Errorf("frame[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
		if len(f.Samples) != 4 {
			t.Fatalf("frame[%d] has %d samples, want 4", i, len(f.Samples))
		}
		for j, s := range f.Samples {
			if s != want[i][j] {
				t.Errorf("frame[%d][%d] = %d, want %d", i, j, s, want[i][j])
			}
		}
	}

	stats := eng.Stats()
	if stats.FramesEmitted != 2 {
		t.Errorf("Stats().FramesEmitted = %d, want 2", stats.FramesEmitted)
	}
	if stats.PendingBytes != 4 {
		t.Errorf("Stats().PendingBytes = %d, want 4", stats.PendingBytes)
	}
}

func TestEngineCarriesOddByteAcrossCallbacks(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	eng, err := NewEngine(src, 2, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var mu sync.Mutex
	var frames []Frame
	if err := eng.Start(func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	full := pcmFor([]int16{100, 200, 300})
	src.push(full[:3]) // splits the second sample mid-byte
	src.push(full[3:])
	src.push(pcmFor([]int16{400}))

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(frames))
	}
	got := append(append([]int16{}, frames[0].Samples...), frames[1].Samples...)
	want := []int16{100, 200, 300, 400}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEngineNoEmissionAfterStop(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	eng, err := NewEngine(src, 2, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var mu sync.Mutex
	emitted := 0
	if err := eng.Start(func(Frame) {
		mu.Lock()
		emitted++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	src.push(pcmFor([]int16{1, 2}))
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	src.push(pcmFor([]int16{3, 4, 5, 6}))

	mu.Lock()
	defer mu.Unlock()
	if emitted != 1 {
		t.Errorf("emitted = %d frames, want 1 (none after Stop)", emitted)
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	eng, err := NewEngine(src, 2, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.Start(func(Frame) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if src.stops != 1 {
		t.Errorf("source Stop called %d times, want 1", src.stops)
	}
}

func TestEngineStartTwiceFails(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	eng, err := NewEngine(src, 2, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.Start(func(Frame) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = eng.Start(func(Frame) {})
	if core.TypeOf(err) != core.ErrState {
		t.Errorf("second Start() error type = %v, want %v", core.TypeOf(err), core.ErrState)
	}
}

func TestEngineStartFailureAllowsRetry(t *testing.T) {
	t.Parallel()

	src := &fakeSource{startErr: errors.New("device busy")}
	eng, err := NewEngine(src, 2, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := eng.Start(func(Frame) {}); err == nil {
		t.Fatalf("Start() error = nil, want device busy")
	}

	src.mu.Lock()
	src.startErr = nil
	src.mu.Unlock()
	if err := eng.Start(func(Frame) {}); err != nil {
		t.Errorf("retry Start() error = %v, want nil", err)
	}
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(nil, 4, nil); core.TypeOf(err) != core.ErrConfig {
		t.Errorf("nil source error type = %v, want %v", core.TypeOf(err), core.ErrConfig)
	}
	if _, err := NewEngine(&fakeSource{}, 0, nil); core.TypeOf(err) != core.ErrConfig {
		t.Errorf("zero frame size error type = %v, want %v", core.TypeOf(err), core.ErrConfig)
	}
}
