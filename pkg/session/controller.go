package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/trackside-labs/companion/pkg/audio"
	"github.com/trackside-labs/companion/pkg/capture"
	"github.com/trackside-labs/companion/pkg/core"
	"github.com/trackside-labs/companion/pkg/playback"
	"github.com/trackside-labs/companion/pkg/protocol"
	"github.com/trackside-labs/companion/pkg/tools"
	"github.com/trackside-labs/companion/pkg/transcript"
	"github.com/trackside-labs/companion/pkg/transport"
)

// Controller owns one voice session end to end: it acquires the microphone
// and speaker, dials the remote peer, pumps captured frames out and
// synthesized speech in, assembles transcripts, and answers tool calls.
// All resource acquisition and release goes through Connect and Close, so a
// Controller can run any number of sessions sequentially but never more than
// one at a time.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics
	store   TranscriptStore

	mic     capture.Source
	speaker playback.Device
	bridge  *tools.Bridge

	eventBuffer int
	events      chan Event

	// conn is read lock-free on the capture hot path. A nil pointer means
	// there is no usable transport and frames are dropped.
	conn atomic.Pointer[transport.Conn]

	// Latest capture levels, written by the audio callback and sampled by
	// the volume loop. Stored as math.Float64bits.
	volRMS  atomic.Uint64
	volPeak atomic.Uint64

	mu         sync.Mutex
	state      State
	engine     *capture.Engine
	sched      *playback.Scheduler
	asm        *transcript.Assembler
	sessionID  string
	cancelRun  context.CancelFunc
	loopDone   chan struct{}
	stopVolume chan struct{}
	liveSince  time.Time
}

// NewController wires a controller around the given devices and local
// capabilities. Nothing is opened until Connect.
func NewController(cfg Config, mic capture.Source, speaker playback.Device, caps []tools.Capability, opts ...Option) (*Controller, error) {
	if mic == nil {
		return nil, core.NewConfigError("microphone source must not be nil")
	}
	if speaker == nil {
		return nil, core.NewConfigError("speaker device must not be nil")
	}

	c := &Controller{
		cfg:         cfg,
		mic:         mic,
		speaker:     speaker,
		state:       StateIdle,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("companion")
	}
	if c.metrics == nil {
		c.metrics = NewMetrics("")
	}

	bridge, err := tools.New(caps, cfg.ToolTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	c.bridge = bridge
	c.events = make(chan Event, c.eventBuffer)
	return c, nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier assigned by the remote peer, or "" when
// no session has been established yet.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Events returns the stream of session events. The channel is never closed;
// events are dropped when the consumer falls behind.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// TranscriptLog returns the committed turns of the most recent session,
// oldest first. The log survives teardown so callers can render the
// conversation after disconnect.
func (c *Controller) TranscriptLog() []transcript.Turn {
	c.mu.Lock()
	asm := c.asm
	c.mu.Unlock()
	if asm == nil {
		return nil
	}
	return asm.Log()
}

// Connect validates the configuration, acquires both audio devices, dials
// the remote peer, and starts streaming. On any failure everything acquired
// so far is released and the controller returns to Idle, so a failed Connect
// never blocks a retry.
func (c *Controller) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.connect")
	defer span.End()

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return core.NewStateError(fmt.Sprintf("cannot connect while session is %s", state))
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	// Validation runs before any device or socket is touched.
	if err := c.cfg.Validate(); err != nil {
		return c.abortConnect(err)
	}

	engine, err := capture.NewEngine(c.mic, c.cfg.FrameSamples, c.logger)
	if err != nil {
		return c.abortConnect(err)
	}
	if err := engine.Open(ctx); err != nil {
		return c.abortConnect(err)
	}
	if err := c.speaker.Open(ctx); err != nil {
		_ = engine.Close()
		return c.abortConnect(core.NewDeviceError("open speaker", err))
	}

	sched, err := playback.NewScheduler(c.speaker, c.cfg.PlaybackFormat, c.logger)
	if err != nil {
		_ = c.speaker.Close()
		_ = engine.Close()
		return c.abortConnect(err)
	}

	conn, err := transport.Dial(ctx, transport.Options{
		Endpoint:     c.cfg.Endpoint,
		APIKey:       c.cfg.APIKey,
		Hello:        c.hello(),
		DialTimeout:  c.cfg.DialTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PingInterval: c.cfg.PingInterval,
		Logger:       c.logger,
	})
	if err != nil {
		_ = c.speaker.Close()
		_ = engine.Close()
		return c.abortConnect(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	c.mu.Lock()
	c.engine = engine
	c.sched = sched
	c.asm = transcript.NewAssembler()
	c.sessionID = conn.SessionID()
	c.cancelRun = cancel
	c.loopDone = loopDone
	c.stopVolume = nil
	c.liveSince = time.Now()
	c.conn.Store(conn)
	c.setStateLocked(StateLive, nil)
	c.mu.Unlock()

	c.metrics.RecordSessionStart()

	if err := engine.Start(c.onFrame); err != nil {
		// The session is fully wired but the microphone refused to
		// stream. Tear down through the error path; runLoop was never
		// started, so close loopDone here.
		close(loopDone)
		c.shutdown(err)
		return err
	}

	c.mu.Lock()
	if c.state == StateLive && c.cfg.VolumeInterval > 0 {
		stop := make(chan struct{})
		c.stopVolume = stop
		go c.volumeLoop(stop)
	}
	c.mu.Unlock()

	go c.runLoop(runCtx, conn, loopDone)

	c.logger.Info("session live",
		"session_id", conn.SessionID(),
		"endpoint", c.cfg.Endpoint,
		"tools", len(c.bridge.Declarations()),
	)
	return nil
}

// Close tears the session down in order and returns once everything is
// released. Closing an idle controller is a no-op.
func (c *Controller) Close() error {
	c.shutdown(nil)
	return nil
}

// WaitForPlaybackIdle blocks until all queued speech has finished playing,
// bounded by the configured grace period. It returns nil when the grace
// elapses so side effects are never held hostage by a stuck queue.
func (c *Controller) WaitForPlaybackIdle(ctx context.Context) error {
	c.mu.Lock()
	sched := c.sched
	grace := c.cfg.SideEffectGrace
	c.mu.Unlock()
	if sched == nil {
		return nil
	}
	if grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	err := sched.WaitForDrain(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		// Grace elapsed; proceed anyway.
		return nil
	}
	return err
}

// hello returns the negotiation half of the opening frame. Type, version,
// and credential are filled in by the transport.
func (c *Controller) hello() protocol.ClientHello {
	return protocol.ClientHello{
		Client: protocol.HelloClient{
			Name:    c.cfg.ClientName,
			Version: c.cfg.ClientVersion,
		},
		AudioIn: protocol.AudioFormat{
			Encoding:     protocol.PCMEncoding,
			SampleRateHz: c.cfg.CaptureFormat.SampleRateHz,
			Channels:     c.cfg.CaptureFormat.Channels,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     protocol.PCMEncoding,
			SampleRateHz: c.cfg.PlaybackFormat.SampleRateHz,
			Channels:     c.cfg.PlaybackFormat.Channels,
		},
		Tools: c.bridge.Declarations(),
	}
}

// abortConnect rolls the state machine back to Idle after a connect-time
// failure. Devices have already been released by the caller.
func (c *Controller) abortConnect(err error) error {
	c.metrics.RecordError(errorLabel(err))
	c.metrics.SessionsTotal.WithLabelValues("connect_failed").Inc()
	c.logger.Warn("connect failed", "error", err)
	c.emit(ErrorEvent{Err: err})
	c.mu.Lock()
	c.setStateLocked(StateIdle, nil)
	c.mu.Unlock()
	return err
}

// shutdown releases everything a live session holds, in fixed order: the
// volume loop, playback, capture, devices, and finally the transport. A nil
// cause is a local close; a non-nil cause routes through the Error state.
// Safe to call concurrently and repeatedly.
func (c *Controller) shutdown(cause error) {
	c.mu.Lock()
	if c.state != StateLive {
		c.mu.Unlock()
		return
	}
	if cause != nil {
		c.setStateLocked(StateError, cause)
	} else {
		c.setStateLocked(StateClosing, nil)
	}
	engine := c.engine
	sched := c.sched
	cancel := c.cancelRun
	loopDone := c.loopDone
	stopVolume := c.stopVolume
	liveSince := c.liveSince
	c.engine = nil
	c.sched = nil
	c.cancelRun = nil
	c.loopDone = nil
	c.stopVolume = nil
	conn := c.conn.Swap(nil)
	c.mu.Unlock()

	if stopVolume != nil {
		close(stopVolume)
	}
	if sched != nil {
		sched.Interrupt()
	}
	if engine != nil {
		if err := engine.Stop(); err != nil {
			c.logger.Warn("capture stop failed", "error", err)
		}
	}
	if sched != nil {
		if err := c.speaker.Close(); err != nil {
			c.logger.Warn("speaker close failed", "error", err)
		}
	}
	if engine != nil {
		if err := engine.Close(); err != nil {
			c.logger.Warn("microphone close failed", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("transport close failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}

	status := "closed"
	if cause != nil {
		status = "error"
		c.metrics.RecordError(errorLabel(cause))
		c.logger.Error("session failed", "error", cause)
	}
	c.metrics.RecordSessionEnd(status, time.Since(liveSince))
	c.logger.Info("session closed", "status", status, "duration", time.Since(liveSince))

	c.mu.Lock()
	c.setStateLocked(StateIdle, nil)
	c.mu.Unlock()
}

// onFrame is the capture callback. It reads the transport at send time so a
// frame racing teardown is dropped rather than crashing the session.
func (c *Controller) onFrame(frame capture.Frame) {
	c.volRMS.Store(math.Float64bits(audio.RMSEnergy(frame.Samples)))
	c.volPeak.Store(math.Float64bits(audio.PeakAmplitude(frame.Samples)))

	conn := c.conn.Load()
	if conn == nil {
		return
	}
	if err := conn.SendAudio(audio.EncodePCM16(frame.Samples)); err != nil {
		if core.TypeOf(err) == core.ErrState {
			// Connection closed under us; teardown is already running.
			return
		}
		c.logger.Debug("audio frame dropped", "seq", frame.Seq, "error", err)
		return
	}
	c.metrics.RecordFrameSent(len(frame.Samples) * 2)
}

// runLoop dispatches inbound frames until the transport drains or the
// session is cancelled. Teardown runs on its own goroutine so the loop can
// exit and unblock shutdown's wait.
func (c *Controller) runLoop(ctx context.Context, conn *transport.Conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				go c.shutdown(conn.Err())
				return
			}
			c.handleFrame(ctx, frame)
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, frame protocol.ServerFrame) {
	switch f := frame.(type) {
	case protocol.AudioChunk:
		c.handleAudioChunk(f)

	case protocol.InputTranscriptDelta:
		c.appendDelta(transcript.RoleUser, f.Text)

	case protocol.OutputTranscriptDelta:
		c.appendDelta(transcript.RoleModel, f.Text)

	case protocol.TurnComplete:
		c.commitTurns()

	case protocol.Interrupted:
		c.handleInterrupted()

	case protocol.ToolCall:
		c.metrics.ToolCallsTotal.WithLabelValues(f.Name).Inc()
		c.emit(ToolCallEvent{ID: f.ID, Name: f.Name})
		c.bridge.Dispatch(ctx, f, c.sendToolResult)

	case protocol.ErrorFrame:
		// A closing error ends the read loop and teardown runs from
		// there; a non-closing one is informational.
		c.logger.Warn("server error",
			"code", f.Code,
			"message", f.Message,
			"close", f.Close,
		)
		c.metrics.RecordError(string(core.ErrTransport))
		c.emit(ErrorEvent{Err: &core.Error{
			Type:    core.ErrTransport,
			Message: f.Message,
			Code:    f.Code,
		}})

	case protocol.Ready:
		// Handshake already completed; a stray ready is harmless.
	}
}

func (c *Controller) handleAudioChunk(f protocol.AudioChunk) {
	samples, err := audio.DecodeFrame(f.Data)
	if err != nil {
		c.logger.Warn("dropping undecodable audio chunk", "error", err)
		c.metrics.RecordError(errorLabel(err))
		return
	}
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}
	if err := sched.Enqueue(samples); err != nil {
		c.logger.Warn("playback enqueue failed", "error", err)
		c.metrics.RecordError(errorLabel(err))
		return
	}
	c.metrics.RecordChunkPlayed(len(samples) * 2)
}

func (c *Controller) appendDelta(role transcript.Role, text string) {
	c.mu.Lock()
	asm := c.asm
	c.mu.Unlock()
	if asm == nil {
		return
	}
	if role == transcript.RoleUser {
		asm.AppendUser(text)
	} else {
		asm.AppendModel(text)
	}
	c.emit(PartialTranscriptEvent{Role: role, Text: asm.Partial(role)})
}

func (c *Controller) commitTurns() {
	c.mu.Lock()
	asm := c.asm
	sessionID := c.sessionID
	c.mu.Unlock()
	if asm == nil {
		return
	}
	for _, turn := range asm.CommitTurn() {
		c.metrics.TurnsTotal.WithLabelValues(string(turn.Role)).Inc()
		c.emit(TranscriptEvent{Turn: turn})
		if c.store != nil {
			go c.archiveTurn(sessionID, turn)
		}
	}
}

func (c *Controller) handleInterrupted() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	stopped := 0
	if sched != nil {
		stopped = sched.Interrupt()
	}
	c.metrics.InterruptsTotal.Inc()
	c.logger.Debug("playback interrupted", "stopped", stopped)
	c.emit(InterruptedEvent{Stopped: stopped})
}

// sendToolResult delivers one tool result over whatever transport is live at
// send time.
func (c *Controller) sendToolResult(result protocol.ToolResult) error {
	conn := c.conn.Load()
	if conn == nil {
		return core.NewStateError("session is closed")
	}
	return conn.SendToolResult(result)
}

// archiveTurn persists one committed turn. Archive failures are logged and
// never disturb the session.
func (c *Controller) archiveTurn(sessionID string, turn transcript.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.store.SaveTurn(ctx, sessionID, turn); err != nil {
		c.logger.Warn("transcript archive failed",
			"session_id", sessionID,
			"turn", turn.ID,
			"error", err,
		)
	}
}

// volumeLoop samples the latest capture levels at a fixed cadence for
// visualization. It is stopped first during teardown.
func (c *Controller) volumeLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.VolumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.emit(VolumeEvent{
				RMS:  math.Float64frombits(c.volRMS.Load()),
				Peak: math.Float64frombits(c.volPeak.Load()),
			})
		}
	}
}

// setStateLocked transitions the state machine and announces it. Callers
// hold c.mu.
func (c *Controller) setStateLocked(state State, err error) {
	c.state = state
	c.emit(StateEvent{State: state, Err: err})
}

func (c *Controller) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// Avoid deadlocking the session on a slow consumer.
	}
}

func errorLabel(err error) string {
	if t := core.TypeOf(err); t != "" {
		return string(t)
	}
	return "unknown"
}
