package session

import "github.com/trackside-labs/companion/pkg/transcript"

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is implemented by everything delivered on Controller.Events.
type Event interface {
	eventType() string
}

// StateEvent reports a lifecycle transition. Err is set when entering
// StateError.
type StateEvent struct {
	State State
	Err   error
}

// ErrorEvent surfaces a failure that did not change the session state: a
// connect attempt that rolled back, or a non-fatal error reported by the
// remote peer.
type ErrorEvent struct {
	Err error
}

// PartialTranscriptEvent carries the in-progress text for one role. It is
// ephemeral UI state; only committed turns persist.
type PartialTranscriptEvent struct {
	Role transcript.Role
	Text string
}

// TranscriptEvent carries one committed turn.
type TranscriptEvent struct {
	Turn transcript.Turn
}

// VolumeEvent carries the latest microphone level sample.
type VolumeEvent struct {
	RMS  float64
	Peak float64
}

// ToolCallEvent reports that the remote peer invoked a local capability.
type ToolCallEvent struct {
	ID   string
	Name string
}

// InterruptedEvent reports barge-in: queued playback was cut off.
type InterruptedEvent struct {
	// Stopped is how many queued chunks were cancelled.
	Stopped int
}

func (StateEvent) eventType() string             { return "state" }
func (ErrorEvent) eventType() string             { return "error" }
func (PartialTranscriptEvent) eventType() string { return "partial_transcript" }
func (TranscriptEvent) eventType() string        { return "transcript" }
func (VolumeEvent) eventType() string            { return "volume" }
func (ToolCallEvent) eventType() string          { return "tool_call" }
func (InterruptedEvent) eventType() string       { return "interrupted" }
