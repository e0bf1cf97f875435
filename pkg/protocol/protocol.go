package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// PCMEncoding is the only audio encoding spoken on the wire: signed 16-bit
// little-endian PCM.
const PCMEncoding = "pcm_s16le"

// Frame type tags.
const (
	TypeClientHello   = "client_hello"
	TypeRealtimeAudio = "realtime_audio"
	TypeToolResult    = "tool_result"

	TypeReady                 = "ready"
	TypeAudioChunk            = "audio_chunk"
	TypeInputTranscriptDelta  = "input_transcript_delta"
	TypeOutputTranscriptDelta = "output_transcript_delta"
	TypeTurnComplete          = "turn_complete"
	TypeInterrupted           = "interrupted"
	TypeToolCall              = "tool_call"
	TypeError                 = "error"
)

// DecodeError describes a frame that could not be decoded. Callers drop the
// frame and keep the session alive.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes one direction of the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// ToolDeclaration names one local capability offered to the remote peer.
// The set is static configuration, never negotiated at runtime.
type ToolDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HelloClient identifies the connecting application.
type HelloClient struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ClientHello opens a session. It is the only frame that carries the
// credential.
type ClientHello struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	APIKey          string            `json:"api_key"`
	Client          HelloClient       `json:"client,omitempty"`
	AudioIn         AudioFormat       `json:"audio_in"`
	AudioOut        AudioFormat       `json:"audio_out"`
	Tools           []ToolDeclaration `json:"tools,omitempty"`
}

// RedactedForLog returns a loggable view of the hello without the credential.
func (h ClientHello) RedactedForLog() map[string]any {
	toolNames := make([]string, 0, len(h.Tools))
	for _, t := range h.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		toolNames = append(toolNames, name)
	}
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_api_key":      strings.TrimSpace(h.APIKey) != "",
		"tools":            toolNames,
	}
}

// RealtimeAudio carries one outbound microphone frame.
type RealtimeAudio struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// ToolResult answers one ToolCall. Exactly one result is sent per call id;
// failures travel inside Result rather than being dropped.
type ToolResult struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

// ServerFrame is implemented by every inbound frame type.
type ServerFrame interface {
	serverFrame()
}

// Ready acknowledges a ClientHello and makes the session live.
type Ready struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	SessionID       string `json:"session_id"`
}

// AudioChunk carries one synthesized speech chunk, base64 PCM16 at the
// negotiated output rate.
type AudioChunk struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// InputTranscriptDelta streams recognition of the user's speech.
type InputTranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputTranscriptDelta streams the text of the model's speech.
type OutputTranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct {
	Type string `json:"type"`
}

// Interrupted signals barge-in: the user started speaking over the model.
type Interrupted struct {
	Type string `json:"type"`
}

// ToolCall asks the client to run a named local capability.
type ToolCall struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ErrorFrame reports a server-side failure. Close instructs the client to
// tear the session down.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

func (Ready) serverFrame()                 {}
func (AudioChunk) serverFrame()            {}
func (InputTranscriptDelta) serverFrame()  {}
func (OutputTranscriptDelta) serverFrame() {}
func (TurnComplete) serverFrame()          {}
func (Interrupted) serverFrame()           {}
func (ToolCall) serverFrame()              {}
func (ErrorFrame) serverFrame()            {}

// DecodeServerFrame decodes one inbound frame by its type envelope.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeReady:
		var msg Ready
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ready frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badFrame("ready.session_id is required", "session_id")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_chunk frame", "")
		}
		if msg.Data == "" {
			return nil, badFrame("audio_chunk.data is required", "data")
		}
		return msg, nil
	case TypeInputTranscriptDelta:
		var msg InputTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_transcript_delta frame", "")
		}
		return msg, nil
	case TypeOutputTranscriptDelta:
		var msg OutputTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid output_transcript_delta frame", "")
		}
		return msg, nil
	case TypeTurnComplete:
		var msg TurnComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid turn_complete frame", "")
		}
		return msg, nil
	case TypeInterrupted:
		var msg Interrupted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid interrupted frame", "")
		}
		return msg, nil
	case TypeToolCall:
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call frame", "")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, badFrame("tool_call.id is required", "id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("tool_call.name is required", "name")
		}
		return msg, nil
	case TypeError:
		var msg ErrorFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, badFrame("error.message is required", "message")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

// ValidateHello checks a ClientHello before it is sent.
func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badFrame("client_hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.APIKey) == "" {
		return badFrame("client_hello.api_key is required", "api_key")
	}
	if err := validateAudioFormat(msg.AudioIn, "audio_in"); err != nil {
		return err
	}
	if err := validateAudioFormat(msg.AudioOut, "audio_out"); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(msg.Tools))
	for i, tool := range msg.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return badFrame("client_hello.tools entries must be named", fmt.Sprintf("tools[%d]", i))
		}
		if _, exists := seen[name]; exists {
			return badFrame("client_hello.tools entries must be unique", fmt.Sprintf("tools[%d]", i))
		}
		seen[name] = struct{}{}
	}
	return nil
}

func validateAudioFormat(f AudioFormat, param string) error {
	if strings.TrimSpace(f.Encoding) == "" {
		return badFrame("client_hello."+param+".encoding is required", param+".encoding")
	}
	if f.SampleRateHz <= 0 {
		return badFrame("client_hello."+param+".sample_rate_hz must be > 0", param+".sample_rate_hz")
	}
	if f.Channels <= 0 {
		return badFrame("client_hello."+param+".channels must be > 0", param+".channels")
	}
	return nil
}
