package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trackside-labs/companion/pkg/core"
	"github.com/trackside-labs/companion/pkg/protocol"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// frameBuffer bounds how far the reader can run ahead of the consumer
	// before frames are dropped.
	frameBuffer = 256

	closeGrace = 2 * time.Second
)

// Options configure one Dial.
type Options struct {
	// Endpoint accepts ws, wss, http, or https URLs; http and https are
	// upgraded to their websocket schemes.
	Endpoint string
	APIKey   string

	// Hello is sent as the first frame. Type, ProtocolVersion, and APIKey
	// are filled in when unset.
	Hello protocol.ClientHello

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Conn is one live websocket connection. The handshake has already completed
// when Dial returns, so a Conn is always usable until Close or a terminal
// read error.
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	audioMime string

	frames chan protocol.ServerFrame
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error

	writeTimeout time.Duration
	logger       *slog.Logger
}

// Dial opens the websocket, performs the client_hello/ready handshake, and
// starts the read loop. The returned Conn owns the socket.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	wsURL, err := wsEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	hello := opts.Hello
	if hello.Type == "" {
		hello.Type = protocol.TypeClientHello
	}
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.ProtocolVersion1
	}
	if hello.APIKey == "" {
		hello.APIKey = opts.APIKey
	}
	if err := protocol.ValidateHello(hello); err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			return nil, core.NewConfigErrorWithParam(de.Message, de.Param)
		}
		return nil, core.NewConfigError(err.Error())
	}

	headers := make(http.Header)
	if hello.APIKey != "" {
		headers.Set("Authorization", "Bearer "+hello.APIKey)
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, core.NewTransportError("websocket dial failed", err)
	}

	logger.Debug("sending client hello", "hello", hello.RedactedForLog())
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, core.NewTransportError("send client_hello", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(dialTimeout))
	messageType, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, core.NewTransportError("read session handshake", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = ws.Close()
		return nil, core.NewProtocolError(fmt.Sprintf("unexpected first frame type %d", messageType))
	}

	first, err := protocol.DecodeServerFrame(payload)
	if err != nil {
		_ = ws.Close()
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			return nil, core.NewProtocolErrorWithParam("handshake: "+de.Message, de.Param)
		}
		return nil, core.NewProtocolError("handshake: " + err.Error())
	}

	switch f := first.(type) {
	case protocol.Ready:
		c := &Conn{
			ws:           ws,
			sessionID:    f.SessionID,
			audioMime:    fmt.Sprintf("audio/pcm;rate=%d", hello.AudioIn.SampleRateHz),
			frames:       make(chan protocol.ServerFrame, frameBuffer),
			done:         make(chan struct{}),
			writeTimeout: writeTimeout,
			logger:       logger,
		}
		go c.readLoop()
		if opts.PingInterval > 0 {
			go c.pingLoop(opts.PingInterval)
		}
		return c, nil
	case protocol.ErrorFrame:
		_ = ws.Close()
		return nil, &core.Error{
			Type:    core.ErrTransport,
			Message: strings.TrimSpace(f.Message),
			Code:    strings.TrimSpace(f.Code),
		}
	default:
		_ = ws.Close()
		return nil, core.NewProtocolError(fmt.Sprintf("unexpected first frame %T", first))
	}
}

// SessionID returns the server-assigned session identifier.
func (c *Conn) SessionID() string {
	if c == nil {
		return ""
	}
	return c.sessionID
}

// Frames yields decoded inbound frames. The channel closes when the read
// loop exits.
func (c *Conn) Frames() <-chan protocol.ServerFrame {
	if c == nil {
		return nil
	}
	return c.frames
}

// Done closes when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.done
}

// SendAudio sends one base64 PCM frame captured from the microphone.
func (c *Conn) SendAudio(data string) error {
	if c == nil {
		return core.NewStateError("connection must not be nil")
	}
	return c.sendJSON(protocol.RealtimeAudio{
		Type:     protocol.TypeRealtimeAudio,
		Data:     data,
		MimeType: c.audioMime,
	})
}

// SendToolResult answers one tool call.
func (c *Conn) SendToolResult(result protocol.ToolResult) error {
	if c == nil {
		return core.NewStateError("connection must not be nil")
	}
	result.Type = protocol.TypeToolResult
	result.ID = strings.TrimSpace(result.ID)
	if result.ID == "" {
		return core.NewProtocolErrorWithParam("tool_result.id is required", "id")
	}
	return c.sendJSON(result)
}

func (c *Conn) sendJSON(v any) error {
	if c.closed.Load() {
		return core.NewStateError("connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return core.NewTransportError("write frame", err)
	}
	return nil
}

// Close sends a close frame, tears the socket down, and waits for the read
// loop to exit. Calling Close more than once is safe.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, if any. It blocks until the
// read loop has exited. A locally closed connection reports no error.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(core.NewTransportError("read server frame", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			// A malformed frame never kills the session.
			c.logger.Warn("dropping malformed server frame", "error", err)
			continue
		}

		c.emit(frame)
		if ef, ok := frame.(protocol.ErrorFrame); ok && ef.Close {
			c.setErr(&core.Error{
				Type:    core.ErrTransport,
				Message: strings.TrimSpace(ef.Message),
				Code:    strings.TrimSpace(ef.Code),
			})
			return
		}
	}
}

func (c *Conn) emit(frame protocol.ServerFrame) {
	select {
	case c.frames <- frame:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeGrace))
			c.writeMu.Unlock()
			if err != nil && !c.closed.Load() {
				c.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}

func wsEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", core.NewConfigErrorWithParam("endpoint is required", "endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewConfigErrorWithParam("endpoint is not a valid URL", "endpoint")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", core.NewConfigErrorWithParam("endpoint scheme must be ws, wss, http, or https", "endpoint")
	}
	return u.String(), nil
}
