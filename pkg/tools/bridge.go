package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trackside-labs/companion/pkg/core"
	"github.com/trackside-labs/companion/pkg/protocol"
)

// Handler executes one local capability. Side effects on collaborators
// (navigation, data refresh) are dispatched from inside the handler via
// callbacks; the bridge never waits on them.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Capability declares one named local action offered to the remote peer.
// The capability set is static configuration, never runtime-negotiated.
type Capability struct {
	Name        string
	Description string
	Handler     Handler
}

// Bridge routes inbound tool calls to capability handlers. Every call is
// answered with exactly one result, including calls that name no registered
// capability; silently dropping a call would leave the remote turn blocked.
type Bridge struct {
	handlers map[string]Handler
	decls    []protocol.ToolDeclaration
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds a bridge from the declared capability set. A timeout of zero
// means handlers run until the session context ends.
func New(caps []Capability, timeout time.Duration, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make(map[string]Handler, len(caps))
	decls := make([]protocol.ToolDeclaration, 0, len(caps))
	for i, c := range caps {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, core.NewConfigErrorWithParam("capability name must not be empty", fmt.Sprintf("capabilities[%d]", i))
		}
		if c.Handler == nil {
			return nil, core.NewConfigErrorWithParam("capability handler must not be nil", name)
		}
		if _, exists := handlers[name]; exists {
			return nil, core.NewConfigErrorWithParam("capability names must be unique", name)
		}
		handlers[name] = c.Handler
		decls = append(decls, protocol.ToolDeclaration{Name: name, Description: c.Description})
	}
	return &Bridge{
		handlers: handlers,
		decls:    decls,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Declarations returns the static capability list advertised at session open.
func (b *Bridge) Declarations() []protocol.ToolDeclaration {
	out := make([]protocol.ToolDeclaration, len(b.decls))
	copy(out, b.decls)
	return out
}

// Dispatch answers call with exactly one result via reply. Unknown names are
// answered immediately with a failure result; known handlers run on their
// own goroutine so inbound frame processing is never blocked. A reply lost
// because the session closed underneath is logged, not retried.
func (b *Bridge) Dispatch(ctx context.Context, call protocol.ToolCall, reply func(protocol.ToolResult) error) {
	name := strings.TrimSpace(call.Name)
	handler, ok := b.handlers[name]
	if !ok {
		b.sendReply(reply, protocol.ToolResult{
			Type: protocol.TypeToolResult,
			ID:   call.ID,
			Name: name,
			Result: map[string]any{
				"error": fmt.Sprintf("tool %q is not registered", name),
				"code":  "tool_not_registered",
			},
		})
		return
	}

	toolCtx := ctx
	cancel := func() {}
	if b.timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, b.timeout)
	}

	go func() {
		defer cancel()

		output, err := handler(toolCtx, call.Arguments)
		switch {
		case errors.Is(err, context.Canceled):
			// Session tore down mid-call; the peer is gone and no longer
			// waiting on this result.
			return
		case errors.Is(err, context.DeadlineExceeded):
			b.logger.Warn("tool call timed out", "tool", name, "id", call.ID)
			b.sendReply(reply, protocol.ToolResult{
				Type: protocol.TypeToolResult,
				ID:   call.ID,
				Name: name,
				Result: map[string]any{
					"error": "tool execution timed out",
					"code":  "tool_timeout",
				},
			})
		case err != nil:
			herr := core.NewToolHandlerError(name, err)
			b.logger.Warn("tool call failed", "tool", name, "id", call.ID, "error", err)
			b.sendReply(reply, protocol.ToolResult{
				Type: protocol.TypeToolResult,
				ID:   call.ID,
				Name: name,
				Result: map[string]any{
					"error": herr.Message,
					"code":  "tool_execution_failed",
				},
			})
		default:
			if output == nil {
				output = map[string]any{"ok": true}
			}
			b.sendReply(reply, protocol.ToolResult{
				Type:   protocol.TypeToolResult,
				ID:     call.ID,
				Name:   name,
				Result: output,
			})
		}
	}()
}

func (b *Bridge) sendReply(reply func(protocol.ToolResult) error, result protocol.ToolResult) {
	if err := reply(result); err != nil {
		b.logger.Warn("tool result not delivered", "tool", result.Name, "id", result.ID, "error", err)
	}
}
