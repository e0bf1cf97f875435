// Command companion-live runs a voice companion session against the live
// gateway using the default microphone and speaker.
//
// Usage:
//
//	go run ./cmd/companion-live
//
// Environment variables:
//
//	COMPANION_API_KEY       - Required session credential
//	COMPANION_ENDPOINT      - Gateway URL (default wss://live.trackside.dev/v1/session)
//	COMPANION_METRICS_ADDR  - Optional Prometheus listen address (e.g. :9102)
//	COMPANION_DATABASE_URL  - Optional Postgres DSN for the transcript archive
//	COMPANION_LOG_LEVEL     - debug, info, warn, or error (default info)
//
// Press Ctrl-C to hang up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/trackside-labs/companion/pkg/devices"
	"github.com/trackside-labs/companion/pkg/session"
	"github.com/trackside-labs/companion/pkg/store"
	"github.com/trackside-labs/companion/pkg/tools"
	"github.com/trackside-labs/companion/pkg/transcript"
)

func main() {
	_ = godotenv.Load()

	logger := setupLogger()
	slog.SetDefault(logger)

	cfg, err := session.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	mic, err := devices.NewMic(cfg.CaptureFormat, logger)
	if err != nil {
		logger.Error("failed to prepare microphone", "error", err)
		os.Exit(1)
	}
	speaker, err := devices.NewSpeaker(cfg.PlaybackFormat, logger)
	if err != nil {
		logger.Error("failed to prepare speaker", "error", err)
		os.Exit(1)
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithTracer(otel.Tracer("companion-live")),
	}

	if addr := os.Getenv("COMPANION_METRICS_ADDR"); addr != "" {
		metrics := session.NewMetrics("")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		opts = append(opts, session.WithMetrics(metrics))
		logger.Info("metrics listening", "addr", addr)
	}

	ctx := context.Background()
	if dsn := os.Getenv("COMPANION_DATABASE_URL"); dsn != "" {
		archive, err := store.Open(ctx, dsn, logger)
		if err != nil {
			logger.Error("failed to open transcript archive", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		if err := archive.Migrate(ctx); err != nil {
			logger.Error("failed to migrate transcript archive", "error", err)
			os.Exit(1)
		}
		opts = append(opts, session.WithTranscriptStore(archive))
		logger.Info("transcript archive enabled")
	}

	// The capabilities close over the controller so open_page can hold its
	// navigation until queued speech finishes.
	var ctrl *session.Controller
	caps := []tools.Capability{
		{
			Name:        "refresh_data",
			Description: "Refresh the dashboard data feed",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				fmt.Println("\n[refresh] dashboard data refreshed")
				return map[string]any{"refreshed_at": time.Now().Format(time.RFC3339)}, nil
			},
		},
		{
			Name:        "open_page",
			Description: "Navigate the companion UI to a named page",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				page, _ := args["page"].(string)
				if page == "" {
					return nil, fmt.Errorf("page argument required")
				}
				if err := ctrl.WaitForPlaybackIdle(ctx); err != nil {
					return nil, err
				}
				fmt.Printf("\n[navigate] opening %s\n", page)
				return map[string]any{"opened": page}, nil
			},
		},
	}

	ctrl, err = session.NewController(cfg, mic, speaker, caps, opts...)
	if err != nil {
		logger.Error("failed to build session", "error", err)
		os.Exit(1)
	}

	fmt.Println("companion-live: speak naturally, Ctrl-C to hang up")

	done := make(chan struct{})
	go printEvents(ctrl, done)

	if err := ctrl.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nhanging up...")
		_ = ctrl.Close()
		<-done
	case <-done:
		// The session ended on its own.
	}

	printTranscript(ctrl.TranscriptLog())
}

// printEvents renders session events until the session returns to Idle.
func printEvents(ctrl *session.Controller, done chan<- struct{}) {
	defer close(done)
	wasLive := false
	for ev := range ctrl.Events() {
		switch e := ev.(type) {
		case session.StateEvent:
			if e.Err != nil {
				fmt.Printf("\n[state] %s: %v\n", e.State, e.Err)
			} else {
				fmt.Printf("\n[state] %s\n", e.State)
			}
			if e.State == session.StateLive {
				wasLive = true
			}
			if e.State == session.StateIdle && wasLive {
				return
			}
		case session.ErrorEvent:
			fmt.Printf("\n[error] %v\n", e.Err)
		case session.PartialTranscriptEvent:
			fmt.Printf("\r[%s] %s", e.Role, e.Text)
		case session.TranscriptEvent:
			fmt.Printf("\n[%s] %s\n", e.Turn.Role, e.Turn.Text)
		case session.ToolCallEvent:
			fmt.Printf("\n[tool] %s (%s)\n", e.Name, e.ID)
		case session.InterruptedEvent:
			fmt.Printf("\n[interrupted] %d chunks dropped\n", e.Stopped)
		case session.VolumeEvent:
			fmt.Printf("\rmic %-24s", volumeBar(e.RMS))
		}
	}
}

func printTranscript(turns []transcript.Turn) {
	if len(turns) == 0 {
		return
	}
	fmt.Println("\n--- transcript ---")
	for _, turn := range turns {
		fmt.Printf("%-5s %s\n", turn.Role, turn.Text)
	}
}

// volumeBar renders an RMS level in [0, 1] as a fixed-width meter.
func volumeBar(rms float64) string {
	const width = 24
	filled := int(rms * width)
	if filled > width {
		filled = width
	}
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("COMPANION_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
