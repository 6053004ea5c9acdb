// Command saem-voice is a reference client for the conversation manager. It
// dials a real session against the configured backend and realtime API and
// prints the bus traffic, which makes it a handy end-to-end smoke test.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saem-app/saem/internal/bus"
	"github.com/saem-app/saem/internal/config"
	"github.com/saem-app/saem/internal/observe"
	"github.com/saem-app/saem/internal/orchestrator"
	"github.com/saem-app/saem/internal/protocol"
	"github.com/saem-app/saem/internal/resilience"
	"github.com/saem-app/saem/internal/token"
	"github.com/saem-app/saem/internal/transport"
	"github.com/saem-app/saem/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	scenario := flag.String("scenario", "cafe", "scenario identifier for the roleplay")
	level := flag.String("level", "beginner", "learner proficiency level")
	userID := flag.String("user", "saem-voice", "user identifier sent to the backend")
	bearer := flag.String("bearer", os.Getenv("SAEM_BEARER"), "bearer token for the backend (default $SAEM_BEARER)")
	duration := flag.Duration("for", 0, "end the session after this long (0 runs until Ctrl+C)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "saem-voice: %v\n", err)
		return 1
	}
	if cfg.Backend.APIBase == "" {
		fmt.Fprintln(os.Stderr, "saem-voice: backend.api_base must be set")
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Wiring ────────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "saem-voice"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	events := bus.New()
	observe.BindBus(events, metrics)
	printBusTraffic(events)

	// The negotiator's callbacks land on the orchestrator, which in turn
	// drives the negotiator. Close the loop with a late-bound pointer.
	var orch *orchestrator.Orchestrator

	neg := transport.New(transport.Config{
		RealtimeBase:     cfg.Realtime.Base,
		Model:            cfg.Realtime.Model,
		STUNServers:      cfg.Realtime.STUNServers,
		OpenTimeout:      cfg.Session.DataChannelOpenTimeout.Std(),
		ICERecoveryWait:  cfg.Session.ICERecoveryWait.Std(),
		ICEMaxRecoveries: cfg.Session.ICEMaxRecoveries,
		AudioOnlySend:    cfg.Session.AudioOnlySessionUpdate,
	}, transport.Callbacks{
		OnMessage:      func(data []byte) { orch.HandleControlMessage(data) },
		OnOpen:         func() { orch.HandleChannelOpen() },
		OnDegrade:      func() { orch.HandleDegrade() },
		OnChannelError: func(err error) { orch.HandleChannelError(err) },
		OnFatal:        func(kind string, err error) { orch.HandleTransportFatal(kind, err) },
	})

	tokens := token.NewClient(token.Config{
		APIBase: cfg.Backend.APIBase,
		AuthToken: func(context.Context) (string, error) {
			if *bearer == "" {
				return "", errors.New("no bearer token; pass -bearer or set SAEM_BEARER")
			}
			return *bearer, nil
		},
		Connected:  neg.Connected,
		MaxRetries: cfg.Backend.TokenMaxRetries,
	})

	orch = orchestrator.New(orchestrator.Config{
		Events:    events,
		Tokens:    tokens,
		Transport: neg,
		Metrics:   metrics,
		Gates: resilience.NewGates(resilience.GatesConfig{
			Breaker: resilience.CircuitBreakerConfig{
				Name:         "session-connect",
				MaxFailures:  cfg.Session.BreakerFailureThreshold,
				ResetTimeout: cfg.Session.BreakerOpenFor.Std(),
			},
			Debounce: cfg.Session.StartDebounce.Std(),
			Cooldown: cfg.Session.ConnectionCooldown.Std(),
			Latch:    cfg.Session.UserStopLatch.Std(),
		}),
		Model:              cfg.Realtime.Model,
		Voice:              cfg.Realtime.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		VAD: realtime.TurnDetectionParams{
			Type:              "server_vad",
			Threshold:         cfg.Session.VADThreshold,
			PrefixPaddingMs:   int(cfg.Session.VADPrefixPadding.Std().Milliseconds()),
			SilenceDurationMs: int(cfg.Session.VADSilence.Std().Milliseconds()),
		},
		Temperature:            cfg.Session.Temperature,
		SpeakingGrace:          cfg.Session.SpeakingGrace.Std(),
		SpeakingExtension:      cfg.Session.SpeakingExtension.Std(),
		ResponseCreateDelay:    cfg.Session.ResponseCreateDelay.Std(),
		AudioOnlySessionUpdate: cfg.Session.AudioOnlySessionUpdate,
	})
	defer orch.Destroy()

	if err := orch.Initialize(); err != nil {
		slog.Error("initialize failed", "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	ok, err := orch.StartSession(ctx, orchestrator.StartRequest{
		ScenarioID:      *scenario,
		Level:           *level,
		User:            &token.User{ID: *userID},
		IsUserInitiated: true,
	})
	if err != nil {
		slog.Error("session start failed", "err", err)
		return 1
	}
	if !ok {
		slog.Error("session start rejected")
		return 1
	}

	if *duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*duration):
			slog.Info("configured duration elapsed")
		}
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.StopSessionByUser(stopCtx); err != nil {
		slog.Warn("stop error", "err", err)
	}

	for i, turn := range orch.History() {
		fmt.Printf("%2d %-9s %s\n", i+1, turn.Role, turn.Text)
	}
	return 0
}

// printBusTraffic logs the interesting topics so a session run is visible.
func printBusTraffic(events *bus.Bus) {
	for _, topic := range []bus.Topic{
		bus.TopicConnecting,
		bus.TopicConnected,
		bus.TopicSessionStarted,
		bus.TopicSessionStopped,
		bus.TopicAudioOnlyMode,
		bus.TopicUserSpeechStarted,
		bus.TopicUserSpeechStopped,
		bus.TopicAISpeechStarted,
		bus.TopicAISpeechEnded,
	} {
		t := topic
		events.On(t, func(any) { slog.Info("event", "topic", string(t)) })
	}
	events.On(bus.TopicAITranscriptComplete, func(p any) {
		if turn, ok := p.(protocol.Turn); ok {
			fmt.Printf("쌤: %s\n", turn.Text)
		}
	})
	events.On(bus.TopicUserTranscriptComplete, func(p any) {
		if turn, ok := p.(protocol.Turn); ok {
			fmt.Printf("나: %s\n", turn.Text)
		}
	})
	events.On(bus.TopicError, func(p any) {
		if e, ok := p.(bus.ErrorPayload); ok {
			slog.Error("session error", "kind", e.Type, "err", e.Err)
		}
	})
}

func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
