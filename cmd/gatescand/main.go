package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gatewise/gatescan/checkin"
	"github.com/gatewise/gatescan/framesource"
	"github.com/gatewise/gatescan/internal/config"
	"github.com/gatewise/gatescan/internal/control"
	"github.com/gatewise/gatescan/internal/emitter"
	"github.com/gatewise/gatescan/internal/health"
	"github.com/gatewise/gatescan/validate"
)

const defaultConfigPath = "config/gatescan.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting gatescan service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client, err := validate.NewClient(validate.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.BackendTimeout(),
	})
	if err != nil {
		slog.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}

	source, err := buildSource(cfg)
	if err != nil {
		slog.Error("failed to create frame source", "error", err)
		os.Exit(1)
	}

	// Console feedback always; MQTT fanout when a broker is configured.
	sinks := checkin.MultiSink{checkin.SinkFunc(logFeedback)}
	var mq *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTTEmitter(cfg)
		if err := mq.Connect(context.Background()); err != nil {
			slog.Error("failed to connect to mqtt broker", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, mq)
	}

	poller, err := checkin.NewPoller(client, cfg.EventID, cfg.StatsInterval(), func(s validate.EventStats) {
		slog.Info("attendance",
			"event_id", s.EventID,
			"checked_in", s.CheckedIn,
			"total", s.TotalTickets,
		)
		if mq != nil {
			if err := mq.PublishStats(s); err != nil {
				slog.Warn("stats publish failed", "error", err)
			}
		}
	})
	if err != nil {
		slog.Error("failed to create stats poller", "error", err)
		os.Exit(1)
	}

	session, err := checkin.NewSession(checkin.Config{
		Source:        source,
		Authority:     client,
		EventID:       cfg.EventID,
		Operator:      cfg.Operator,
		Cooldown:      cfg.Cooldown(),
		DisplayWindow: cfg.DisplayWindow(),
		Sink:          sinks,
		OnCommit:      poller.Kick,
	})
	if err != nil {
		slog.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	healthSrv, err := health.NewServer(cfg.Health.Addr, func() health.Snapshot {
		snap := health.Snapshot{
			Status:  "ok",
			GateID:  cfg.GateID,
			EventID: cfg.EventID,
			Phase:   session.Phase().String(),
			UptimeS: int64(time.Since(startedAt).Seconds()),
			Source:  source.Stats(),
			Session: session.Stats(),
		}
		if session.Phase() == checkin.PhaseError {
			snap.Status = "degraded"
		}
		if last, ok := poller.Last(); ok {
			snap.Attendance = last
		}
		if mq != nil {
			published, errs, connected := mq.Stats()
			snap.MQTT = &health.MQTTStatus{
				Connected: connected,
				Published: published,
				Errors:    errs,
			}
		}
		return snap
	})
	if err != nil {
		slog.Error("failed to create health server", "error", err)
		os.Exit(1)
	}
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go poller.Run(ctx)

	if err := session.Start(ctx); err != nil {
		slog.Error("failed to start scan session", "error", err)
		if ce, ok := framesource.AsCameraError(err); ok {
			slog.Error("camera remediation required", "kind", ce.Kind.String())
		}
		os.Exit(1)
	}

	var ctrl *control.Handler
	if mq != nil {
		ctrl = control.NewHandler(cfg, mq.Client, control.Callbacks{
			OnGetStatus: func() map[string]any {
				return map[string]any{
					"phase":   session.Phase().String(),
					"session": session.Stats(),
					"source":  source.Stats(),
				}
			},
			OnStart:   func() error { return session.Start(ctx) },
			OnStop:    func() error { return session.Stop() },
			OnConfirm: func() error { return session.Confirm(ctx) },
		})
		if err := ctrl.Start(ctx); err != nil {
			slog.Error("failed to start control plane", "error", err)
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			slog.Error("control plane stop failed", "error", err)
		}
	}
	if err := session.Stop(); err != nil {
		slog.Error("session stop failed", "error", err)
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown failed", "error", err)
	}
	if mq != nil {
		mq.Disconnect()
	}

	slog.Info("gatescan service stopped successfully")
}

// logFeedback renders feedback events on the daemon log. The console is the
// lane's minimum viable feedback channel when no broker is configured.
func logFeedback(e checkin.Event) {
	switch e.Type {
	case checkin.EventScanSuccess:
		slog.Info("scan ok, awaiting confirmation",
			"token", e.Token,
			"buyer", e.Outcome.Meta.BuyerName,
		)
	case checkin.EventScanError:
		slog.Warn("scan rejected",
			"token", e.Token,
			"status", e.Outcome.Status.String(),
			"message", e.Outcome.Message,
		)
	case checkin.EventCheckinConfirmed:
		slog.Info("check-in confirmed", "token", e.Token)
	}
}

// buildSource creates the configured frame source: a real camera, or a
// replay script when camera.replay_file is set.
func buildSource(cfg *config.Config) (framesource.Source, error) {
	if cfg.Camera.ReplayFile != "" {
		payloads, err := loadReplay(cfg.Camera.ReplayFile)
		if err != nil {
			return nil, err
		}
		return framesource.NewReplaySource(payloads, 2*time.Second, true)
	}

	facing, err := framesource.ParseFacing(cfg.Camera.Facing)
	if err != nil {
		return nil, err
	}
	return framesource.NewCameraSource(framesource.CameraConfig{
		Device:      cfg.Camera.Device,
		Facing:      facing,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		TargetFPS:   float64(cfg.Camera.FPS),
		DecodeEvery: cfg.DecodeInterval(),
	})
}

// loadReplay reads one payload per line, skipping blanks and # comments.
func loadReplay(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var payloads []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		payloads = append(payloads, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return payloads, nil
}
