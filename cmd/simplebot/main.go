package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markcallen/simplebot/internal/attach"
	"github.com/markcallen/simplebot/internal/auth"
	"github.com/markcallen/simplebot/internal/bridge"
	"github.com/markcallen/simplebot/internal/config"
	"github.com/markcallen/simplebot/internal/cron"
	"github.com/markcallen/simplebot/internal/daemon"
	"github.com/markcallen/simplebot/internal/httpapi"
	"github.com/markcallen/simplebot/internal/logbuf"
	"github.com/markcallen/simplebot/internal/session"
	"github.com/markcallen/simplebot/internal/usage"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logBuffer := logbuf.NewBuffer(0)
	logger := buildLogger(cfg.Logging, logBuffer)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", configPath, "config", cfg.Redact())

	tracker := usage.NewTracker(cfg.Usage.Capacity, cfg.Usage.JSONLPath,
		time.Duration(cfg.Usage.RetentionDays)*24*time.Hour)
	if err := tracker.Load(); err != nil {
		logger.Warn("load usage history", "error", err)
	}

	mgr := session.NewManager(cfg.Sessions, sessionFactory(cfg, logger), logger)
	d := daemon.New(cfg, mgr, tracker, logger)
	d.SetLogBuffer(logBuffer)

	verifier := &auth.Verifier{
		Token:     cfg.Server.Auth.Token,
		JWTSecret: cfg.Server.Auth.JWTSecret,
		MaxTTL:    config.ParseDuration(cfg.Server.Auth.JWTMaxTTL, 24*time.Hour),
	}

	attachSrv := attach.NewServer(verifier, d.AttachRPC, logger)
	mgr.OnEvent(func(sessionName string, ev bridge.Event) {
		attachSrv.Broadcast(ev)
	})

	var sched *cron.Scheduler
	if cfg.Cron.Dir != "" {
		sched = cron.NewScheduler(cron.Options{
			Dir:            cfg.Cron.Dir,
			DefaultGrace:   time.Duration(cfg.Cron.GracePeriodMs) * time.Millisecond,
			DefaultSession: cfg.Sessions.Default,
			Provider: func(ctx context.Context, name string) (cron.Agent, error) {
				br, err := mgr.GetOrStart(ctx, name)
				if err != nil {
					return nil, err
				}
				return br, nil
			},
			LastInteraction: d.LastInteraction,
			OnResponse:      d.NotifyCron,
			Logger:          logger,
		})
		if err := sched.Start(); err != nil {
			logger.Error("start scheduler", "error", err)
			os.Exit(1)
		}
		d.SetScheduler(sched)
	}

	hb := daemon.NewHeartbeat(cfg.Heartbeat, d, logger)
	if hb != nil {
		hb.Start()
	}

	api := httpapi.NewServer(httpapi.Options{
		Listen:   cfg.Server.Listen,
		Verifier: verifier,
		Provider: d,
		Webhook:  d.HandleWebhook,
		Sessions: mgr.Names,
		Attach:   attachSrv,
		Logger:   logger,
	})
	httpErr := api.Start()

	// An agent child dying outside an intentional stop takes the daemon down.
	fatal := make(chan struct{}, 1)
	d.OnFatal(func(sessionName string, err error) {
		select {
		case fatal <- struct{}{}:
		default:
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-fatal:
		logger.Error("shutting down: agent child exited unexpectedly")
		exitCode = 1
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			exitCode = 1
		}
	}

	shutdown(logger, sched, hb, attachSrv, api, mgr)
	os.Exit(exitCode)
}

// shutdown stops components back to front: no new work first, then the
// surfaces, then the children.
func shutdown(logger *slog.Logger, sched *cron.Scheduler, hb *daemon.Heartbeat,
	attachSrv *attach.Server, api *httpapi.Server, mgr *session.Manager) {
	if sched != nil {
		sched.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	attachSrv.Close()
	if err := api.Stop(); err != nil {
		logger.Error("stop http server", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.StopAll(ctx)
	logger.Info("shutdown complete")
}

// sessionFactory resolves per-session commands against the agent defaults.
func sessionFactory(cfg *config.Config, logger *slog.Logger) session.Factory {
	return func(name string, sc config.SessionConfig) *bridge.Bridge {
		command := sc.Command
		args := sc.Args
		workingDir := sc.WorkingDir
		if command == "" {
			command = cfg.Agent.Command
			args = cfg.Agent.Args
		}
		if workingDir == "" {
			workingDir = cfg.Agent.WorkingDir
		}
		return bridge.New(bridge.Config{
			Command:    command,
			Args:       args,
			WorkingDir: workingDir,
		}, logger.With("session", name))
	}
}

func buildLogger(cfg config.LoggingConfig, buf *logbuf.Buffer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if cfg.Format == "text" {
		base = slog.NewTextHandler(os.Stdout, opts)
	} else {
		base = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logbuf.NewHandler(base, buf))
}
