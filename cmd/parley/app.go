package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpggio/parley/internal/client"
	"github.com/rpggio/parley/internal/config"
	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/protocol"
	"github.com/rpggio/parley/internal/restapi"
	"github.com/rpggio/parley/internal/sqlite"
	"github.com/rpggio/parley/internal/tabs"
)

// ErrDuplicateTab is returned when the destination is open elsewhere and
// the user did not ask to take it over.
var ErrDuplicateTab = errors.New("conversation already open in another session")

// app holds one wired chat session.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sqlite.DB
	registry *prometheus.Registry
	manager  *connection.Manager
	client   *client.Client
	tabs     *tabs.Coordinator
	metrics  *http.Server
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.DB.Path != sqlite.MemoryDSN {
		if err := ensureDir(cfg.DB.Path); err != nil {
			return nil, fmt.Errorf("prepare database path: %w", err)
		}
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	channel, err := sqlite.OpenBroadcast(ctx, db, tabs.Topic, cfg.Tabs.BroadcastPoll, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open tab channel: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := connection.NewManager(connection.Config{
		Target: connection.Target{Origin: cfg.Server.Origin, Path: cfg.Server.SocketPath},
		Credentials: connection.Credentials{
			Token:     cfg.Auth.Token,
			UserID:    cfg.Auth.UserID,
			UserName:  cfg.Auth.UserName,
			UserEmail: cfg.Auth.UserEmail,
		},
		Backoff: connection.Backoff{
			Base:        cfg.Connection.BaseDelay,
			Factor:      cfg.Connection.BackoffFactor,
			Max:         cfg.Connection.MaxDelay,
			MaxAttempts: cfg.Connection.MaxAttempts,
		},
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		ResumeCooldown:    cfg.Connection.ResumeCooldown,
		DialTimeout:       cfg.Connection.DialTimeout,
		TypingTTL:         cfg.Presence.TypingTTL,
	}, connection.NewWebsocketDialer(cfg.Connection.DialTimeout), logger.With("component", "connection"),
		connection.WithMetrics(connection.NewMetrics(reg)))

	api, err := restapi.New(cfg.Server.APIBase, cfg.Auth.Token, nil, logger.With("component", "api"))
	if err != nil {
		_ = channel.Close()
		_ = db.Close()
		return nil, err
	}

	chat := client.New(manager, api, sqlite.NewPrefs(db, logger.With("component", "prefs")), logger.With("component", "client"),
		client.WithUploader(api),
		client.WithTypingInterval(cfg.Presence.TypingInterval),
	)

	coordinator := tabs.NewCoordinator(sqlite.NewTabRegistry(db, logger), channel, logger.With("component", "tabs"),
		tabs.WithRefreshInterval(cfg.Tabs.RefreshInterval),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: reg,
		manager:  manager,
		client:   chat,
		tabs:     coordinator,
	}, nil
}

// start registers the tab, connects and restores the client. When
// conversationID is set it is opened after the restore.
func (a *app) start(ctx context.Context, conversationID string, claim bool) error {
	path := "/"
	if conversationID != "" {
		path = "/conversations/" + conversationID
	}
	res, err := a.tabs.Register(ctx, path, strings.TrimRight(a.cfg.Server.Origin, "/")+path)
	if err != nil {
		return err
	}
	if res.Duplicate {
		if !claim {
			return fmt.Errorf("%w: tab %s", ErrDuplicateTab, res.ExistingTabID)
		}
		a.logger.Info("taking over from existing tab", "existing_tab_id", res.ExistingTabID)
		if err := a.tabs.Claim(ctx); err != nil {
			return err
		}
	}

	a.manager.OnStatus(func(t connection.Transition) {
		attrs := []any{"from", t.From, "status", t.Session.Status, "attempt", t.Session.Attempt}
		if t.Session.LastError != nil {
			attrs = append(attrs, "error", t.Session.LastError)
		}
		a.logger.Info("session status", attrs...)
	})
	a.tabs.OnFocusRequested(func(sig tabs.Signal) {
		a.logger.Info("destination opened again elsewhere", "path", sig.Path, "from_tab_id", sig.FromTabID)
	})
	a.manager.OnFrame(func(f protocol.Frame) {
		a.logger.Debug("frame received", "type", f.Type)
	})

	if err := a.client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	if err := a.manager.Connect(ctx); err != nil {
		if a.manager.Session().Fatal() {
			return fmt.Errorf("connect: %w", err)
		}
		a.logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	if conversationID != "" {
		if err := a.client.Open(ctx, conversationID); err != nil {
			a.logger.Warn("open conversation failed", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// serveMetrics starts the /metrics endpoint when an address is configured.
func (a *app) serveMetrics() {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(a.manager.Session().Status))
	})
	a.metrics = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
}

// close disconnects with a normal closure and removes the tab record.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.client.Stop()
	a.manager.Disconnect()
	if err := a.tabs.Close(ctx); err != nil {
		a.logger.Warn("close tab", "error", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics shutdown", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func stderrLogger(cfg config.Config) (*slog.Logger, func(), error) {
	return newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Path)
}
