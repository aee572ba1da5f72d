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

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/handler"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/realtime"
	"relay-proxy-go/internal/replica"
	"relay-proxy-go/internal/rewrite"
	"relay-proxy-go/internal/sanitize"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/storage"
	"relay-proxy-go/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("relay-proxy"),
		kong.Description("Forwarding relay with HTML link rewriting and a WebSocket broadcast channel."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	cfg, err := config.Load(&cli)
	kctx.FatalIfErrorf(err)

	if cfg.ReplicaIndex < 0 && cfg.Server.Replicas > 1 {
		supervise(cfg)
		return
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			worker.NewPool,
			rewrite.NewFromConfig,
			sanitize.New,
			service.NewRelayService,
			realtime.NewPeerSet,
			storage.NewMemoryStore,
			handler.NewRelayHandler,
			handler.NewStorageHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, reportConfig, startServer),
	).Run()
}

// supervise runs the configured number of replicas until a signal arrives.
func supervise(cfg *config.Config) {
	logger := newLogger(cfg)
	reportConfig(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := replica.Supervise(ctx, cfg.Server.Replicas, cfg.Server.Port, logger); err != nil {
		logger.Error("replica supervisor failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	if cfg.ReplicaIndex >= 0 {
		logger = logger.With("replica", cfg.ReplicaIndex)
	}
	return logger
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Relay.Prefix)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Relayed bodies and WebSocket peers can outlive any fixed write budget;
	// the upstream timeout and per-frame write deadlines bound them instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, cfg.Relay.Prefix))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Compress())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Server.StaticDir != "" {
		e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
			Root: cfg.Server.StaticDir,
			Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Request().URL.Path, cfg.Relay.Prefix)
			},
		}))
		logger.Info("serving static files", "dir", cfg.Server.StaticDir)
	}

	return e
}

func reportConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.ReportIssues(logger)
	cfg.WarnPermissions(logger)
}

type serverDeps struct {
	fx.In

	Lifecycle fx.Lifecycle
	Echo      *echo.Echo
	Config    *config.Config
	Logger    *slog.Logger
	Peers     *realtime.PeerSet
	Pool      *worker.Pool
}

func startServer(d serverDeps) {
	cfg, logger, e := d.Config, d.Logger, d.Echo

	d.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := replica.Listen(ctx, addr, cfg.ReplicaIndex >= 0)
			if err != nil {
				return err
			}
			logger.Info("starting relay",
				"addr", ln.Addr().String(),
				"prefix", cfg.Relay.Prefix,
				"version", version,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down relay")
			err := e.Shutdown(ctx)
			d.Peers.CloseAll()
			d.Pool.Close()
			return err
		},
	})
}
