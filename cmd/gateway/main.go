package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/af-corp/copilot-bridge/internal/approval"
	"github.com/af-corp/copilot-bridge/internal/auth"
	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/gateway"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/notify"
	"github.com/af-corp/copilot-bridge/internal/ratelimit"
	"github.com/af-corp/copilot-bridge/internal/router"
	"github.com/af-corp/copilot-bridge/internal/router/adapters"
	"github.com/af-corp/copilot-bridge/internal/telemetry"
	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
)

var version = "dev"

// overrides are command-line values that win over the config files, also
// after a hot reload.
type overrides struct {
	port      int
	manual    bool
	showToken bool
	rateLimit time.Duration
	wait      bool
}

func (o overrides) apply(c config.Config) *config.Config {
	if o.port > 0 {
		c.Server.Port = o.port
	}
	if o.manual {
		c.Features.ManualApprove = true
	}
	if o.showToken {
		c.Features.ShowToken = true
	}
	if o.rateLimit > 0 {
		c.RateLimit.Interval = o.rateLimit
	}
	if o.wait {
		c.RateLimit.Wait = true
	}
	return &c
}

func newLogger(cfg config.TelemetryConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	var o overrides
	configDir := flag.StringP("config", "c", "configs", "path to configuration directory")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	flag.IntVarP(&o.port, "port", "p", 0, "listen port (overrides server.port)")
	flag.BoolVar(&o.manual, "manual", false, "ask on the console before forwarding each request")
	flag.BoolVar(&o.showToken, "show-token", false, "log credentials unmasked")
	flag.DurationVar(&o.rateLimit, "rate-limit", 0, "minimum interval between upstream requests")
	flag.BoolVar(&o.wait, "wait", false, "wait instead of rejecting when rate limited")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	loader := config.NewLoader(*configDir, bootLogger)
	if err := loader.Load(); err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	currentConfig := func() *config.Config { return o.apply(*loader.Config()) }
	cfg := currentConfig()

	logger := newLogger(cfg.Telemetry, *verbose)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	limits := initiator.NewLimits(cfg.Initiator.WindowMin, cfg.Initiator.WindowMax)
	loader.OnReload(func() {
		c := currentConfig()
		limits.Set(initiator.Bounds{Min: c.Initiator.WindowMin, Max: c.Initiator.WindowMax})
		logger.Info("initiator bounds reloaded", "min", c.Initiator.WindowMin, "max", c.Initiator.WindowMax)
	})

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (admission gate kept in memory)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// Credentials
	httpClient := upstream.NewHTTPClient(cfg.Upstream)
	credClient := &http.Client{Timeout: cfg.Credential.Timeout}
	exchange := credential.NewExchangeClient(cfg.Credential.APIURL, cfg.Upstream, credClient)
	device := credential.NewDeviceFlow(cfg.Credential.OAuthURL, cfg.Credential.ClientID, credClient, func(dc *credential.DeviceCode) {
		fmt.Fprintf(os.Stderr, "Please enter the code %q at %s\n", dc.UserCode, dc.VerificationURI)
	})
	creds := credential.NewManager(cfg.Credential, exchange, limits, credClient, logger,
		credential.WithShowToken(cfg.Features.ShowToken),
		credential.WithRefreshHook(metrics.RecordCredentialRefresh),
		credential.WithDeviceFlow(device),
	)
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := creds.Setup(setupCtx); err != nil {
		cancelSetup()
		logger.Error("failed to set up credentials", "error", err)
		os.Exit(1)
	}
	cancelSetup()
	defer creds.Stop()

	client := upstream.NewClient(cfg.Upstream, creds, httpClient)
	catalog := upstream.NewCatalog(client)
	if err := catalog.Refresh(context.Background()); err != nil {
		logger.Warn("failed to load model catalog (all models use chat completions)", "error", err)
	} else {
		logger.Info("model catalog loaded", "models", len(catalog.Models()))
	}

	// Adapters
	windows := initiator.NewWindowTracker(limits, initiator.WithLogger(logger))
	sessions := initiator.NewSessionTracker(limits, initiator.WithLogger(logger))
	chat := adapters.NewChatAdapter(client, windows, metrics)
	registry := router.NewRegistry()
	registry.Register(chat)
	registry.Register(adapters.NewResponsesAdapter(client, sessions, loader.Models, metrics))

	var approver approval.Approver = approval.AllowAll{}
	if cfg.Features.ManualApprove {
		console := approval.NewConsole()
		if !console.Interactive() {
			logger.Error("manual approval requires an interactive terminal")
			os.Exit(1)
		}
		approver = console
	}

	handler := gateway.NewHandler(gateway.Deps{
		Config:   currentConfig,
		Catalog:  catalog,
		Registry: registry,
		Chat:     chat,
		Client:   client,
		Windows:  windows,
		Sessions: sessions,
		Limits:   limits,
		Creds:    creds,
		Approver: approver,
		Notifier: notify.NewNotifier(func() config.NotifyConfig { return currentConfig().Notify }, &http.Client{}, logger),
		Metrics:  metrics,
		Logger:   logger,
	})

	keyStore := auth.NewStaticKeyStore(func() string { return currentConfig().Auth.APIKey })
	gate := ratelimit.NewGate(ratelimit.NewLimiter(rdb), func() config.RateLimitConfig { return currentConfig().RateLimit }, metrics)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated routes
	r.Get("/health", handler.Health)
	r.Handle(cfg.Telemetry.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Get("/v1/models", handler.ListModels)
		r.Get("/models", handler.ListModels)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(gate))
			r.Post("/v1/messages", handler.Messages)
			r.Post("/v1/chat/completions", handler.ChatCompletions)
			r.Post("/chat/completions", handler.ChatCompletions)
			r.Post("/v1/embeddings", handler.Embeddings)
			r.Post("/embeddings", handler.Embeddings)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.AdminMiddleware(func() string { return currentConfig().Auth.AdminToken }))
		r.Get("/conversations", handler.AdminConversations)
		r.Get("/reload-token", handler.AdminReloadToken)
		r.Post("/reload-token", handler.AdminReloadToken)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version, "upstream", cfg.Upstream.URL())
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("gateway stopped")
}

// requestIDHeader echoes the request id assigned by middleware.RequestID.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}
