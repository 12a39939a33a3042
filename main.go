package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcpgate/mcpgate/internal/audit"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/encryption"
	"github.com/mcpgate/mcpgate/internal/instanceauth"
	"github.com/mcpgate/mcpgate/internal/jwt"
	"github.com/mcpgate/mcpgate/internal/mcpserver"
	"github.com/mcpgate/mcpgate/internal/oauth"
	"github.com/mcpgate/mcpgate/internal/observe"
	"github.com/mcpgate/mcpgate/internal/server"
	"github.com/mcpgate/mcpgate/internal/service"
	"github.com/mcpgate/mcpgate/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

// gateway groups the wired components that routes and shutdown hooks need.
type gateway struct {
	store    *store.Store
	resolver *credential.Resolver
	watcher  *credential.Watcher
	authn    *instanceauth.Middleware
	mcp      *mcpserver.Server
}

func buildGateway(ctx context.Context, cfg config.Config) (*gateway, error) {
	var cipher store.Cipher
	if cfg.Store.EncryptionKeyset != "" {
		codec, err := encryption.NewCodecFromKeyset(cfg.Store.EncryptionKeyset)
		if err != nil {
			return nil, fmt.Errorf("encryption configuration failed: %w", err)
		}
		cipher = codec
	} else {
		log.Warn().Msg("refresh token encryption disabled: no keyset configured")
	}

	st, err := store.Open(ctx, cfg.Store.Path, cipher)
	if err != nil {
		return nil, fmt.Errorf("store configuration failed: %w", err)
	}

	registry := service.NewRegistry(cfg.OAuth.ClientIDs, cfg.OAuth.ClientSecrets)
	provider := oauth.NewProvider(registry)

	cache := credential.NewCache(cfg.Credential.CacheMaxEntries)
	resolver := credential.NewResolver(cache, st, provider, credential.ResolverConfig{
		MaxRefreshAttempts: cfg.Credential.MaxRefreshAttempts,
		RefreshTimeout:     cfg.Credential.RefreshTimeout(),
	})

	watcher := credential.NewWatcher(resolver, credential.WatcherConfig{
		Interval:         cfg.Credential.WatcherInterval(),
		RefreshLookahead: cfg.Credential.RefreshLookahead(),
	})

	authn, err := instanceauth.New(resolver, cfg.Credential.NegativeTTL())
	if err != nil {
		return nil, fmt.Errorf("instance auth configuration failed: %w", err)
	}

	return &gateway{
		store:    st,
		resolver: resolver,
		watcher:  watcher,
		authn:    authn,
		mcp:      mcpserver.New(version),
	}, nil
}

func configureServerRoutes(cfg config.Config, gw *gateway) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	adminAuthorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("admin authorizer configuration failed: %w", err)
	}

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. MCP tool calls carry the largest legitimate bodies.
	requestLimitBytes := int64(256 << 10) // 256 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	instanceRouteMiddleware := alice.New(requestLimiter, auditor, gw.authn.Require())
	instanceProbeMiddleware := alice.New(requestLimiter, auditor, gw.authn.RequireExistence())
	adminRouteMiddleware := alice.New(requestLimiter, auditor, adminAuthorizer)
	standardRouteMiddleware := alice.New(requestLimiter)

	// Per-instance surface. The MCP endpoint takes GET (SSE), POST (calls)
	// and DELETE (session teardown), so the route is method-agnostic.
	mux.Handle("/instance/{instance}/mcp", instanceRouteMiddleware.Then(gw.mcp.Handler()))
	mux.Handle("GET /instance/{instance}/health", instanceProbeMiddleware.Then(handleInstanceHealth()))

	// Admin and introspection surface.
	mux.Handle("GET /status", adminRouteMiddleware.Then(handleStatus(gw.resolver, gw.watcher)))
	mux.Handle("GET /services", adminRouteMiddleware.Then(handleListServices()))
	mux.Handle("POST /admin/instance/{instance}/status", adminRouteMiddleware.Then(handleSetInstanceStatus(gw.store, gw.resolver)))
	mux.Handle("POST /admin/sweep", adminRouteMiddleware.Then(handleSweep(gw.watcher)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	handler, err := configureServerRoutes(cfg, gw)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	gw.watcher.Start(ctx)

	var hooks server.ShutdownHooks
	hooks.Add("credential watcher", func() error {
		gw.watcher.Stop()
		return nil
	})
	hooks.Add("instance store", gw.store.Close)
	hooks.AddContext("telemetry", shutdownTelemetry)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = serveHTTP(ctx, cfg.Server, httpServer, &hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
