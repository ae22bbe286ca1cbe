package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avapigw-identity/internal/account"
	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/directory"
	"github.com/vyrodovalexey/avapigw-identity/internal/events"
	"github.com/vyrodovalexey/avapigw-identity/internal/federation"
	"github.com/vyrodovalexey/avapigw-identity/internal/headers"
	"github.com/vyrodovalexey/avapigw-identity/internal/health"
	"github.com/vyrodovalexey/avapigw-identity/internal/middleware"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/pipeline"
	"github.com/vyrodovalexey/avapigw-identity/internal/proxy"
	"github.com/vyrodovalexey/avapigw-identity/internal/resolver"
	"github.com/vyrodovalexey/avapigw-identity/internal/sanitizer"
	"github.com/vyrodovalexey/avapigw-identity/internal/vault"
)

// startupTimeout bounds connecting to the directory and Vault at startup.
const startupTimeout = 30 * time.Second

// application holds all application components.
type application struct {
	config    *config.Config
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	store     directory.Store
	publisher events.Publisher
	jwks      *federation.JWKSCache
	routes    *pipeline.RouteTable
	health    *health.Handler

	handler     http.Handler
	server      *http.Server
	adminServer *http.Server
}

// initApplication wires every component from cfg. The returned application
// has not started listening yet. On error every component opened so far is
// released.
func initApplication(cfg *config.Config, logger observability.Logger) (_ *application, err error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics("identity"),
		health:  health.NewHandler(logger, health.WithVersion(version)),
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer
	defer func() {
		if err != nil {
			app.release(context.Background())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	vaultClient, err := vault.New(cfg.Vault, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault client: %w", err)
	}

	if err := app.initDirectory(ctx, vaultClient); err != nil {
		return nil, err
	}

	publisher, err := events.New(cfg.Notifications,
		events.WithLogger(logger),
		events.WithMetrics(app.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifications: %w", err)
	}
	app.publisher = publisher
	if ch, ok := publisher.(*events.ChannelPublisher); ok {
		go consumeNotifications(ch, logger)
	}

	handler, err := app.buildHandler()
	if err != nil {
		return nil, err
	}
	app.handler = handler

	return app, nil
}

// release stops the JWKS refresh and closes the publisher, the directory and
// the tracer. Provisioning may still publish while requests drain, so the
// publisher closes before the directory.
func (app *application) release(ctx context.Context) {
	if app.jwks != nil {
		app.jwks.Stop()
	}

	if app.publisher != nil {
		if err := app.publisher.Close(); err != nil {
			app.logger.Error("failed to close notification publisher", observability.Error(err))
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("failed to close directory", observability.Error(err))
		}
	}

	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}

// initDirectory opens the configured directory backend behind the
// concurrency limit, timeout and circuit breaker guard.
func (app *application) initDirectory(ctx context.Context, vaultClient vault.Client) error {
	cfg := app.config.Directory

	var store directory.Store
	switch cfg.Type {
	case config.DirectoryTypeNone:
		app.logger.Info("no directory configured, identities are not provisioned")
		return nil
	case config.DirectoryTypeMemory:
		store = directory.NewMemoryStore()
	case config.DirectoryTypeRedis:
		s, err := directory.OpenRedis(ctx, cfg.Redis, vaultClient, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open redis directory: %w", err)
		}
		store = s
	case config.DirectoryTypeSQL:
		s, err := directory.OpenSQL(ctx, cfg.SQL, vaultClient, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open sql directory: %w", err)
		}
		store = s
	default:
		return fmt.Errorf("unsupported directory type: %s", cfg.Type)
	}

	app.store = directory.NewGuarded(store, cfg.Type, cfg,
		directory.WithGuardLogger(app.logger),
		directory.WithGuardMetrics(app.metrics),
		directory.WithGuardTracer(app.tracer),
	)
	app.health.AddCheck(health.NewHealthCheckFunc("directory", app.store.Ping))

	app.logger.Info("directory initialized", observability.String("type", cfg.Type))
	return nil
}

// buildHandler assembles the identity pipeline in front of the proxy and
// wraps it in the ambient middleware.
func (app *application) buildHandler() (http.Handler, error) {
	cfg := app.config
	logger := app.logger
	metrics := app.metrics

	san, err := sanitizer.New(cfg.Security, cfg.PreAuth,
		sanitizer.WithLogger(logger),
		sanitizer.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sanitizer: %w", err)
	}

	routes, err := pipeline.NewRouteTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to compile routes: %w", err)
	}
	app.routes = routes

	authenticators := app.authenticators()

	coordinator, err := pipeline.NewCoordinator([]pipeline.Filter{
		pipeline.NewSanitizeFilter(san),
		pipeline.NewAuthenticateFilter(logger, authenticators...),
		pipeline.NewResolveFilter(app.newResolver(), pipeline.DefaultRetryAfter),
		pipeline.NewBindTargetFilter(routes),
		pipeline.NewContributeFilter(headers.NewPipeline(
			headers.WithLogger(logger),
			headers.WithMetrics(metrics),
		)),
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to build request pipeline: %w", err)
	}

	upstream := proxy.NewReverseProxy(
		proxy.WithProxyLogger(logger),
		proxy.WithTimeout(cfg.Server.WriteTimeout.Duration()),
		proxy.WithTracer(app.tracer),
	)

	return middleware.Chain(coordinator.Handler(upstream),
		middleware.Recovery(logger, metrics),
		middleware.RequestID(),
		middleware.Tracing(app.tracer),
		middleware.AccessLog(logger, metrics),
	), nil
}

// authenticators returns the enabled authentication mechanisms in priority
// order: a verified ID token before pre-authenticated headers.
func (app *application) authenticators() []pipeline.Authenticator {
	cfg := app.config
	var out []pipeline.Authenticator

	if cfg.Federation.Enabled {
		app.jwks = federation.NewJWKSCache(cfg.Federation.JWKSURL, cfg.Federation.JWKSRefresh.Duration(),
			federation.WithCacheLogger(app.logger),
		)
		app.health.AddOptionalCheck(health.NewHealthCheckFunc("jwks", func(ctx context.Context) error {
			_, err := app.jwks.Keys(ctx)
			return err
		}))
		out = append(out, federation.NewAuthenticator(cfg.Federation, app.jwks,
			federation.WithLogger(app.logger),
		))
	}

	if cfg.PreAuth.Enabled {
		out = append(out, resolver.NewPreAuthExtractor(cfg.PreAuth.Headers))
	}
	return out
}

func (app *application) newResolver() *resolver.Resolver {
	opts := []resolver.Option{
		resolver.WithLogger(app.logger),
		resolver.WithMetrics(app.metrics),
	}
	if app.store == nil {
		return resolver.New(opts...)
	}

	manager := account.NewManager(app.store, app.config.Accounts,
		account.WithPublisher(app.publisher),
		account.WithLogger(app.logger),
		account.WithMetrics(app.metrics),
		account.WithTracer(app.tracer),
	)
	opts = append(opts, resolver.WithOrganizations(app.store))
	if app.config.Accounts.Provisioning {
		opts = append(opts, resolver.WithProvisioner(manager))
	} else {
		opts = append(opts, resolver.WithAccounts(manager))
	}
	return resolver.New(opts...)
}

// consumeNotifications logs events from the in-process publisher until it
// is closed.
func consumeNotifications(ch *events.ChannelPublisher, logger observability.Logger) {
	for ev := range ch.Events() {
		logger.Info("account created",
			observability.String("username", ev.User.Username),
			observability.String("organization", ev.User.Organization),
			observability.String("provider", ev.User.Provider),
			observability.Time("occurredAt", ev.OccurredAt),
		)
	}
}
