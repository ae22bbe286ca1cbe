package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// newAdminEngine serves health checks and metrics.
func newAdminEngine(app *application) *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	app.health.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(app.metrics.Handler()))
	return engine
}

// newServers creates the gateway and admin listeners from the server
// configuration.
func newServers(app *application) {
	cfg := app.config.Server

	app.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.handler,
		ReadTimeout:       cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout.Duration(),
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if cfg.AdminListen != "" {
		app.adminServer = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           newAdminEngine(app),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	}
}

// serve runs srv until it is shut down. Listener failures are reported on
// errCh.
func serve(srv *http.Server, name string, logger observability.Logger, errCh chan<- error) {
	logger.Info("starting server",
		observability.String("server", name),
		observability.String("address", srv.Addr),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", observability.String("server", name), observability.Error(err))
		errCh <- err
	}
}

// startBackground starts the components that run alongside the listeners.
func startBackground(ctx context.Context, app *application) {
	if app.jwks != nil {
		app.jwks.StartAutoRefresh(ctx, 0)
	}
}
