package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newServers(app)
	startBackground(ctx, app)

	errCh := make(chan error, 2)
	go serve(app.server, "gateway", logger, errCh)
	if app.adminServer != nil {
		go serve(app.adminServer, "admin", logger, errCh)
	}

	watcher := startConfigWatcher(ctx, app, configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("listener failed, shutting down", observability.Error(err))
	}

	shutdown(app, watcher)
}

// shutdown drains the listeners and then releases the directory, publisher
// and tracer.
func shutdown(app *application, watcher *config.Watcher) {
	logger := app.logger

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.config.Server.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout))
	defer cancel()

	app.health.SetDraining(true)

	if watcher != nil {
		_ = watcher.Stop()
	}

	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	if app.adminServer != nil {
		logger.Info("stopping admin server")
		if err := app.adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
	}

	app.release(shutdownCtx)

	logger.Info("identity gateway stopped")
}
