package main

import (
	"context"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Reload outcomes recorded in metrics.
const (
	reloadSuccess = "success"
	reloadError   = "error"
)

// applyReload swaps in the routes and header policy of newCfg. Directory,
// listener and authentication settings need a restart.
func applyReload(app *application, newCfg *config.Config) {
	app.logger.Info("configuration changed, reloading routes")

	if err := app.routes.Update(newCfg); err != nil {
		app.metrics.RecordConfigReload(reloadError)
		app.logger.Error("failed to reload routes, keeping previous configuration", observability.Error(err))
		return
	}

	app.metrics.RecordConfigReload(reloadSuccess)
	app.logger.Info("routes reloaded", observability.Int("routes", len(newCfg.Routes)))
}

// startConfigWatcher starts the configuration watcher. A watcher that cannot
// start only disables hot reload.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	logger := app.logger

	watcher, err := config.NewWatcher(configPath,
		func(newCfg *config.Config) { applyReload(app, newCfg) },
		config.WithLogger(logger),
		config.WithErrorCallback(func(err error) {
			app.metrics.RecordConfigReload(reloadError)
			logger.Error("configuration reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}

	return watcher
}
