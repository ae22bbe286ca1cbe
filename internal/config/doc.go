// Package config provides configuration types and loading for the
// identity gateway.
//
// The configuration is read once at startup and decides which components
// are built: the directory backend, account provisioning, the notification
// publisher, and Vault secret resolution. Route header mappings may be
// hot-reloaded by the Watcher.
//
// # Features
//
//   - YAML configuration file loading
//   - Environment variable substitution with ${VAR:-default} syntax
//   - Defaults and startup validation (misconfiguration is fatal)
//   - Header mapping switches with pure Copy/Merge semantics
//   - File watching for route configuration hot-reload
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("configs/identity.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
package config
