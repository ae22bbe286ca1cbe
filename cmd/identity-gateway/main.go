// Package main is the entry point for the identity gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	bootstrap := initLogger(flags, config.LoggingConfig{})
	cfg := loadAndValidateConfig(flags.configPath, bootstrap)

	logger := initLogger(flags, cfg.Logging)
	defer func() { _ = logger.Sync() }()

	app, err := initApplication(cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize application", observability.Error(err))
		return
	}

	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags. Environment variables provide the
// defaults.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("identity-gateway", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("IDENTITY_GATEWAY_CONFIG", "configs/identity-gateway.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("IDENTITY_GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := fs.String("log-format", getEnvOrDefault("IDENTITY_GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("identity-gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// logConfig merges the configured logging settings with flag overrides.
func logConfig(flags cliFlags, cfg config.LoggingConfig) observability.LogConfig {
	out := observability.DefaultLogConfig()
	if cfg.Level != "" {
		out.Level = cfg.Level
	}
	if cfg.Format != "" {
		out.Format = cfg.Format
	}
	if cfg.Output != "" {
		out.Output = cfg.Output
	}
	if flags.logLevel != "" {
		out.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		out.Format = flags.logFormat
	}
	return out
}

// initLogger initializes the logger.
func initLogger(flags cliFlags, cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration. Any error is
// fatal.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting identity gateway",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
		return nil
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatalWithSync(logger, "invalid configuration", observability.Error(err))
		return nil
	}

	logger.Info("configuration loaded",
		observability.String("directory", cfg.Directory.Type),
		observability.Bool("provisioning", cfg.Accounts.Provisioning),
		observability.Bool("preauth", cfg.PreAuth.Enabled),
		observability.Bool("federation", cfg.Federation.Enabled),
		observability.Int("routes", len(cfg.Routes)),
	)

	return cfg
}

// fatalWithSync flushes buffered log entries before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
