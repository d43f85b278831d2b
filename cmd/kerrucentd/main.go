// kerrucentd is the kerrucent time-series and anomaly detection daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"os"
	"os/signal"
	"syscall"

	kconfig "github.com/moamoak/kerrucent/internal/config"
	"github.com/moamoak/kerrucent/internal/engine"
	"github.com/moamoak/kerrucent/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("kerrucentd", flag.ContinueOnError)
	cfgPath := fs.String("config", "/etc/kerrucent/config.yaml", "config file path")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	listen := fs.String("listen", "", "UDP ingest address (overrides config)")
	apiListen := fs.String("api", "", "HTTP API address (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("kerrucentd", Version)
		return nil
	}

	cfg, err := kconfig.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = kconfig.DefaultConfig()
	}

	if *dataDir != "" {
		cfg.SetDataDir(*dataDir)
	}
	if *listen != "" {
		cfg.Ingest.Listen = *listen
	}
	if *apiListen != "" {
		cfg.API.Listen = *apiListen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.Format == "json")
	log.Info("kerrucentd starting", "version", Version, "config", *cfgPath, "data_dir", cfg.DataDir)

	e, err := engine.New(ctx, cfg, Version)
	if err != nil {
		return err
	}
	if err := e.HealthCheck(ctx); err != nil {
		e.Close()
		return fmt.Errorf("health check failed: %w", err)
	}

	if err := e.Run(ctx); err != nil {
		return err
	}
	log.Info("kerrucentd stopped")
	return nil
}
