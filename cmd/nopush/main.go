package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/nopush/internal/apns"
	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/dispatch"
	"github.com/sandwichfarm/nopush/internal/mute"
	"github.com/sandwichfarm/nopush/internal/ops"
	"github.com/sandwichfarm/nopush/internal/plugin"
	"github.com/sandwichfarm/nopush/internal/relay"
	"github.com/sandwichfarm/nopush/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
		mode        = flag.String("mode", "plugin", "Run mode: plugin (strfry stdin/stdout) or relay (embedded relay server)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nopush %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		os.Exit(0)
	}

	if *mode != "plugin" && *mode != "relay" {
		fmt.Fprintf(os.Stderr, "Unknown mode %q. Use plugin or relay.\n", *mode)
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit, *mode)

	if err := run(cfg, *mode, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mode string, logger *ops.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.New(&cfg.Storage)
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("failed to open notification store: %w", err)
	}
	defer store.Close()

	policy := mute.NewRelayPolicy(ctx, &cfg.Mute, logger)

	gateway, err := apns.NewClient(&cfg.APNS, logger)
	if err != nil {
		return fmt.Errorf("failed to create push gateway: %w", err)
	}

	engine := dispatch.New(store, policy, gateway, &cfg.Dispatch, logger)
	engine.Start()
	defer engine.Stop()

	switch mode {
	case "plugin":
		// The host owns our lifetime: run until it closes stdin.
		filter := plugin.NewFilter(engine, &cfg.Plugin, logger)
		if err := filter.Run(os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("plugin loop failed: %w", err)
		}

	case "relay":
		server, err := relay.New(&cfg.Relay, store, engine, logger)
		if err != nil {
			return fmt.Errorf("failed to create relay server: %w", err)
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start relay server: %w", err)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.LogShutdown(sig.String())

		if err := server.Stop(); err != nil {
			return fmt.Errorf("failed to stop relay server: %w", err)
		}
	}

	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
