// Hercules SFMS Gateway - industrial edge gateway daemon.
//
// Polls configured PLCs, buffers samples locally, and syncs with the
// Hercules portal. Unlike the teacher's TUI entry point, this process has
// no interactive front-end: it activates, wires its subsystems, and runs
// until a termination signal or a fatal subsystem error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hercules/bootstrap"
	"hercules/logging"
	"hercules/supervisor"
)

var Version = "dev"

var (
	bootstrapPath = flag.String("config", bootstrap.DefaultPath(), "Path to the bootstrap config file (api_base, activation_code, install_dir)")
	showVersion   = flag.Bool("version", false, "Show version and exit")
	logLevel      = flag.String("log-level", "info", "Structured log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("hercules-gateway %s\n", Version)
		os.Exit(0)
	}

	bootCfg, err := bootstrap.Load(*bootstrapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading bootstrap config: %v\n", err)
		os.Exit(1)
	}
	bootCfg.GatewayVersion = Version

	if err := os.MkdirAll(bootCfg.InstallDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating install dir %s: %v\n", bootCfg.InstallDir, err)
		os.Exit(1)
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewGatewayLogger(bootCfg.LogPath(), level)

	// Only bounds activation/store-open retries during startup; Run
	// installs its own SIGINT/SIGTERM/SIGHUP handling once subsystems
	// are wired, so it's given context.Background() instead.
	startupCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(startupCtx, bootCfg, logger)
	if err != nil {
		logger.Error("failed to start gateway", "error", err)
		fmt.Fprintf(os.Stderr, "Error starting gateway: %v\n", err)
		os.Exit(1)
	}

	if err := sup.Run(context.Background()); err != nil {
		logger.Error("gateway exited with a fatal error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", s)
	}
}
