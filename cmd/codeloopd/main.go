// Codeloopd runs the code generation, review and test loop as a daemon.
//
// It loads configuration, wires the pattern store, agents, orchestrator and
// scheduler, and serves the task API over HTTP until interrupted.
//
// Usage:
//
//	# Start with defaults plus CODELOOP_* environment overrides
//	codeloopd
//
//	# Start with a config file
//	codeloopd -config ~/.config/codeloop/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/codeloop/internal/agents"
	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults plus environment when empty)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  codeloopd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  codeloopd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("codeloopd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("codeloopd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, builds the daemon and blocks until ctx is
// canceled and everything has shut down.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg, err := logging.FromConfig(cfg.Logging, false)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	d, err := newDaemon(ctx, cfg, logger, agents.NewModel)
	if err != nil {
		return err
	}
	return d.run(ctx)
}
