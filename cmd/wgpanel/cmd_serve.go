package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/wgpanel/internal/api"
	"github.com/kuuji/wgpanel/internal/clientconf"
	"github.com/kuuji/wgpanel/internal/engine"
	"github.com/kuuji/wgpanel/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveKeepInterface bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WireGuard server and HTTP API",
	Long: `Bring up the WireGuard interface, synchronise the kernel peer set with
the roster, install the NAT rule and serve the HTTP API until interrupted.

Requires root privileges (CAP_NET_ADMIN) for link, peer and nftables
management:
  sudo wgpanel serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveKeepInterface, "keep-interface", false, "leave the interface and NAT rule in place on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if dir := filepath.Dir(cfg.Server.DataPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	roster, err := store.Open(cfg.Server.DataPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := roster.Close(); err != nil {
			globalLogger.Warn("closing roster", "error", err)
		}
	}()

	deps, closeDeps, err := engine.DefaultDeps(roster, globalLogger)
	if err != nil {
		return permissionHint(fmt.Errorf("opening kernel clients: %w", err))
	}
	defer closeDeps()

	eng, err := engine.New(cfg, deps, globalLogger)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting wgpanel", "config", resolvedConfigPath(), "version", version)

	if err := eng.Start(ctx); err != nil {
		shutdownEngine(eng)
		return permissionHint(fmt.Errorf("starting engine: %w", err))
	}

	srv := api.NewServer(cfg.Server.Listen, eng, clientconf.ParamsFromConfig(cfg.WireGuard), globalLogger)
	if err := srv.Start(); err != nil {
		shutdownEngine(eng)
		return err
	}

	runErr := eng.Run(ctx)

	if err := srv.Stop(); err != nil {
		globalLogger.Warn("stopping api server", "error", err)
	}
	shutdownEngine(eng)

	if runErr != nil {
		return fmt.Errorf("engine error: %w", runErr)
	}
	globalLogger.Info("wgpanel stopped")
	return nil
}

func shutdownEngine(eng *engine.Engine) {
	if serveKeepInterface {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		globalLogger.Warn("tearing down interface", "error", err)
	}
}

// permissionHint adds actionable guidance to EPERM failures.
func permissionHint(err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w\n\nManaging WireGuard links requires root privileges.\nRun: sudo wgpanel serve", err)
	}
	return err
}
