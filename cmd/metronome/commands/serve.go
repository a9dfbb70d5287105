package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse"
	"github.com/teranos/metronome/server"
	"github.com/teranos/metronome/sym"
)

// ServeCmd runs workers and the HTTP API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run workers and the HTTP API",
	Long: sym.Pulse + ` Run workers and the HTTP API in the foreground.

On start, queue entries lost to a previous crash are re-derived from the
job store. Ctrl+C stops accepting requests and waits for running tasks to
finish before exiting.

Settings under [pulse] max_starts_per_minute, max_logs_per_job and
[log] level are re-read when the active am.toml changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd, true)
	},
}

// WorkerCmd runs workers without the HTTP API
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Pulse + " Run workers only",
	Long: sym.Pulse + ` Run workers without the HTTP API.

Several worker processes can share one database (and one Redis queue);
leases keep a job from running on two of them at once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd, false)
	},
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Override server.port")
	for _, c := range []*cobra.Command{ServeCmd, WorkerCmd} {
		c.Flags().Int("workers", -1, "Override pulse.workers")
	}
}

func runEngine(cmd *cobra.Command, withHTTP bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("workers"); n >= 0 {
		cfg.Pulse.Workers = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	engine.Start()

	watcher := watchConfig(engine, cfg)
	if watcher != nil {
		defer watcher.Stop()
	}

	var srv *server.Server
	serveErr := make(chan error, 1)
	port := cfg.GetServerPort()
	if withHTTP {
		if p, _ := cmd.Flags().GetInt("port"); p > 0 {
			port = p
		}
		srv = server.New(engine, cfg.Server.AllowedOrigins, logger.Logger)
		go func() { serveErr <- srv.ListenAndServe(port) }()
	}

	pterm.Success.Printf("%s metronome running (%s)\n", sym.Pulse, engine)
	pterm.Printf("  Workers:  %d\n", cfg.Pulse.Workers)
	pterm.Printf("  Queue:    %s\n", engine.Backend())
	pterm.Printf("  Database: %s\n", cfg.GetDatabasePath())
	if withHTTP {
		pterm.Printf("  API:      http://localhost:%d\n", port)
	}
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	fmt.Printf("\n%s Shutting down, waiting for running tasks...\n", sym.PulseClose)
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
	}
	engine.Stop()

	fmt.Printf("%s Stopped\n", sym.PulseClose)
	return nil
}

// watchConfig reloads hot settings from the active config file. Returns nil
// when no config file is in use.
func watchConfig(engine *pulse.Engine, running *am.Config) *am.ConfigWatcher {
	path := am.ActiveConfigPath()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.SetCurrent(running)
	watcher.OnReload(engine.ApplyConfig)
	watcher.OnReload(func(cfg *am.Config) error {
		if cfg.Log.Level == "" {
			return nil
		}
		return logger.SetLevel(cfg.Log.Level)
	})
	watcher.Start()
	return watcher
}
