// Package commands implements the metronome command line.
package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/pulse/tasks"
)

// InitLogging initializes the global logger from config and flags. A config
// that fails to load falls back to defaults here; the command reports it.
func InitLogging(cmd *cobra.Command) error {
	jsonLogs, level := false, "info"
	if cfg, err := am.Load(); err == nil {
		jsonLogs = cfg.Log.JSON
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
	}
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	if err := logger.Initialize(jsonLogs, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	if v, _ := cmd.Flags().GetCount("verbose"); v > 0 {
		return logger.SetLevel(logger.VerbosityLevel(logger.Level(), v).String())
	}
	return nil
}

// loadConfig loads am configuration and applies command-line overrides
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		cfg.Database.Path = path
	}
	return cfg, nil
}

// newRegistry returns a registry holding every built-in task
func newRegistry(cfg *am.Config) *async.HandlerRegistry {
	reg := async.NewHandlerRegistry()
	tasks.Register(reg, &cfg.Tasks)
	return reg
}

// openEngine builds an engine from configuration. Workers are not started.
func openEngine(ctx context.Context, cfg *am.Config) (*pulse.Engine, error) {
	return pulse.NewFromConfig(ctx, cfg, newRegistry(cfg), logger.Logger)
}

// withEngine opens an engine for the duration of fn
func withEngine(cmd *cobra.Command, fn func(e *pulse.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engine, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}
