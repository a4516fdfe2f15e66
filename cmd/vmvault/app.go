package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/config"
	"github.com/MacJediWizard/vmvault/internal/inventory"
	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/rs/zerolog"
)

// app holds the components every command builds from the configuration.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	runner    *process.Runner
	discovery *inventory.Discovery
}

// loadConfig reads the config file, applies environment overrides and fills
// in defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.ApplyEnv().WithDefaults(), nil
}

func newApp(verbose, jsonLogs bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil && cfg.IsConfigured() {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, verbose, jsonLogs)
	runner := process.NewRunner(logger)
	scanner := inventory.NewScanner(cfg.LibraryDirs, cfg.BundleSuffix, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		runner:    runner,
		discovery: inventory.NewDiscovery(scanner, cfg.LibvirtDefinitionsDir, logger),
	}, nil
}

// newLogger builds the root logger. Interactive commands log through a
// console writer, serve logs JSON.
func newLogger(w io.Writer, level string, verbose, jsonLogs bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if !jsonLogs {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w})
	}
	return logger
}

// newCoordinator wires the backup pipeline from the configuration.
func (a *app) newCoordinator(recorder backup.Recorder) (*backup.Coordinator, error) {
	format, err := backup.ParseFormat(a.cfg.Archiver.Format)
	if err != nil {
		return nil, err
	}

	opts := []backup.Option{backup.WithCleanupRetry(a.cfg.CleanupAttempts, a.cfg.CleanupDelay())}
	if recorder != nil {
		opts = append(opts, backup.WithRecorder(recorder))
	}
	if a.cfg.CheckFreeSpace {
		opts = append(opts, backup.WithSpaceChecker(backup.DiskSpaceChecker{}))
	}

	archiver := backup.NewArchiver(a.runner, format, a.cfg.Archiver.Binary, a.logger)
	return backup.NewCoordinator(backup.NewCopier(a.logger), archiver, backup.NewRegistry(a.logger), a.logger, opts...), nil
}

// newLauncher wires a launcher over a fresh coordinator.
func (a *app) newLauncher(recorder backup.Recorder) (*runs.Launcher, error) {
	coord, err := a.newCoordinator(recorder)
	if err != nil {
		return nil, err
	}
	destination := a.cfg.DestinationDir
	launcher := runs.NewLauncher(coord, a.discovery, runs.NewBoard(0, a.cfg.RunHistory), func() string { return destination }, a.logger)
	return launcher.WithRetention(a.cfg.Retention), nil
}

func (a *app) resolveOne(ctx context.Context, name string) (backup.VirtualMachine, error) {
	vms, err := a.discovery.Resolve(ctx, []string{name})
	if err != nil {
		return backup.VirtualMachine{}, err
	}
	return vms[0], nil
}

// destinations returns every directory backups may be written to.
func (a *app) destinations() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(dir string) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	add(a.cfg.DestinationDir)
	for _, s := range a.cfg.Schedules {
		add(s.DestinationDir)
	}
	return out
}
