// Package vmctl starts and stops virtual machines through the hypervisor's
// command-line control tool.
package vmctl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/rs/zerolog"
)

// ErrControlFailed is returned when the control tool exits nonzero or cannot run.
var ErrControlFailed = errors.New("vm control failed")

// ErrNotConfigured is returned when no control tool is configured.
var ErrNotConfigured = errors.New("vm control is not configured")

// Action is a control operation.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Config describes the control tool. Arguments may contain {name} and {id}.
type Config struct {
	Binary    string
	StartArgs []string
	StopArgs  []string
}

// Controller runs the control tool.
type Controller struct {
	runner *process.Runner
	cfg    Config
	logger zerolog.Logger
}

// NewController creates a new Controller.
func NewController(runner *process.Runner, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "vm_controller").Logger(),
	}
}

// Start starts vm.
func (c *Controller) Start(ctx context.Context, vm backup.VirtualMachine) error {
	return c.do(ctx, ActionStart, vm)
}

// Stop stops vm.
func (c *Controller) Stop(ctx context.Context, vm backup.VirtualMachine) error {
	return c.do(ctx, ActionStop, vm)
}

func (c *Controller) do(ctx context.Context, action Action, vm backup.VirtualMachine) error {
	args, err := c.args(action, vm)
	if err != nil {
		return err
	}

	logger := c.logger.With().Str("action", string(action)).Str("vm", vm.Name).Logger()
	logger.Debug().Strs("args", args).Msg("running control tool")

	res, err := c.runner.Run(ctx, c.cfg.Binary, args, nil)
	if err != nil {
		if errors.Is(err, process.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrControlFailed, action, vm.Name, err)
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(string(res.Stderr))
		logger.Error().Int("exit_code", res.ExitCode).Str("stderr", stderr).Msg("control tool failed")
		return fmt.Errorf("%w: %s %s: %s exited with code %d: %s", ErrControlFailed, action, vm.Name, filepath.Base(c.cfg.Binary), res.ExitCode, stderr)
	}

	logger.Info().Dur("duration", res.Duration).Msg("control action completed")
	return nil
}

// args expands the configured arguments for action.
func (c *Controller) args(action Action, vm backup.VirtualMachine) ([]string, error) {
	if c.cfg.Binary == "" {
		return nil, ErrNotConfigured
	}
	tmpl := c.cfg.StartArgs
	if action == ActionStop {
		tmpl = c.cfg.StopArgs
	}
	if len(tmpl) == 0 {
		tmpl = []string{string(action), "{name}"}
	}
	r := strings.NewReplacer("{name}", vm.Name, "{id}", vm.ID)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out, nil
}
