package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/spf13/cobra"
)

func newBackupCmd(verbose *bool) *cobra.Command {
	var all bool
	var dest string
	var keepLast, keepDaily int

	cmd := &cobra.Command{
		Use:   "backup [vm...]",
		Short: "Back up virtual machines into zip archives",
		Long: `Back up the named virtual machines, or every discovered one with --all.

Each VM is copied into a staging directory under the destination, archived,
and the archive is published next to earlier backups. Ctrl+C cancels the run
and removes everything it staged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one VM or pass --all")
			}

			a, err := newApp(*verbose, false)
			if err != nil {
				return err
			}
			if dest == "" && !a.cfg.IsConfigured() {
				return errors.New("no destination: run 'vmvault config set-destination <dir>' or pass --dest")
			}

			launcher, err := a.newLauncher(nil)
			if err != nil {
				return err
			}
			req := runs.StartRequest{VMs: args, All: all, DestinationDir: dest}
			if keepLast != 0 || keepDaily != 0 {
				req.Retention = &backup.RetentionPolicy{KeepLast: keepLast, KeepDaily: keepDaily}
			}
			return runBackup(cmd.Context(), launcher, req, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Back up every discovered VM")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory (default: configured destination)")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N archives of each VM")
	cmd.Flags().IntVar(&keepDaily, "keep-daily", 0, "Keep the newest archive of each of the last N days")

	return cmd
}

func runBackup(ctx context.Context, launcher *runs.Launcher, req runs.StartRequest, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runID, err := launcher.Start(ctx, req)
	if err != nil {
		return err
	}

	view, events, unsubscribe, err := launcher.Board().Subscribe(runID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(out, "Backup run %s -> %s\n", runID, view.DestinationDir)
	p := newProgressPrinter(out)
	p.snapshot(view)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for open := true; open; {
		select {
		case e, ok := <-events:
			if !ok {
				open = false
				break
			}
			p.event(e)
		case sig := <-sigChan:
			fmt.Fprintf(out, "\nReceived %s, cancelling run...\n", sig)
			launcher.Cancel(runID)
		}
	}

	outcome, err := launcher.Wait(context.Background(), runID)
	if err != nil {
		return err
	}
	p.summary(outcome)
	if !outcome.Succeeded() {
		return errRunFailed
	}
	return nil
}

// progressPrinter renders run events as lines. Progress of a job is printed
// when its state changes or it crosses a ten percent step.
type progressPrinter struct {
	out   io.Writer
	names map[string]string
	shown map[string]int
	state map[string]backup.State
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{
		out:   out,
		names: make(map[string]string),
		shown: make(map[string]int),
		state: make(map[string]backup.State),
	}
}

func (p *progressPrinter) snapshot(v runs.View) {
	p.jobs(v.Jobs)
}

func (p *progressPrinter) jobs(jobs []backup.Job) {
	for _, j := range jobs {
		p.names[j.ID] = j.VMName
		p.state[j.ID] = j.State
		p.shown[j.ID] = -1
	}
	if len(jobs) > 0 {
		fmt.Fprintf(p.out, "%d job(s) queued\n", len(jobs))
	}
}

func (p *progressPrinter) event(e backup.Event) {
	switch e.Kind {
	case backup.EventJobsInitialized:
		p.jobs(e.Jobs)
	case backup.EventLog:
		fmt.Fprintf(p.out, "  %s\n", e.Line)
	case backup.EventJobUpdated:
		step := p.shown[e.JobID]
		if e.Progress != nil {
			step = int(*e.Progress * 10)
		}
		if e.State == p.state[e.JobID] && step <= p.shown[e.JobID] {
			return
		}
		p.state[e.JobID] = e.State
		p.shown[e.JobID] = step
		fmt.Fprintf(p.out, "[%s] %-9s %3d%%  %s\n", p.names[e.JobID], e.State, max(step, 0)*10, e.Detail)
	}
}

func (p *progressPrinter) summary(o backup.Outcome) {
	fmt.Fprintln(p.out)
	if o.StartupError != "" {
		fmt.Fprintf(p.out, "Backup could not start: %s\n", o.StartupError)
		return
	}
	for _, j := range o.Jobs {
		fmt.Fprintf(p.out, "  %-24s %-9s %s\n", j.VMName, j.State, j.Detail)
	}
	switch {
	case o.Succeeded():
		fmt.Fprintln(p.out, "Backup completed successfully!")
	case o.CancellationRequested:
		fmt.Fprintln(p.out, "Backup cancelled.")
	default:
		fmt.Fprintf(p.out, "Backup finished with %d failure(s):\n", len(o.Failures))
		for _, f := range o.Failures {
			fmt.Fprintf(p.out, "  - %s\n", f)
		}
	}
}
