// Package main is the entrypoint for the vmvault CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/config"
	"github.com/MacJediWizard/vmvault/internal/snapshot"
	"github.com/MacJediWizard/vmvault/internal/vmctl"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// errRunFailed makes the process exit 1 after a run whose failures were
// already printed.
var errRunFailed = errors.New("backup run did not succeed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "vmvault",
		Short: "vmvault - backups, snapshots and control for local virtual machines",
		Long: `vmvault backs up virtual machine bundles into zip archives, manages
disk image snapshots and starts or stops VMs through external tools.

Run 'vmvault config set-destination <dir>' to choose where backups go.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newVMsCmd(&verbose),
		newBackupCmd(&verbose),
		newSnapshotCmd(&verbose),
		newVMCmd(&verbose),
		newServeCmd(&verbose),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vmvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vmvault configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetDestinationCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			configPath, _ := config.DefaultConfigPath()
			fmt.Printf("Config file:       %s\n", configPath)
			fmt.Println()

			if !cfg.IsConfigured() {
				fmt.Println("No destination configured. Run 'vmvault config set-destination <dir>' to set one.")
			} else {
				fmt.Printf("Destination:       %s\n", cfg.DestinationDir)
			}
			fmt.Printf("Library dirs:      %s\n", strings.Join(cfg.LibraryDirs, ", "))
			fmt.Printf("Bundle suffix:     %s\n", cfg.BundleSuffix)
			if cfg.LibvirtDefinitionsDir != "" {
				fmt.Printf("Libvirt defs:      %s\n", cfg.LibvirtDefinitionsDir)
			}
			format, err := backup.ParseFormat(cfg.Archiver.Format)
			if err != nil {
				return err
			}
			fmt.Printf("Archiver:          %s\n", format)
			fmt.Printf("Imaging tool:      %s\n", cfg.ImagingBinary)
			if cfg.Control.Binary != "" {
				fmt.Printf("Control tool:      %s\n", cfg.Control.Binary)
			}
			fmt.Printf("Free-space check:  %v\n", cfg.CheckFreeSpace)
			fmt.Printf("Listen address:    %s\n", cfg.ListenAddr)
			fmt.Printf("Log level:         %s\n", cfg.LogLevel)
			for _, s := range cfg.Schedules {
				vms := "all"
				if len(s.VMs) > 0 {
					vms = strings.Join(s.VMs, ", ")
				}
				fmt.Printf("Schedule:          %s (%s) -> %s\n", s.Name, s.Cron, vms)
			}
			return nil
		},
	}
}

func newConfigSetDestinationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-destination <dir>",
		Short: "Set the directory backups are written to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := backup.Canonicalize(config.ExpandHome(args[0]))
			if err != nil {
				return fmt.Errorf("invalid destination: %w", err)
			}

			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg.DestinationDir = dir

			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Destination set to: %s\n", cfg.DestinationDir)
			return nil
		},
	}
}

func newVMsCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vms",
		Short: "Inspect discovered virtual machines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List virtual machines found in the library directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*verbose, false)
			if err != nil {
				return err
			}

			vms, err := a.discovery.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list vms: %w", err)
			}
			if len(vms) == 0 {
				fmt.Println("No virtual machines found.")
				return nil
			}

			fmt.Printf("%-24s %-8s %-6s %s\n", "NAME", "BUNDLE", "DISKS", "PATH")
			for _, vm := range vms {
				bundle := "yes"
				if !vm.HasBundle() {
					bundle = "no"
				}
				fmt.Printf("%-24s %-8s %-6d %s\n", vm.Name, bundle, len(vm.DiskImages), vm.BundlePath)
			}
			return nil
		},
	})

	return cmd
}

func newSnapshotCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage internal snapshots of a VM's disk images",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <vm> <name>",
			Short: "Create a snapshot on every disk image of a VM",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSnapshots(cmd.Context(), *verbose, args[0], func(ctx context.Context, m *snapshot.Manager, vm backup.VirtualMachine) error {
					if err := m.CreateForVM(ctx, vm, args[1]); err != nil {
						return err
					}
					fmt.Printf("Snapshot %q created on %d disk image(s) of %s\n", args[1], len(vm.DiskImages), vm.Name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <vm> <name>",
			Short: "Delete a snapshot from every disk image of a VM",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSnapshots(cmd.Context(), *verbose, args[0], func(ctx context.Context, m *snapshot.Manager, vm backup.VirtualMachine) error {
					if err := m.DeleteForVM(ctx, vm, args[1]); err != nil {
						return err
					}
					fmt.Printf("Snapshot %q deleted from %s\n", args[1], vm.Name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list <vm>",
			Short: "List snapshots of a VM's disk images",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSnapshots(cmd.Context(), *verbose, args[0], func(ctx context.Context, m *snapshot.Manager, vm backup.VirtualMachine) error {
					byImage, err := m.ListForVM(ctx, vm)
					if err != nil {
						return err
					}
					for _, image := range vm.DiskImages {
						fmt.Printf("%s:\n", image)
						snaps := byImage[image]
						if len(snaps) == 0 {
							fmt.Println("  (no snapshots)")
							continue
						}
						for _, s := range snaps {
							fmt.Printf("  %-4s %-24s %-10s %s %s\n", s.ID, s.Tag, s.VMSize, s.Date, s.VMClock)
						}
					}
					return nil
				})
			},
		},
	)

	return cmd
}

func withSnapshots(ctx context.Context, verbose bool, name string, fn func(context.Context, *snapshot.Manager, backup.VirtualMachine) error) error {
	a, err := newApp(verbose, false)
	if err != nil {
		return err
	}
	vm, err := a.resolveOne(ctx, name)
	if err != nil {
		return err
	}
	return fn(ctx, snapshot.NewManager(a.runner, a.cfg.ImagingBinary, a.logger), vm)
}

func newVMCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Start or stop a virtual machine",
	}

	for _, action := range []vmctl.Action{vmctl.ActionStart, vmctl.ActionStop} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   string(action) + " <name>",
			Short: strings.ToUpper(string(action[:1])) + string(action[1:]) + " a virtual machine",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(*verbose, false)
				if err != nil {
					return err
				}
				vm, err := a.resolveOne(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				ctl := vmctl.NewController(a.runner, vmctl.Config{
					Binary:    a.cfg.Control.Binary,
					StartArgs: a.cfg.Control.StartArgs,
					StopArgs:  a.cfg.Control.StopArgs,
				}, a.logger)

				if action == vmctl.ActionStart {
					err = ctl.Start(cmd.Context(), vm)
				} else {
					err = ctl.Stop(cmd.Context(), vm)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s requested\n", vm.Name, action)
				return nil
			},
		})
	}

	return cmd
}
