package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/rs/zerolog"
)

// ErrUnknownVM is returned when a requested VM is not in the inventory.
var ErrUnknownVM = errors.New("unknown virtual machine")

// Discovery combines scanned bundles with libvirt domain definitions.
type Discovery struct {
	scanner        *Scanner
	definitionsDir string
	logger         zerolog.Logger
}

// NewDiscovery creates a new Discovery. definitionsDir may be empty.
func NewDiscovery(scanner *Scanner, definitionsDir string, logger zerolog.Logger) *Discovery {
	return &Discovery{
		scanner:        scanner,
		definitionsDir: definitionsDir,
		logger:         logger.With().Str("component", "vm_discovery").Logger(),
	}
}

// List returns every known VM sorted by name.
func (d *Discovery) List(ctx context.Context) ([]backup.VirtualMachine, error) {
	scanned, err := d.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan libraries: %w", err)
	}
	defined, err := LoadDomainDefinitions(d.definitionsDir, d.logger)
	if err != nil {
		d.logger.Warn().Err(err).Str("dir", d.definitionsDir).Msg("failed to load domain definitions")
	}

	vms := Reconcile(scanned, defined)
	d.logger.Info().
		Int("scanned", len(scanned)).
		Int("defined", len(defined)).
		Int("total", len(vms)).
		Msg("discovered virtual machines")
	return vms, nil
}

// Resolve lists the inventory and selects names from it.
func (d *Discovery) Resolve(ctx context.Context, names []string) ([]backup.VirtualMachine, error) {
	vms, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	return Select(vms, names)
}

// Reconcile merges scanned bundles with domain definitions. A definition
// matching a scanned bundle by name or by bundle path keeps its identifier
// and takes the scanned bundle; other definitions are kept as they are.
func Reconcile(scanned, defined []backup.VirtualMachine) []backup.VirtualMachine {
	out := make([]backup.VirtualMachine, len(scanned))
	copy(out, scanned)

	byName := make(map[string]int, len(out))
	byPath := make(map[string]int, len(out))
	for i, vm := range out {
		byName[vm.Name] = i
		byPath[vm.BundlePath] = i
	}

	for _, def := range defined {
		i, ok := byName[def.Name]
		if !ok && def.PathIsResolved {
			i, ok = byPath[def.BundlePath]
		}
		if !ok {
			out = append(out, def)
			continue
		}
		merged := out[i]
		merged.ID = def.ID
		merged.Name = def.Name
		if len(merged.DiskImages) == 0 {
			merged.DiskImages = def.DiskImages
		}
		out[i] = merged
	}

	sortByName(out)
	return out
}

// Select returns the VMs named in names, in request order. Names match a
// VM's name or its identifier.
func Select(vms []backup.VirtualMachine, names []string) ([]backup.VirtualMachine, error) {
	selected := make([]backup.VirtualMachine, 0, len(names))
	for _, name := range names {
		vm, ok := find(vms, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVM, name)
		}
		selected = append(selected, vm)
	}
	return selected, nil
}

func find(vms []backup.VirtualMachine, name string) (backup.VirtualMachine, bool) {
	for _, vm := range vms {
		if vm.Name == name {
			return vm, true
		}
	}
	for _, vm := range vms {
		if vm.ID == name {
			return vm, true
		}
	}
	return backup.VirtualMachine{}, false
}
