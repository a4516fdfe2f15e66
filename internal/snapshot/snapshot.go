// Package snapshot manages internal disk image snapshots through qemu-img.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/process"
	"github.com/rs/zerolog"
)

// ErrImagingFailed is returned when the imaging tool exits nonzero or cannot run.
var ErrImagingFailed = errors.New("imaging tool failed")

// ErrInvalidName is returned for empty or whitespace-containing snapshot names.
var ErrInvalidName = errors.New("invalid snapshot name")

// ErrNoDiskImages is returned when a VM has no disk images to snapshot.
var ErrNoDiskImages = errors.New("no disk images")

// Snapshot is one entry of an image's snapshot table.
type Snapshot struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	VMSize  string `json:"vm_size"`
	Date    string `json:"date"`
	VMClock string `json:"vm_clock"`
}

// Manager runs qemu-img snapshot commands.
type Manager struct {
	runner *process.Runner
	binary string
	logger zerolog.Logger
}

// NewManager creates a new Manager. binary defaults to qemu-img.
func NewManager(runner *process.Runner, binary string, logger zerolog.Logger) *Manager {
	if binary == "" {
		binary = "qemu-img"
	}
	return &Manager{
		runner: runner,
		binary: binary,
		logger: logger.With().Str("component", "snapshot_manager").Logger(),
	}
}

// Create takes an internal snapshot named name of image.
func (m *Manager) Create(ctx context.Context, image, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := m.run(ctx, "snapshot", "-c", name, image); err != nil {
		return err
	}
	m.logger.Info().Str("image", image).Str("snapshot", name).Msg("snapshot created")
	return nil
}

// Delete removes the snapshot named name from image.
func (m *Manager) Delete(ctx context.Context, image, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := m.run(ctx, "snapshot", "-d", name, image); err != nil {
		return err
	}
	m.logger.Info().Str("image", image).Str("snapshot", name).Msg("snapshot deleted")
	return nil
}

// List returns the snapshots stored in image.
func (m *Manager) List(ctx context.Context, image string) ([]Snapshot, error) {
	out, err := m.run(ctx, "snapshot", "-l", image)
	if err != nil {
		return nil, err
	}
	return ParseList(out), nil
}

// CreateForVM snapshots every disk image of vm. Images already snapshotted
// are left in place when a later image fails.
func (m *Manager) CreateForVM(ctx context.Context, vm backup.VirtualMachine, name string) error {
	images, err := imagePaths(vm)
	if err != nil {
		return err
	}
	for _, image := range images {
		if err := m.Create(ctx, image, name); err != nil {
			return fmt.Errorf("%s: %w", vm.Name, err)
		}
	}
	return nil
}

// DeleteForVM removes the named snapshot from every disk image of vm.
func (m *Manager) DeleteForVM(ctx context.Context, vm backup.VirtualMachine, name string) error {
	images, err := imagePaths(vm)
	if err != nil {
		return err
	}
	for _, image := range images {
		if err := m.Delete(ctx, image, name); err != nil {
			return fmt.Errorf("%s: %w", vm.Name, err)
		}
	}
	return nil
}

// ListForVM returns the snapshots of each disk image of vm, keyed by the
// image's bundle-relative path.
func (m *Manager) ListForVM(ctx context.Context, vm backup.VirtualMachine) (map[string][]Snapshot, error) {
	images, err := imagePaths(vm)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Snapshot, len(images))
	for i, image := range images {
		snaps, err := m.List(ctx, image)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", vm.Name, err)
		}
		out[vm.DiskImages[i]] = snaps
	}
	return out, nil
}

func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	res, err := m.runner.Run(ctx, m.binary, args, nil)
	if err != nil {
		if errors.Is(err, process.ErrCancelled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrImagingFailed, err)
	}
	if res.ExitCode != 0 {
		m.logger.Error().
			Int("exit_code", res.ExitCode).
			Strs("args", args).
			Str("stderr", strings.TrimSpace(string(res.Stderr))).
			Msg("imaging tool failed")
		return "", fmt.Errorf("%w: %s exited with code %d: %s", ErrImagingFailed, filepath.Base(m.binary), res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return string(res.Stdout), nil
}

// ValidateName rejects names qemu-img would misparse.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
	}
	return nil
}

var dateField = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseList parses the table printed by "qemu-img snapshot -l". Rows that
// do not look like snapshot entries are ignored.
func ParseList(out string) []Snapshot {
	var snaps []Snapshot
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] == "ID" {
			continue
		}
		di := -1
		for i := 2; i < len(fields); i++ {
			if dateField.MatchString(fields[i]) {
				di = i
				break
			}
		}
		if di < 0 || di+2 >= len(fields) {
			continue
		}
		snaps = append(snaps, Snapshot{
			ID:      fields[0],
			Tag:     fields[1],
			VMSize:  strings.Join(fields[2:di], " "),
			Date:    fields[di] + " " + fields[di+1],
			VMClock: fields[di+2],
		})
	}
	return snaps
}

func imagePaths(vm backup.VirtualMachine) ([]string, error) {
	if !vm.HasBundle() {
		return nil, fmt.Errorf("%w: %s has no resolved bundle directory", backup.ErrUnavailableBundle, vm.Name)
	}
	if len(vm.DiskImages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDiskImages, vm.Name)
	}
	paths := make([]string, len(vm.DiskImages))
	for i, rel := range vm.DiskImages {
		paths[i] = filepath.Join(vm.BundlePath, rel)
	}
	return paths, nil
}
