package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"libvirt.org/go/libvirtxml"
)

// LoadDomainDefinitions parses every libvirt domain XML file in dir. A
// domain's bundle is the single directory holding all of its file-backed
// disks; domains without file disks, or with disks spread over several
// directories, are returned unresolved. Files that fail to parse are logged
// and skipped. A missing dir yields no definitions.
func LoadDomainDefinitions(dir string, logger zerolog.Logger) ([]backup.VirtualMachine, error) {
	if dir == "" {
		return nil, nil
	}
	logger = logger.With().Str("component", "libvirt_definitions").Logger()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read domain definitions: %w", err)
	}

	var vms []backup.VirtualMachine
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read domain definition")
			continue
		}

		var domain libvirtxml.Domain
		if err := domain.Unmarshal(string(data)); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("failed to parse domain definition")
			continue
		}
		if domain.Name == "" {
			logger.Warn().Str("file", path).Msg("domain definition has no name")
			continue
		}

		vms = append(vms, domainToVM(&domain))
	}

	sortByName(vms)
	logger.Debug().Int("count", len(vms)).Str("dir", dir).Msg("loaded domain definitions")
	return vms, nil
}

func domainToVM(domain *libvirtxml.Domain) backup.VirtualMachine {
	vm := backup.VirtualMachine{
		ID:   domain.UUID,
		Name: domain.Name,
	}
	if vm.ID == "" {
		vm.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("libvirt:"+domain.Name)).String()
	}

	files := diskFiles(domain)
	bundle := commonDir(files)
	if bundle == "" {
		return vm
	}
	if resolved, err := backup.Canonicalize(bundle); err == nil {
		if info, err := os.Stat(resolved); err == nil && info.IsDir() {
			vm.BundlePath = resolved
			vm.PathIsResolved = true
		}
	}
	if !vm.PathIsResolved {
		vm.BundlePath = bundle
	}
	for _, f := range files {
		if rel, err := filepath.Rel(bundle, f); err == nil {
			vm.DiskImages = append(vm.DiskImages, rel)
		}
	}
	return vm
}

// diskFiles returns the paths of file-backed disks, skipping cdroms.
func diskFiles(domain *libvirtxml.Domain) []string {
	if domain.Devices == nil {
		return nil
	}
	var files []string
	for _, disk := range domain.Devices.Disks {
		if disk.Device != "" && disk.Device != "disk" {
			continue
		}
		if disk.Source == nil || disk.Source.File == nil || disk.Source.File.File == "" {
			continue
		}
		files = append(files, filepath.Clean(disk.Source.File.File))
	}
	return files
}

// commonDir returns the directory shared by every path, or "" when there are
// none or they differ.
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	dir := filepath.Dir(paths[0])
	for _, p := range paths[1:] {
		if filepath.Dir(p) != dir {
			return ""
		}
	}
	return dir
}
