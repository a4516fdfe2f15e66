package backup

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// SpaceChecker reports the free bytes available on the filesystem holding path.
type SpaceChecker interface {
	FreeBytes(path string) (uint64, error)
}

// DiskSpaceChecker reads free space from the operating system.
type DiskSpaceChecker struct{}

// FreeBytes implements SpaceChecker.
func (DiskSpaceChecker) FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}
