package metastore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// checkFreeSpace refuses to open the store when the volume holding path
// has less than minFreeGB of free space. Running badger into a full disk
// risks a corrupt value log, so this fails closed before opening.
func checkFreeSpace(path string, minFreeGB int) error {
	// The directory may not exist yet on first open; stat the nearest
	// existing ancestor.
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	usage, err := disk.Usage(probe)
	if err != nil {
		return fmt.Errorf("metastore: disk usage for %s: %w", probe, err)
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	if freeGB < uint64(minFreeGB) {
		return fmt.Errorf("metastore: %s has %d GB free, need %d GB", probe, freeGB, minFreeGB)
	}
	return nil
}
