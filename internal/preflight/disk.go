package preflight

import (
	"context"
	"fmt"
	"syscall"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
)

// MinDiskSpaceBytes is the minimum required free disk space (100MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// CheckDiskSpace checks for sufficient free space in the data directory.
func (c *Checker) CheckDiskSpace() CheckResult {
	result := CheckResult{
		Name:     "disk_space",
		Required: true,
	}

	available, err := availableBytes(c.dataDir)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		return result
	}

	if available < MinDiskSpaceBytes {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s free (minimum: 100 MB)", formatBytes(available))
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s free (minimum: 100 MB)", formatBytes(available))
	return result
}

// DiskProbe returns a health probe that fails when free space under
// path drops below minBytes. Zero minBytes uses MinDiskSpaceBytes.
func DiskProbe(path string, minBytes uint64) func(context.Context) error {
	if minBytes == 0 {
		minBytes = MinDiskSpaceBytes
	}
	return func(context.Context) error {
		available, err := availableBytes(path)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "disk space check failed", err)
		}
		if available < minBytes {
			return errors.Newf(errors.KindInternal, "low disk space: %s free", formatBytes(available))
		}
		return nil
	}
}

func availableBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
