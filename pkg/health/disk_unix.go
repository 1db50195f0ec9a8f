//go:build unix

package health

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskCheck reports free space on the volume holding the cache database.
type DiskCheck struct {
	Path string

	// MinFreePercent is the free space (0-100) below which the check fails.
	MinFreePercent float64
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	path := c.Path
	if path == "" {
		path = "/"
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return CheckResult{Status: StatusUnknown, Error: fmt.Sprintf("statfs %s: %v", path, err)}
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize) //nolint:gosec // G115: Bsize is positive
	freeBytes := stat.Bavail * uint64(stat.Bsize)  //nolint:gosec // G115: Bsize is positive
	if totalBytes == 0 {
		return CheckResult{Status: StatusUnknown, Message: "volume reports zero size"}
	}
	freePercent := float64(freeBytes) / float64(totalBytes) * 100

	res := CheckResult{Metadata: map[string]any{
		"path":         path,
		"free_bytes":   freeBytes,
		"free_percent": fmt.Sprintf("%.2f%%", freePercent),
	}}
	if c.MinFreePercent > 0 && freePercent < c.MinFreePercent {
		res.Status = StatusUnhealthy
		res.Error = fmt.Sprintf("free space %.2f%% is below %.2f%%", freePercent, c.MinFreePercent)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("%.2f%% free", freePercent)
	return res
}
