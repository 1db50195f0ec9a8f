//go:build !unix

package health

import "context"

// DiskCheck is unsupported on this platform and always reports unknown.
type DiskCheck struct {
	Path           string
	MinFreePercent float64
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnknown, Message: "disk statistics unavailable on this platform"}
}
