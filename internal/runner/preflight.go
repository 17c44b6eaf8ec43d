package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyndonlyu/freemark/internal/device"
	"github.com/lyndonlyu/freemark/internal/remote"
)

// Check is one preflight validation. Checks run before any mutation; a
// failing check aborts the run while the device is still untouched.
type Check interface {
	Name() string
	Run(ctx context.Context, conn remote.Connection) CheckResult
}

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// runChecks executes all checks sequentially and returns the first failure
// as an error, nil when everything passed.
func runChecks(ctx context.Context, conn remote.Connection, checks []Check) error {
	for _, c := range checks {
		res := c.Run(ctx, conn)
		if !res.Passed {
			return fmt.Errorf("preflight %s: %s", res.Name, res.Message)
		}
	}
	return nil
}

// DefaultChecks is the standard preflight set.
func DefaultChecks(address string, allowWiFi bool, downloadDir string, minFreeKB int64) []Check {
	return []Check{
		&TransportCheck{Address: address, AllowWiFi: allowWiFi},
		&ConnectivityCheck{},
		&DiskSpaceCheck{MinFreeKB: minFreeKB},
		&DownloadDirCheck{Dir: downloadDir},
	}
}

// ConnectivityCheck confirms the session answers a trivial command.
type ConnectivityCheck struct{}

func (c *ConnectivityCheck) Name() string { return "connectivity" }

func (c *ConnectivityCheck) Run(ctx context.Context, conn remote.Connection) CheckResult {
	if !conn.Alive() {
		return CheckResult{Name: c.Name(), Message: "connection is closed"}
	}
	res, err := conn.Execute(ctx, "true", 10*time.Second)
	if err != nil {
		return CheckResult{Name: c.Name(), Message: err.Error()}
	}
	if !res.Success() {
		return CheckResult{Name: c.Name(), Message: fmt.Sprintf("probe exited %d", res.ExitCode)}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: "device responds"}
}

// DiskSpaceCheck requires free space on the device home partition.
type DiskSpaceCheck struct {
	MinFreeKB int64
}

func (c *DiskSpaceCheck) Name() string { return "disk-space" }

func (c *DiskSpaceCheck) Run(ctx context.Context, conn remote.Connection) CheckResult {
	free, err := device.FreeSpaceKB(ctx, conn)
	if err != nil {
		return CheckResult{Name: c.Name(), Message: err.Error()}
	}
	if free < c.MinFreeKB {
		return CheckResult{Name: c.Name(), Message: fmt.Sprintf("%d KB free, need %d KB", free, c.MinFreeKB)}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: fmt.Sprintf("%d KB free", free)}
}

// TransportCheck distinguishes the USB ethernet gadget from Wi-Fi. Pushing
// megabytes over a flaky Wi-Fi link mid-install is how devices end up
// half-written, so Wi-Fi needs explicit consent.
type TransportCheck struct {
	Address   string
	AllowWiFi bool
}

func (c *TransportCheck) Name() string { return "transport" }

func (c *TransportCheck) Run(_ context.Context, _ remote.Connection) CheckResult {
	if strings.HasPrefix(c.Address, "10.11.99.") {
		return CheckResult{Name: c.Name(), Passed: true, Message: "USB connection"}
	}
	if c.AllowWiFi {
		return CheckResult{Name: c.Name(), Passed: true, Message: "Wi-Fi connection (consented)"}
	}
	return CheckResult{Name: c.Name(), Message: fmt.Sprintf("%s is not the USB interface; pass --allow-wifi to proceed", c.Address)}
}

// DownloadDirCheck requires a writable local download directory.
type DownloadDirCheck struct {
	Dir string
}

func (c *DownloadDirCheck) Name() string { return "download-dir" }

func (c *DownloadDirCheck) Run(_ context.Context, _ remote.Connection) CheckResult {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return CheckResult{Name: c.Name(), Message: err.Error()}
	}
	probe := filepath.Join(c.Dir, ".writable")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return CheckResult{Name: c.Name(), Message: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: c.Name(), Passed: true, Message: c.Dir}
}
