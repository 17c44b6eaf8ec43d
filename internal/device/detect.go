package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/freemark/internal/remote"
)

// UnsupportedArchError is returned when the probe output matches no known
// instruction set. Detection never guesses: shipping a binary for the wrong
// architecture would leave the device with a non-loading overlay.
type UnsupportedArchError struct {
	Raw string
}

func (e *UnsupportedArchError) Error() string {
	return fmt.Sprintf("device: unsupported architecture %q", e.Raw)
}

// archTable maps `uname -m` output to a profile. Exact match only.
var archTable = map[string]struct {
	gen  Generation
	arch Arch
}{
	"armv6l":  {Gen1, ARM32},
	"armv7l":  {Gen2, ARM32},
	"armhf":   {Gen2, ARM32},
	"aarch64": {ProGen, AArch64},
	"arm64":   {ProGen, AArch64},
}

const probeTimeout = 15 * time.Second

// Detect classifies the device by probing its machine architecture. It is
// idempotent and performs no writes on the device.
func Detect(ctx context.Context, conn remote.Connection) (Profile, error) {
	res, err := conn.Execute(ctx, "uname -m", probeTimeout)
	if err != nil {
		return Profile{}, err
	}
	if !res.Success() {
		return Profile{}, fmt.Errorf("device: probe exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	raw := strings.TrimSpace(res.Stdout)
	entry, ok := archTable[strings.ToLower(raw)]
	if !ok {
		return Profile{}, &UnsupportedArchError{Raw: raw}
	}

	profile := Profile{
		Generation: entry.gen,
		Arch:       entry.arch,
		OSVersion:  readOSVersion(ctx, conn),
	}
	log.WithField("component", "device").Infof("detected %s", profile)
	return profile, nil
}

// readOSVersion best-effort reads the OS release version. An unreadable
// version file is not a detection failure.
func readOSVersion(ctx context.Context, conn remote.Connection) string {
	res, err := conn.Execute(ctx, "cat "+VersionPath, probeTimeout)
	if err != nil || !res.Success() {
		return "unknown"
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "REMARKABLE_RELEASE_VERSION="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return "unknown"
}
