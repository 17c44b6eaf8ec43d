package device

import (
	"context"
	"strconv"
	"strings"

	"github.com/lyndonlyu/freemark/internal/remote"
)

// InstallState captures which components are present on the device. The plan
// builder uses it for prerequisite checks and the verification stage uses it
// to confirm the run produced what it promised.
type InstallState struct {
	FrameworkInstalled bool
	LauncherInstalled  bool
	ReaderInstalled    bool
	TripleTapInstalled bool
	OverlayActive      bool
	ExtensionCount     int
}

// ProbeState inspects the device for installed components. Read-only.
func ProbeState(ctx context.Context, conn remote.Connection) (InstallState, error) {
	var st InstallState

	checks := []struct {
		cmd  string
		dest *bool
	}{
		{"test -d " + InstallRoot, &st.FrameworkInstalled},
		{"test -d " + AppLoadDir, &st.LauncherInstalled},
		{"test -d " + ReaderDir, &st.ReaderInstalled},
		{"test -d " + TripleTapDir, &st.TripleTapInstalled},
		{"test -f " + OverridePath, &st.OverlayActive},
	}
	for _, c := range checks {
		res, err := conn.Execute(ctx, c.cmd, probeTimeout)
		if err != nil {
			return InstallState{}, err
		}
		*c.dest = res.Success()
	}

	if st.FrameworkInstalled {
		res, err := conn.Execute(ctx, "find "+ExtensionsDir+" -type f -name '*.so'", probeTimeout)
		if err != nil {
			return InstallState{}, err
		}
		if res.Success() {
			st.ExtensionCount = countLines(res.Stdout)
		}
	}
	return st, nil
}

// FreeSpaceKB reports available space on the device home partition.
func FreeSpaceKB(ctx context.Context, conn remote.Connection) (int64, error) {
	res, err := conn.Execute(ctx, "df -Pk "+HomeDir, probeTimeout)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if !res.Success() || len(lines) < 2 {
		return 0, errUnparseableDF
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, errUnparseableDF
	}
	kb, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, errUnparseableDF
	}
	return kb, nil
}

var errUnparseableDF = &probeError{"unparseable df output"}

type probeError struct{ msg string }

func (e *probeError) Error() string { return "device: " + e.msg }

func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}
