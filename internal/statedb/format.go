package statedb

import (
	"fmt"
	"strings"
)

// FormatRunList returns a formatted table of run records with columns
// ID, INTENT, STATUS, STAGES, STARTED, and ENDED. Returns "No run
// records.\n" if the slice is empty.
func FormatRunList(runs []RunRecord) string {
	if len(runs) == 0 {
		return "No run records.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-20s %-7s %-25s %-25s\n", "ID", "INTENT", "STATUS", "STAGES", "STARTED", "ENDED")
	for _, r := range runs {
		fmt.Fprintf(&b, "%-38s %-20s %-20s %-7d %-25s %-25s\n", r.ID, r.Intent, r.Status, r.StageCount, r.StartedAt, r.EndedAt)
	}
	return b.String()
}

// FormatBackupList returns a formatted table of backup records with columns
// ID, CREATED, FILES, and REMOTE_DIR. Returns "No backups.\n" if the slice
// is empty.
func FormatBackupList(backups []BackupRecord) string {
	if len(backups) == 0 {
		return "No backups.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-25s %-6s %s\n", "ID", "CREATED", "FILES", "REMOTE_DIR")
	for _, r := range backups {
		fmt.Fprintf(&b, "%-38s %-25s %-6d %s\n", r.ID, r.CreatedAt, len(r.Manifest), r.RemoteDir)
	}
	return b.String()
}
