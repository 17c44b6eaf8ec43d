// Package backup creates, restores, lists, and prunes verified device-state
// snapshots. A snapshot lives on the device under the backup root; the local
// state database is the commit point: a backup becomes selectable for
// rollback only once every entry has been copied, hashed, and verified, and
// the record inserted. Create either commits a fully verified backup or
// leaves nothing behind.
package backup

import (
	"fmt"
	"time"
)

// Entry is one path captured by a snapshot: a regular file's digest and
// permission bits, or a symlink's target. Link and SHA256 are mutually
// exclusive.
type Entry struct {
	SHA256 string `json:"sha256,omitempty"`
	Mode   string `json:"mode,omitempty"` // octal, as printed by stat -c %a
	Link   string `json:"link,omitempty"` // symlink target
}

// Backup is a committed, verified device-state snapshot.
type Backup struct {
	ID        string
	CreatedAt time.Time
	RemoteDir string
	// Roots are the top-level paths the snapshot covers. A root that was
	// absent at snapshot time is still listed so restore can remove
	// anything created under it afterwards.
	Roots    []string
	Manifest map[string]Entry // path -> captured entry
}

// RetentionPolicy bounds how many snapshots are kept. Zero values disable
// the respective bound; the newest backup is never pruned.
type RetentionPolicy struct {
	KeepCount int
	MaxAge    time.Duration
}

// CreateError aborts a snapshot. No backup record exists after it.
type CreateError struct {
	Path string
	Err  error
}

func (e *CreateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("backup: create failed at %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("backup: create failed: %v", e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// RestoreError reports a restore that could not be verified. The backup
// record is retained so the restore can be retried.
type RestoreError struct {
	Path string
	Err  error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("backup: restore failed at %s: %v", e.Path, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
