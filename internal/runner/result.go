// Package runner executes a validated plan against one device: stage by
// stage, checkpointed, with bounded retry on transient connection errors and
// rollback to the pre-run backup on failure. One runner drives one run.
package runner

import (
	"errors"
	"fmt"

	"github.com/lyndonlyu/freemark/internal/plan"
)

// ErrConcurrentRun means another run holds the device lock.
var ErrConcurrentRun = errors.New("runner: another run is in progress for this device")

// State is the terminal outcome of a run.
type State string

const (
	// Completed: every stage succeeded, verification included.
	Completed State = "COMPLETED"
	// Aborted: a stage failed before the pre-run backup existed; the device
	// was never mutated, so there was nothing to roll back.
	Aborted State = "ABORTED"
	// RolledBack: a stage failed and the pre-run backup was restored and
	// verified.
	RolledBack State = "ROLLED_BACK"
	// FailedNoRollback: a stage failed and the restore failed too. The
	// device needs manual recovery.
	FailedNoRollback State = "FAILED_NO_ROLLBACK"
)

// StageError reports which stage failed and why.
type StageError struct {
	Stage   string
	Ordinal int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("runner: stage %s (ordinal %d): %v", e.Stage, e.Ordinal, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is what a run left behind.
type Result struct {
	RunID  string
	Intent plan.Intent
	State  State

	// BackupID names the pre-run backup, when one was taken. On
	// FailedNoRollback it is the snapshot manual recovery should restore.
	BackupID string

	// StageErr is set for every state but Completed.
	StageErr *StageError

	// RestoreErr is set only on FailedNoRollback.
	RestoreErr error
}

// Err folds the result into a single error, nil on success.
func (r *Result) Err() error {
	switch {
	case r.State == Completed:
		return nil
	case r.RestoreErr != nil:
		return fmt.Errorf("%w (rollback also failed: %v)", r.StageErr, r.RestoreErr)
	default:
		return r.StageErr
	}
}
