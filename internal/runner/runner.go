package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/freemark/internal/backup"
	"github.com/lyndonlyu/freemark/internal/filelock"
	"github.com/lyndonlyu/freemark/internal/plan"
	"github.com/lyndonlyu/freemark/internal/progress"
	"github.com/lyndonlyu/freemark/internal/remote"
	"github.com/lyndonlyu/freemark/internal/statedb"
)

// Runner executes one plan against one device. Zero-value optional fields
// fall back to defaults; Conn, Plan, Backups, DB, LockDir and DeviceName
// are required.
type Runner struct {
	Conn    remote.Connection
	Plan    *plan.Plan
	Backups *backup.Manager
	DB      *statedb.DB

	// LockDir and DeviceName identify the per-device run lock.
	LockDir    string
	DeviceName string

	// Publisher receives progress events when set.
	Publisher *progress.Publisher

	// Checks run during the preflight stage.
	Checks []Check

	DownloadDir   string
	MaxRetries    uint64
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// runContext carries per-run state between stages.
type runContext struct {
	backup *backup.Backup
}

// Run drives the plan to a terminal state. The returned Result is non-nil
// whenever the run started; the error is reserved for failures to start at
// all (lock contention, state database trouble).
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	lock, err := filelock.Acquire(r.LockDir, r.DeviceName)
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			if meta, ok := filelock.Holder(r.LockDir, r.DeviceName); ok {
				return nil, fmt.Errorf("%w (held by pid %d since %s)", ErrConcurrentRun, meta.PID, meta.Timestamp)
			}
			return nil, ErrConcurrentRun
		}
		return nil, err
	}
	defer lock.Release()

	runID := uuid.NewString()
	logger := log.WithField("component", "runner").WithField("run", runID)

	if err := r.DB.InsertRun(statedb.RunRecord{
		ID:         runID,
		Intent:     string(r.Plan.Intent),
		Status:     "RUNNING",
		StageCount: len(r.Plan.Stages),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, Intent: r.Plan.Intent}
	rc := &runContext{}
	total := len(r.Plan.Stages)

	logger.WithField("intent", r.Plan.Intent).Infof("starting run with %d stages", total)

	for i := range r.Plan.Stages {
		st := &r.Plan.Stages[i]

		// Cancellation is honored at stage boundaries only. A stage that
		// already started runs to completion before the run winds down.
		if err := ctx.Err(); err != nil {
			r.emit(st, total, progress.StatusFailed, "run canceled")
			return r.fail(ctx, logger, res, rc, st, err), nil
		}

		r.emit(st, total, progress.StatusRunning, "")

		if r.satisfied(ctx, st) {
			logger.WithField("stage", st.Name).Debug("already satisfied")
			r.emit(st, total, progress.StatusSatisfied, "")
			r.checkpoint(logger, runID, st, rc)
			continue
		}

		err := withRetry(ctx, r.maxRetries(), r.retryInterval(), func() error {
			return r.execute(ctx, st, rc)
		}, func(err error) {
			logger.WithField("stage", st.Name).WithError(err).Warn("transient failure, retrying")
			r.emit(st, total, progress.StatusRetrying, err.Error())
		})
		if err != nil {
			r.emit(st, total, progress.StatusFailed, err.Error())
			return r.fail(ctx, logger, res, rc, st, err), nil
		}

		r.checkpoint(logger, runID, st, rc)
		r.emit(st, total, progress.StatusCompleted, "")
	}

	res.State = Completed
	r.updateStatus(logger, runID, "COMPLETED")
	logger.Info("run completed")
	return res, nil
}

// fail drives a stage failure to its terminal state. Without a pre-run
// backup the device was never mutated, so the run just aborts; with one,
// the rollback controller restores it.
func (r *Runner) fail(ctx context.Context, logger *log.Entry, res *Result, rc *runContext, st *plan.Stage, cause error) *Result {
	res.StageErr = &StageError{Stage: st.Name, Ordinal: st.Ordinal, Err: cause}
	logger.WithField("stage", st.Name).WithError(cause).Error("stage failed")

	if rc.backup == nil {
		res.State = Aborted
		r.updateStatus(logger, res.RunID, "ABORTED")
		return res
	}

	res.BackupID = rc.backup.ID
	if rerr := newRollbackController(r.Backups).Rollback(ctx, r.Conn, rc.backup); rerr != nil {
		res.State = FailedNoRollback
		res.RestoreErr = rerr
		r.updateStatus(logger, res.RunID, "FAILED_NO_ROLLBACK")
		return res
	}

	res.State = RolledBack
	r.updateStatus(logger, res.RunID, "ROLLED_BACK")
	return res
}

// checkpoint marks a completed stage boundary, referencing the backup that
// was current when the stage finished.
func (r *Runner) checkpoint(logger *log.Entry, runID string, st *plan.Stage, rc *runContext) {
	backupID := ""
	if rc.backup != nil {
		backupID = rc.backup.ID
	}
	err := r.DB.InsertCheckpoint(statedb.CheckpointRecord{
		ID:           uuid.NewString(),
		RunID:        runID,
		BackupID:     backupID,
		StageOrdinal: st.Ordinal,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.WithField("stage", st.Name).WithError(err).Warn("could not record checkpoint")
	}
}

func (r *Runner) emit(st *plan.Stage, total int, status progress.Status, message string) {
	if r.Publisher == nil {
		return
	}
	r.Publisher.Publish(progress.Event{
		Stage:   st.Name,
		Ordinal: st.Ordinal,
		Total:   total,
		Status:  status,
		Message: message,
	})
}

func (r *Runner) updateStatus(logger *log.Entry, runID, status string) {
	if err := r.DB.UpdateRunStatus(runID, status); err != nil {
		logger.WithError(err).Warn("could not update run status")
	}
}

func (r *Runner) maxRetries() uint64 {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return defaultMaxRetries
}

func (r *Runner) retryInterval() time.Duration {
	if r.RetryInterval > 0 {
		return r.RetryInterval
	}
	return defaultRetryInterval
}
