package runner

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/freemark/internal/backup"
	"github.com/lyndonlyu/freemark/internal/remote"
)

// rollbackController restores the pre-run backup after a stage failure. It
// runs detached from the run's cancellation: a canceled run still gets its
// device put back.
type rollbackController struct {
	backups *backup.Manager
	log     *log.Entry
}

func newRollbackController(backups *backup.Manager) *rollbackController {
	return &rollbackController{
		backups: backups,
		log:     log.WithField("component", "rollback"),
	}
}

func (c *rollbackController) Rollback(ctx context.Context, conn remote.Connection, b *backup.Backup) error {
	c.log.WithField("backup", b.ID).Warn("restoring pre-run snapshot")
	if err := c.backups.Restore(context.WithoutCancel(ctx), conn, b); err != nil {
		c.log.WithField("backup", b.ID).WithError(err).Error("restore failed, device needs manual recovery")
		return err
	}
	c.log.WithField("backup", b.ID).Info("device restored")
	return nil
}
