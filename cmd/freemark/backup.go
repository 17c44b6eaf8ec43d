package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/freemark/internal/filelock"
	"github.com/lyndonlyu/freemark/internal/plan"
	"github.com/lyndonlyu/freemark/internal/runner"
	"github.com/lyndonlyu/freemark/internal/statedb"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage device backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		backups, err := db.ListBackups()
		if err != nil {
			return err
		}
		fmt.Print(statedb.FormatBackupList(backups))
		return nil
	},
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the install paths without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		release, err := lockDevice(eng)
		if err != nil {
			return err
		}
		defer release()

		b, err := eng.backups.Create(ctx, eng.conn, plan.BackupRoots)
		if err != nil {
			return err
		}
		fmt.Println(styleSuccess.Render(fmt.Sprintf("Backup %s: %d files", b.ID, len(b.Manifest))))
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [id]",
	Short: "Restore a backup onto the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		release, err := lockDevice(eng)
		if err != nil {
			return err
		}
		defer release()

		b, err := eng.backups.Get(args[0])
		if err != nil {
			return err
		}
		if err := eng.backups.Restore(ctx, eng.conn, b); err != nil {
			return err
		}
		fmt.Println(styleSuccess.Render("Restored " + b.ID))
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove backups beyond the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		release, err := lockDevice(eng)
		if err != nil {
			return err
		}
		defer release()

		n, err := eng.backups.Prune(ctx, eng.conn, eng.retention())
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d backup(s).\n", n)
		return nil
	},
}

// lockDevice takes the per-device run lock, mapping contention to the same
// error a concurrent run would get.
func lockDevice(eng *engine) (func(), error) {
	lock, err := filelock.Acquire(eng.cfg.LockDir(), eng.host)
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			if meta, ok := filelock.Holder(eng.cfg.LockDir(), eng.host); ok {
				return nil, fmt.Errorf("%w (held by pid %d since %s)", runner.ErrConcurrentRun, meta.PID, meta.Timestamp)
			}
			return nil, runner.ErrConcurrentRun
		}
		return nil, err
	}
	return func() { lock.Release() }, nil
}

func init() {
	backupCmd.AddCommand(backupListCmd, backupCreateCmd, backupRestoreCmd, backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}
