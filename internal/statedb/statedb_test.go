package statedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, db.InsertRun(RunRecord{
		ID: "run-1", Intent: "install-full", Status: "RUNNING", StageCount: 9, StartedAt: now,
	}))

	r, err := db.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "install-full", r.Intent)
	assert.Empty(t, r.EndedAt)

	require.NoError(t, db.UpdateRunStatus("run-1", "COMPLETED"))
	r, err = db.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", r.Status)
	assert.NotEmpty(t, r.EndedAt)
}

func TestGetRunNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	db := openTestDB(t)
	assert.ErrorIs(t, db.UpdateRunStatus("missing", "COMPLETED"), ErrNotFound)
}

func TestCheckpointsOrderedByOrdinal(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, db.InsertRun(RunRecord{ID: "run-1", Intent: "install-full", Status: "RUNNING", StartedAt: now}))

	for _, ord := range []int{2, 0, 1} {
		require.NoError(t, db.InsertCheckpoint(CheckpointRecord{
			ID: "cp-" + string(rune('a'+ord)), RunID: "run-1", BackupID: "b-1", StageOrdinal: ord, CreatedAt: now,
		}))
	}

	cps, err := db.ListCheckpoints("run-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, i, cp.StageOrdinal)
	}
}

func TestBackupManifestRoundTrip(t *testing.T) {
	db := openTestDB(t)

	manifest := map[string]ManifestEntry{
		"/home/root/xovi/xovi.so": {SHA256: "abc123", Mode: "755"},
		"/home/root/.config/remarkable/xochitl.conf": {SHA256: "def456", Mode: "644"},
		"/home/root/xovi/current.so":                 {Link: "/home/root/xovi/xovi.so"},
	}
	roots := []string{"/home/root/xovi", "/home/root/shims"}
	require.NoError(t, db.InsertBackup(BackupRecord{
		ID: "b-1", RemoteDir: "/home/root/.freemark/backups/b-1",
		CreatedAt: time.Now().UTC().Format(time.RFC3339), Roots: roots, Manifest: manifest,
	}))

	b, err := db.GetBackup("b-1")
	require.NoError(t, err)
	assert.Equal(t, manifest, b.Manifest)
	assert.Equal(t, roots, b.Roots)
}

func TestListBackupsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	newer := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, db.InsertBackup(BackupRecord{ID: "b-old", RemoteDir: "/x", CreatedAt: old, Manifest: map[string]ManifestEntry{}}))
	require.NoError(t, db.InsertBackup(BackupRecord{ID: "b-new", RemoteDir: "/y", CreatedAt: newer, Manifest: map[string]ManifestEntry{}}))

	backups, err := db.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "b-new", backups[0].ID)
}

func TestDeleteBackup(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InsertBackup(BackupRecord{ID: "b-1", RemoteDir: "/x", CreatedAt: "2026-01-01T00:00:00Z", Manifest: map[string]ManifestEntry{}}))
	require.NoError(t, db.DeleteBackup("b-1"))
	assert.ErrorIs(t, db.DeleteBackup("b-1"), ErrNotFound)
}
