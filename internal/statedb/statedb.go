// Package statedb persists the installer's run history, checkpoints, and the
// index of committed device backups in a local SQLite database. A backup row
// exists only for fully verified snapshots: the backup manager inserts it as
// the final step of a create, so the rollback path can never select a
// half-written snapshot.
package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("statedb: not found")

type DB struct {
	db   *sql.DB
	path string
}

// RunRecord is one orchestrator run.
type RunRecord struct {
	ID         string `json:"id"`
	Intent     string `json:"intent"`
	Status     string `json:"status"` // RUNNING / COMPLETED / ABORTED / ROLLED_BACK / FAILED_NO_ROLLBACK
	StageCount int    `json:"stage_count"`
	StartedAt  string `json:"started_at"` // RFC3339
	EndedAt    string `json:"ended_at"`   // RFC3339 or empty
}

// CheckpointRecord marks a stage boundary within a run, referencing the
// backup that was current when the stage began.
type CheckpointRecord struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	BackupID     string `json:"backup_id"`
	StageOrdinal int    `json:"stage_ordinal"`
	CreatedAt    string `json:"created_at"` // RFC3339
}

// ManifestEntry is one captured path in a backup manifest: a regular file's
// digest and permission bits, or a symlink's target.
type ManifestEntry struct {
	SHA256 string `json:"sha256,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Link   string `json:"link,omitempty"`
}

// BackupRecord indexes a committed device snapshot. Manifest holds the
// entries verified at create time; Roots are the top-level paths the
// snapshot covers, including ones that were absent when it was taken.
type BackupRecord struct {
	ID        string                   `json:"id"`
	RemoteDir string                   `json:"remote_dir"`
	CreatedAt string                   `json:"created_at"` // RFC3339
	Roots     []string                 `json:"roots"`
	Manifest  map[string]ManifestEntry `json:"manifest"`
}

// Open creates or opens the database at path with WAL mode, a busy timeout
// of 5 seconds, and foreign keys enabled, creating tables as needed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			intent      TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'RUNNING',
			stage_count INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id            TEXT PRIMARY KEY,
			run_id        TEXT NOT NULL REFERENCES runs(id),
			backup_id     TEXT NOT NULL,
			stage_ordinal INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backups (
			id         TEXT PRIMARY KEY,
			remote_dir TEXT NOT NULL,
			created_at TEXT NOT NULL,
			roots      TEXT NOT NULL DEFAULT '[]',
			manifest   TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: create table: %w", err)
		}
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// InsertRun inserts a new run record.
func (d *DB) InsertRun(r RunRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO runs (id, intent, status, stage_count, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Intent, r.Status, r.StageCount, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("statedb: insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID. Returns ErrNotFound if the ID does
// not exist.
func (d *DB) GetRun(id string) (RunRecord, error) {
	var r RunRecord
	err := d.db.QueryRow(
		`SELECT id, intent, status, stage_count, started_at, ended_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Intent, &r.Status, &r.StageCount, &r.StartedAt, &r.EndedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("statedb: get run: %w", err)
	}
	return r, nil
}

// UpdateRunStatus updates a run's status. Terminal statuses also set
// ended_at to the current UTC time.
func (d *DB) UpdateRunStatus(id, status string) error {
	endedAt := ""
	switch status {
	case "COMPLETED", "ABORTED", "ROLLED_BACK", "FAILED_NO_ROLLBACK":
		endedAt = time.Now().UTC().Format(time.RFC3339)
	}

	var result sql.Result
	var err error
	if endedAt != "" {
		result, err = d.db.Exec(`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`, status, endedAt, id)
	} else {
		result, err = d.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("statedb: update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns runs ordered by started_at descending. A zero limit
// returns all records.
func (d *DB) ListRuns(limit int) ([]RunRecord, error) {
	query := `SELECT id, intent, status, stage_count, started_at, ended_at FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Intent, &r.Status, &r.StageCount, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("statedb: scan run: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows runs: %w", err)
	}
	return records, nil
}

// InsertCheckpoint records a stage-boundary checkpoint.
func (d *DB) InsertCheckpoint(c CheckpointRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO checkpoints (id, run_id, backup_id, stage_ordinal, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.BackupID, c.StageOrdinal, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("statedb: insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a run's checkpoints ordered by stage ordinal.
func (d *DB) ListCheckpoints(runID string) ([]CheckpointRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, run_id, backup_id, stage_ordinal, created_at FROM checkpoints WHERE run_id = ? ORDER BY stage_ordinal`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []CheckpointRecord
	for rows.Next() {
		var c CheckpointRecord
		if err := rows.Scan(&c.ID, &c.RunID, &c.BackupID, &c.StageOrdinal, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("statedb: scan checkpoint: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows checkpoints: %w", err)
	}
	return records, nil
}

// InsertBackup commits a verified backup to the index.
func (d *DB) InsertBackup(b BackupRecord) error {
	manifest, err := json.Marshal(b.Manifest)
	if err != nil {
		return fmt.Errorf("statedb: marshal manifest: %w", err)
	}
	roots, err := json.Marshal(b.Roots)
	if err != nil {
		return fmt.Errorf("statedb: marshal roots: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO backups (id, remote_dir, created_at, roots, manifest) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.RemoteDir, b.CreatedAt, string(roots), string(manifest),
	)
	if err != nil {
		return fmt.Errorf("statedb: insert backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup record by ID.
func (d *DB) GetBackup(id string) (BackupRecord, error) {
	var b BackupRecord
	var roots, manifest string
	err := d.db.QueryRow(
		`SELECT id, remote_dir, created_at, roots, manifest FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.RemoteDir, &b.CreatedAt, &roots, &manifest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BackupRecord{}, ErrNotFound
		}
		return BackupRecord{}, fmt.Errorf("statedb: get backup: %w", err)
	}
	if err := decodeBackupJSON(&b, roots, manifest); err != nil {
		return BackupRecord{}, err
	}
	return b, nil
}

// ListBackups returns all backups ordered by created_at descending.
func (d *DB) ListBackups() ([]BackupRecord, error) {
	rows, err := d.db.Query(`SELECT id, remote_dir, created_at, roots, manifest FROM backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list backups: %w", err)
	}
	defer rows.Close()

	var records []BackupRecord
	for rows.Next() {
		var b BackupRecord
		var roots, manifest string
		if err := rows.Scan(&b.ID, &b.RemoteDir, &b.CreatedAt, &roots, &manifest); err != nil {
			return nil, fmt.Errorf("statedb: scan backup: %w", err)
		}
		if err := decodeBackupJSON(&b, roots, manifest); err != nil {
			return nil, err
		}
		records = append(records, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows backups: %w", err)
	}
	return records, nil
}

func decodeBackupJSON(b *BackupRecord, roots, manifest string) error {
	if err := json.Unmarshal([]byte(roots), &b.Roots); err != nil {
		return fmt.Errorf("statedb: unmarshal roots: %w", err)
	}
	if err := json.Unmarshal([]byte(manifest), &b.Manifest); err != nil {
		return fmt.Errorf("statedb: unmarshal manifest: %w", err)
	}
	return nil
}

// DeleteBackup removes a backup from the index.
func (d *DB) DeleteBackup(id string) error {
	result, err := d.db.Exec(`DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("statedb: delete backup: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
