package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/freemark/internal/remote"
	"github.com/lyndonlyu/freemark/internal/statedb"
)

const cmdTimeout = 60 * time.Second

// Manager owns the snapshot lifecycle for one device.
type Manager struct {
	db   *statedb.DB
	root string // remote backup root directory
	log  *log.Entry
}

// NewManager returns a manager storing snapshots under root on the device
// and indexing them in db.
func NewManager(db *statedb.DB, root string) *Manager {
	return &Manager{
		db:   db,
		root: strings.TrimRight(root, "/"),
		log:  log.WithField("component", "backup"),
	}
}

// Create snapshots the given paths. Each existing file below a root is
// pulled, hashed, copied into the snapshot directory, and the copy verified
// against the hash; its permission bits are recorded so restore can put them
// back. Symlinks are recorded by target. Only after every entry verifies is
// the backup recorded; any failure removes the partial snapshot directory
// and returns a *CreateError.
func (m *Manager) Create(ctx context.Context, conn remote.Connection, roots []string) (*Backup, error) {
	id := uuid.NewString()
	dir := m.root + "/" + id

	b := &Backup{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		RemoteDir: dir,
		Roots:     append([]string(nil), roots...),
		Manifest:  make(map[string]Entry),
	}

	files, links, err := m.expandRoots(ctx, conn, roots)
	if err != nil {
		return nil, err
	}

	for _, path := range files {
		if err := m.snapshotFile(ctx, conn, b, path); err != nil {
			m.discard(ctx, conn, dir)
			return nil, err
		}
	}
	for _, path := range links {
		if err := m.snapshotLink(ctx, conn, b, path); err != nil {
			m.discard(ctx, conn, dir)
			return nil, err
		}
	}

	if err := m.writeManifest(ctx, conn, b); err != nil {
		m.discard(ctx, conn, dir)
		return nil, err
	}

	if err := m.db.InsertBackup(statedb.BackupRecord{
		ID:        b.ID,
		RemoteDir: b.RemoteDir,
		CreatedAt: b.CreatedAt.Format(time.RFC3339),
		Roots:     b.Roots,
		Manifest:  manifestRecords(b.Manifest),
	}); err != nil {
		m.discard(ctx, conn, dir)
		return nil, &CreateError{Err: err}
	}

	m.log.WithField("backup", id).Infof("committed snapshot of %d entries", len(b.Manifest))
	return b, nil
}

// expandRoots lists every regular file and symlink under the requested
// roots. A root that does not exist is recorded as absent; a root that
// exists but cannot be listed aborts the snapshot.
func (m *Manager) expandRoots(ctx context.Context, conn remote.Connection, roots []string) (files, links []string, err error) {
	for _, root := range roots {
		res, err := conn.Execute(ctx, "test -e "+root, cmdTimeout)
		if err != nil {
			return nil, nil, &CreateError{Path: root, Err: err}
		}
		if !res.Success() {
			continue // absent root: nothing to capture, restore will remove it
		}

		rootFiles, err := m.listType(ctx, conn, root, "f")
		if err != nil {
			return nil, nil, err
		}
		files = append(files, rootFiles...)

		rootLinks, err := m.listType(ctx, conn, root, "l")
		if err != nil {
			return nil, nil, err
		}
		links = append(links, rootLinks...)
	}
	sort.Strings(files)
	sort.Strings(links)
	return files, links, nil
}

func (m *Manager) listType(ctx context.Context, conn remote.Connection, root, typ string) ([]string, error) {
	res, err := conn.Execute(ctx, "find "+root+" -type "+typ, cmdTimeout)
	if err != nil {
		return nil, &CreateError{Path: root, Err: err}
	}
	if !res.Success() {
		return nil, &CreateError{Path: root, Err: fmt.Errorf("unreadable: %s", strings.TrimSpace(res.Stderr))}
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (m *Manager) snapshotFile(ctx context.Context, conn remote.Connection, b *Backup, path string) error {
	data, err := conn.PullFile(ctx, path)
	if err != nil {
		return &CreateError{Path: path, Err: err}
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	copyPath := b.RemoteDir + "/data" + path
	if err := conn.PushFile(ctx, data, copyPath); err != nil {
		return &CreateError{Path: path, Err: err}
	}
	if err := m.verifyRemote(ctx, conn, copyPath, digest); err != nil {
		return &CreateError{Path: path, Err: err}
	}

	mode, err := m.fileMode(ctx, conn, path)
	if err != nil {
		return err
	}

	b.Manifest[path] = Entry{SHA256: digest, Mode: mode}
	return nil
}

// fileMode reads a file's permission bits. Copying through pull/push loses
// them, so they ride in the manifest instead.
func (m *Manager) fileMode(ctx context.Context, conn remote.Connection, path string) (string, error) {
	res, err := conn.Execute(ctx, "stat -c %a "+path, cmdTimeout)
	if err != nil {
		return "", &CreateError{Path: path, Err: err}
	}
	if !res.Success() {
		return "", &CreateError{Path: path, Err: fmt.Errorf("stat exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
	mode := strings.TrimSpace(res.Stdout)
	if mode == "" {
		return "", &CreateError{Path: path, Err: fmt.Errorf("stat returned no mode")}
	}
	return mode, nil
}

func (m *Manager) snapshotLink(ctx context.Context, conn remote.Connection, b *Backup, path string) error {
	res, err := conn.Execute(ctx, "readlink "+path, cmdTimeout)
	if err != nil {
		return &CreateError{Path: path, Err: err}
	}
	target := strings.TrimSpace(res.Stdout)
	if !res.Success() || target == "" {
		return &CreateError{Path: path, Err: fmt.Errorf("readlink exited %d", res.ExitCode)}
	}
	b.Manifest[path] = Entry{Link: target}
	return nil
}

func (m *Manager) writeManifest(ctx context.Context, conn remote.Connection, b *Backup) error {
	doc := struct {
		ID        string           `json:"id"`
		CreatedAt string           `json:"created_at"`
		Roots     []string         `json:"roots"`
		Manifest  map[string]Entry `json:"manifest"`
	}{b.ID, b.CreatedAt.Format(time.RFC3339), b.Roots, b.Manifest}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &CreateError{Err: err}
	}
	if err := conn.PushFile(ctx, data, b.RemoteDir+"/manifest.json"); err != nil {
		return &CreateError{Path: b.RemoteDir + "/manifest.json", Err: err}
	}
	return nil
}

// discard best-effort removes a partial snapshot directory.
func (m *Manager) discard(ctx context.Context, conn remote.Connection, dir string) {
	if _, err := conn.Execute(ctx, "rm -rf "+dir, cmdTimeout); err != nil {
		m.log.Warnf("could not remove partial snapshot %s: %v", dir, err)
	}
}

// Restore writes the snapshot back onto the device. Every covered root is
// removed first so files created after the snapshot do not survive, then
// each manifest entry is written, verified, and its permission bits or
// symlink target reinstated. The backup record is kept on failure so the
// restore can be retried.
func (m *Manager) Restore(ctx context.Context, conn remote.Connection, b *Backup) error {
	for _, root := range b.Roots {
		res, err := conn.Execute(ctx, "rm -rf "+root, cmdTimeout)
		if err != nil {
			return &RestoreError{Path: root, Err: err}
		}
		if !res.Success() {
			return &RestoreError{Path: root, Err: fmt.Errorf("rm exited %d", res.ExitCode)}
		}
	}

	paths := make([]string, 0, len(b.Manifest))
	for path := range b.Manifest {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry := b.Manifest[path]
		if entry.Link != "" {
			if err := m.restoreLink(ctx, conn, path, entry.Link); err != nil {
				return err
			}
			continue
		}
		if err := m.restoreFile(ctx, conn, b, path, entry); err != nil {
			return err
		}
	}

	m.log.WithField("backup", b.ID).Infof("restored %d entries", len(b.Manifest))
	return nil
}

func (m *Manager) restoreFile(ctx context.Context, conn remote.Connection, b *Backup, path string, entry Entry) error {
	data, err := conn.PullFile(ctx, b.RemoteDir+"/data"+path)
	if err != nil {
		return &RestoreError{Path: path, Err: err}
	}
	if err := conn.PushFile(ctx, data, path); err != nil {
		return &RestoreError{Path: path, Err: err}
	}
	if err := m.verifyRemote(ctx, conn, path, entry.SHA256); err != nil {
		return &RestoreError{Path: path, Err: err}
	}
	if entry.Mode == "" {
		return nil
	}
	res, err := conn.Execute(ctx, fmt.Sprintf("chmod %s %s", entry.Mode, path), cmdTimeout)
	if err != nil {
		return &RestoreError{Path: path, Err: err}
	}
	if !res.Success() {
		return &RestoreError{Path: path, Err: fmt.Errorf("chmod exited %d", res.ExitCode)}
	}
	return nil
}

func (m *Manager) restoreLink(ctx context.Context, conn remote.Connection, linkPath, target string) error {
	if res, err := conn.Execute(ctx, "mkdir -p "+path.Dir(linkPath), cmdTimeout); err != nil {
		return &RestoreError{Path: linkPath, Err: err}
	} else if !res.Success() {
		return &RestoreError{Path: linkPath, Err: fmt.Errorf("mkdir exited %d", res.ExitCode)}
	}

	res, err := conn.Execute(ctx, fmt.Sprintf("ln -sfn %s %s", target, linkPath), cmdTimeout)
	if err != nil {
		return &RestoreError{Path: linkPath, Err: err}
	}
	if !res.Success() {
		return &RestoreError{Path: linkPath, Err: fmt.Errorf("ln exited %d", res.ExitCode)}
	}

	// Read the link back so a failed recreation cannot pass silently.
	res, err = conn.Execute(ctx, "readlink "+linkPath, cmdTimeout)
	if err != nil {
		return &RestoreError{Path: linkPath, Err: err}
	}
	if got := strings.TrimSpace(res.Stdout); !res.Success() || got != target {
		return &RestoreError{Path: linkPath, Err: fmt.Errorf("link points at %q, want %q", got, target)}
	}
	return nil
}

// verifyRemote compares a remote file's digest to want.
func (m *Manager) verifyRemote(ctx context.Context, conn remote.Connection, path, want string) error {
	res, err := conn.Execute(ctx, fmt.Sprintf("sha256sum %q", path), cmdTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("sha256sum %s: exit %d", path, res.ExitCode)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 || fields[0] != want {
		got := "<none>"
		if len(fields) > 0 {
			got = fields[0]
		}
		return fmt.Errorf("hash mismatch for %s: want %s, got %s", path, want, got)
	}
	return nil
}

// Get loads a committed backup by ID.
func (m *Manager) Get(id string) (*Backup, error) {
	rec, err := m.db.GetBackup(id)
	if err != nil {
		return nil, err
	}
	return recordToBackup(rec)
}

// List returns committed backups, newest first.
func (m *Manager) List() ([]*Backup, error) {
	recs, err := m.db.ListBackups()
	if err != nil {
		return nil, err
	}
	backups := make([]*Backup, 0, len(recs))
	for _, rec := range recs {
		b, err := recordToBackup(rec)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, nil
}

// Prune removes backups beyond the retention policy, never touching the
// newest one. It returns the number of backups removed.
func (m *Manager) Prune(ctx context.Context, conn remote.Connection, policy RetentionPolicy) (int, error) {
	backups, err := m.List()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	pruned := 0
	for i, b := range backups {
		if i == 0 {
			continue // newest is always kept
		}
		tooMany := policy.KeepCount > 0 && i >= policy.KeepCount
		tooOld := policy.MaxAge > 0 && now.Sub(b.CreatedAt) > policy.MaxAge
		if !tooMany && !tooOld {
			continue
		}

		if _, err := conn.Execute(ctx, "rm -rf "+b.RemoteDir, cmdTimeout); err != nil {
			return pruned, err
		}
		if err := m.db.DeleteBackup(b.ID); err != nil {
			return pruned, err
		}
		m.log.WithField("backup", b.ID).Info("pruned")
		pruned++
	}
	return pruned, nil
}

func recordToBackup(rec statedb.BackupRecord) (*Backup, error) {
	created, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("backup: bad created_at %q: %w", rec.CreatedAt, err)
	}
	return &Backup{
		ID:        rec.ID,
		CreatedAt: created,
		RemoteDir: rec.RemoteDir,
		Roots:     rec.Roots,
		Manifest:  manifestFromRecords(rec.Manifest),
	}, nil
}

func manifestRecords(m map[string]Entry) map[string]statedb.ManifestEntry {
	out := make(map[string]statedb.ManifestEntry, len(m))
	for p, e := range m {
		out[p] = statedb.ManifestEntry{SHA256: e.SHA256, Mode: e.Mode, Link: e.Link}
	}
	return out
}

func manifestFromRecords(m map[string]statedb.ManifestEntry) map[string]Entry {
	out := make(map[string]Entry, len(m))
	for p, e := range m {
		out[p] = Entry{SHA256: e.SHA256, Mode: e.Mode, Link: e.Link}
	}
	return out
}
