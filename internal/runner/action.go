package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyndonlyu/freemark/internal/assets"
	"github.com/lyndonlyu/freemark/internal/device"
	"github.com/lyndonlyu/freemark/internal/plan"
)

const actionTimeout = 120 * time.Second

// execute interprets one stage action. Errors from here are classified by
// the retry layer; only transient connection errors get another attempt.
func (r *Runner) execute(ctx context.Context, st *plan.Stage, rc *runContext) error {
	a := &st.Action
	switch a.Kind {
	case plan.Preflight:
		return runChecks(ctx, r.Conn, r.Checks)
	case plan.Backup:
		return r.execBackup(ctx, a, rc)
	case plan.Download:
		return r.execDownload(ctx, a.Artifact)
	case plan.Push:
		return r.execPush(ctx, a.Artifact)
	case plan.Command:
		return r.execCommand(ctx, a.Cmd)
	case plan.Service:
		return r.execService(ctx, a)
	case plan.Verify:
		return r.execVerify(ctx, a.Expect)
	default:
		return fmt.Errorf("unknown action kind %s", a.Kind)
	}
}

// satisfied reports whether a stage's effect is already in place, so a
// re-run of a completed plan skips the work. Probes are best-effort: any
// doubt means the stage runs.
func (r *Runner) satisfied(ctx context.Context, st *plan.Stage) bool {
	a := &st.Action
	switch a.Kind {
	case plan.Download:
		data, err := os.ReadFile(filepath.Join(r.DownloadDir, a.Artifact.File))
		return err == nil && hexSHA256(data) == a.Artifact.SHA256
	case plan.Push:
		res, err := r.Conn.Execute(ctx, fmt.Sprintf("sha256sum %q", a.Artifact.RemotePath), actionTimeout)
		if err != nil || !res.Success() {
			return false
		}
		fields := strings.Fields(res.Stdout)
		return len(fields) > 0 && fields[0] == a.Artifact.SHA256
	case plan.Service:
		if a.Override == "" {
			return false
		}
		data, err := r.Conn.PullFile(ctx, device.OverridePath)
		return err == nil && bytes.Equal(data, []byte(a.Override))
	default:
		return false
	}
}

func (r *Runner) execBackup(ctx context.Context, a *plan.Action, rc *runContext) error {
	b, err := r.Backups.Create(ctx, r.Conn, a.Roots)
	if err != nil {
		return err
	}
	rc.backup = b
	return nil
}

func (r *Runner) execDownload(ctx context.Context, art *assets.Spec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, art.URL, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", art.ID, err)
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", art.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", art.ID, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", art.ID, err)
	}
	if got := hexSHA256(data); got != art.SHA256 {
		return fmt.Errorf("download %s: checksum mismatch: want %s, got %s", art.ID, art.SHA256, got)
	}

	if err := os.MkdirAll(r.DownloadDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.DownloadDir, art.File), data, 0644)
}

func (r *Runner) execPush(ctx context.Context, art *assets.Spec) error {
	data, err := os.ReadFile(filepath.Join(r.DownloadDir, art.File))
	if err != nil {
		return fmt.Errorf("push %s: %w", art.ID, err)
	}
	if got := hexSHA256(data); got != art.SHA256 {
		return fmt.Errorf("push %s: local copy corrupted: want %s, got %s", art.ID, art.SHA256, got)
	}
	return r.Conn.PushFile(ctx, data, art.RemotePath)
}

func (r *Runner) execCommand(ctx context.Context, cmd string) error {
	res, err := r.Conn.Execute(ctx, cmd, actionTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("command %q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// execService adjusts a systemd unit. Override content activates the
// overlay drop-in, RemoveOverride deactivates it; Enable turns a unit on at
// boot. A plain action (none of the three) disables and stops the unit.
func (r *Runner) execService(ctx context.Context, a *plan.Action) error {
	switch {
	case a.Override != "":
		if err := r.Conn.PushFile(ctx, []byte(a.Override), device.OverridePath); err != nil {
			return err
		}
	case a.RemoveOverride:
		if err := r.execCommand(ctx, "rm -f "+device.OverridePath); err != nil {
			return err
		}
	}

	if err := r.execCommand(ctx, "systemctl daemon-reload"); err != nil {
		return err
	}

	switch {
	case a.Enable:
		if err := r.execCommand(ctx, "systemctl enable "+a.Unit); err != nil {
			return err
		}
		return r.execCommand(ctx, "systemctl restart "+a.Unit)
	case a.Override != "" || a.RemoveOverride:
		return r.execCommand(ctx, "systemctl restart "+a.Unit)
	default:
		if err := r.execCommand(ctx, "systemctl disable "+a.Unit); err != nil {
			return err
		}
		return r.execCommand(ctx, "systemctl stop "+a.Unit)
	}
}

func (r *Runner) execVerify(ctx context.Context, expect *plan.Expectation) error {
	st, err := device.ProbeState(ctx, r.Conn)
	if err != nil {
		return err
	}
	got := plan.Expectation{
		Framework: st.FrameworkInstalled,
		Launcher:  st.LauncherInstalled,
		Reader:    st.ReaderInstalled,
		TripleTap: st.TripleTapInstalled,
		Overlay:   st.OverlayActive,
	}
	if got != *expect {
		return fmt.Errorf("verification mismatch: want %+v, got %+v", *expect, got)
	}
	return nil
}

func (r *Runner) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
