package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/freemark/internal/assets"
	"github.com/lyndonlyu/freemark/internal/backup"
	"github.com/lyndonlyu/freemark/internal/device"
	"github.com/lyndonlyu/freemark/internal/filelock"
	"github.com/lyndonlyu/freemark/internal/plan"
	"github.com/lyndonlyu/freemark/internal/progress"
	"github.com/lyndonlyu/freemark/internal/remote"
	"github.com/lyndonlyu/freemark/internal/remote/remotetest"
	"github.com/lyndonlyu/freemark/internal/statedb"
)

const overrideContent = "[Service]\nEnvironment=\"LD_PRELOAD=/home/root/xovi/xovi.so\"\n"

type fixture struct {
	dev       *remotetest.FakeDevice
	db        *statedb.DB
	backups   *backup.Manager
	art       assets.Spec
	dlDir     string
	lockDir   string
	collector *progress.Collector
	publisher *progress.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	payload := []byte("framework binary v2")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	db, err := statedb.Open(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		dev:     remotetest.New("armv7l"),
		db:      db,
		backups: backup.NewManager(db, device.BackupRoot),
		art: assets.Spec{
			ID:         "framework-arm32",
			URL:        srv.URL + "/xovi-arm32.so",
			File:       "xovi-arm32.so",
			SHA256:     hexSHA256(payload),
			RemotePath: device.InstallRoot + "/xovi.so",
			Size:       int64(len(payload)),
		},
		dlDir:     t.TempDir(),
		lockDir:   t.TempDir(),
		collector: progress.NewCollector(),
		publisher: progress.NewPublisher(64),
	}
	f.publisher.Subscribe(f.collector.Observe)
	return f
}

// installPlan is a minimal install sequence: snapshot, fetch, push, adjust,
// activate, verify.
func (f *fixture) installPlan() *plan.Plan {
	stages := []plan.Stage{
		{Name: "preflight", Ordinal: 0, Action: plan.Action{Kind: plan.Preflight}},
		{Name: "backup", Ordinal: 1, Action: plan.Action{Kind: plan.Backup, Roots: []string{device.InstallRoot}}, DependsOn: []string{"preflight"}},
		{Name: "download-framework", Ordinal: 2, Action: plan.Action{Kind: plan.Download, Artifact: &f.art}, DependsOn: []string{"preflight"}},
		{Name: "push-framework", Ordinal: 3, Action: plan.Action{Kind: plan.Push, Artifact: &f.art}, DependsOn: []string{"backup", "download-framework"}},
		{Name: "install-framework", Ordinal: 4, Action: plan.Action{Kind: plan.Command, Cmd: "sh -c 'chmod 755 /home/root/xovi/xovi.so'"}, DependsOn: []string{"push-framework"}},
		{Name: "activate-overlay", Ordinal: 5, Action: plan.Action{Kind: plan.Service, Unit: "xochitl", Override: overrideContent}, DependsOn: []string{"install-framework"}},
		{Name: "verify-final", Ordinal: 6, Action: plan.Action{Kind: plan.Verify, Expect: &plan.Expectation{Framework: true, Overlay: true}}, DependsOn: []string{"preflight", "backup", "download-framework", "push-framework", "install-framework", "activate-overlay"}},
	}
	return &plan.Plan{Intent: plan.InstallFull, Stages: stages}
}

func (f *fixture) runner(p *plan.Plan, conn remote.Connection) *Runner {
	return &Runner{
		Conn:          conn,
		Plan:          p,
		Backups:       f.backups,
		DB:            f.db,
		LockDir:       f.lockDir,
		DeviceName:    "10.11.99.1",
		Publisher:     f.publisher,
		Checks:        DefaultChecks("10.11.99.1:22", false, f.dlDir, 1024),
		DownloadDir:   f.dlDir,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	}
}

func statuses(events []progress.Event, stage string) []progress.Status {
	var out []progress.Status
	for _, e := range events {
		if e.Stage == stage {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t)
	p := f.installPlan()

	res, err := f.runner(p, f.dev).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, res.State)
	assert.NoError(t, res.Err())

	// Framework landed and the overlay drop-in is in place.
	assert.Contains(t, f.dev.FS, device.InstallRoot+"/xovi.so")
	assert.Equal(t, overrideContent, string(f.dev.FS[device.OverridePath]))

	run, err := f.db.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", run.Status)
	assert.NotEmpty(t, run.EndedAt)

	cps, err := f.db.ListCheckpoints(res.RunID)
	require.NoError(t, err)
	assert.Len(t, cps, len(p.Stages))
}

func TestStageFailureRollsBackToPreRunState(t *testing.T) {
	f := newFixture(t)
	f.dev.SetFile(device.InstallRoot+"/xovi.so", []byte("old framework"))
	before := f.dev.Manifest(device.InstallRoot)

	p := f.installPlan()
	cmd := p.Stage("install-framework").Action.Cmd
	f.dev.Script(cmd, remote.ExecResult{ExitCode: 1, Stderr: "chmod: read-only file system"})

	res, err := f.runner(p, f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	require.NotNil(t, res.StageErr)
	assert.Equal(t, "install-framework", res.StageErr.Stage)

	assert.Equal(t, before, f.dev.Manifest(device.InstallRoot), "device restored exactly")

	run, err := f.db.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ROLLED_BACK", run.Status)
}

type failingCheck struct{}

func (failingCheck) Name() string { return "doomed" }
func (failingCheck) Run(context.Context, remote.Connection) CheckResult {
	return CheckResult{Name: "doomed", Message: "nope"}
}

func TestPreflightFailureAbortsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	r := f.runner(f.installPlan(), f.dev)
	r.Checks = []Check{failingCheck{}}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Aborted, res.State)
	assert.Empty(t, res.BackupID)
	assert.Empty(t, f.dev.Pushed, "nothing written to the device")

	run, err := f.db.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", run.Status)
}

func TestTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	// Scoped to the artifact so the snapshot's manifest write stays healthy.
	f.dev.FailNextOn("push", f.art.RemotePath, remote.Interrupted, 1)

	res, err := f.runner(f.installPlan(), f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)

	f.publisher.Close()
	assert.Contains(t, statuses(f.collector.Events(), "push-framework"), progress.StatusRetrying)
}

func TestRetryCapExhaustedRollsBack(t *testing.T) {
	f := newFixture(t)
	f.dev.FailNextOn("push", f.art.RemotePath, remote.Interrupted, 10)

	res, err := f.runner(f.installPlan(), f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	assert.Equal(t, "push-framework", res.StageErr.Stage)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	// A single auth failure: one retry would succeed, so a completed run
	// would prove the error was retried.
	f.dev.FailNextOn("push", f.art.RemotePath, remote.AuthFailed, 1)

	res, err := f.runner(f.installPlan(), f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
}

func TestVerificationMismatchRollsBack(t *testing.T) {
	f := newFixture(t)
	p := &plan.Plan{Intent: plan.InstallFull, Stages: []plan.Stage{
		{Name: "preflight", Ordinal: 0, Action: plan.Action{Kind: plan.Preflight}},
		{Name: "backup", Ordinal: 1, Action: plan.Action{Kind: plan.Backup, Roots: []string{device.InstallRoot}}},
		{Name: "verify-final", Ordinal: 2, Action: plan.Action{Kind: plan.Verify, Expect: &plan.Expectation{Framework: true}}},
	}}

	res, err := f.runner(p, f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	assert.Equal(t, "verify-final", res.StageErr.Stage)
	assert.ErrorContains(t, res.StageErr, "verification mismatch")
}

// cancelingConn cancels the run context right after a chosen command
// executes, so cancellation lands exactly on a stage boundary.
type cancelingConn struct {
	*remotetest.FakeDevice
	after  string
	cancel context.CancelFunc
}

func (c *cancelingConn) Execute(ctx context.Context, command string, timeout time.Duration) (remote.ExecResult, error) {
	res, err := c.FakeDevice.Execute(ctx, command, timeout)
	if command == c.after {
		c.cancel()
	}
	return res, err
}

func TestCancellationHonoredAtStageBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &plan.Plan{Intent: plan.InstallFull, Stages: []plan.Stage{
		{Name: "preflight", Ordinal: 0, Action: plan.Action{Kind: plan.Preflight}},
		{Name: "backup", Ordinal: 1, Action: plan.Action{Kind: plan.Backup, Roots: []string{device.InstallRoot}}},
		{Name: "settle", Ordinal: 2, Action: plan.Action{Kind: plan.Command, Cmd: "sync"}},
		{Name: "late", Ordinal: 3, Action: plan.Action{Kind: plan.Command, Cmd: "sh -c 'echo late'"}},
		{Name: "verify-final", Ordinal: 4, Action: plan.Action{Kind: plan.Verify, Expect: &plan.Expectation{}}},
	}}

	conn := &cancelingConn{FakeDevice: f.dev, after: "sync", cancel: cancel}
	res, err := f.runner(p, conn).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, RolledBack, res.State)
	assert.ErrorIs(t, res.StageErr.Err, context.Canceled)
	assert.NotContains(t, f.dev.Executed, "sh -c 'echo late'", "no stage starts after cancellation")
}

func TestRerunReportsAlreadySatisfied(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner(f.installPlan(), f.dev).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, res.State)

	res, err = f.runner(f.installPlan(), f.dev).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)

	f.publisher.Close()
	events := f.collector.Events()
	for _, stage := range []string{"download-framework", "push-framework", "activate-overlay"} {
		assert.Contains(t, statuses(events, stage), progress.StatusSatisfied, "stage %s", stage)
	}
}

func TestConcurrentRunRefused(t *testing.T) {
	f := newFixture(t)

	held, err := filelock.Acquire(f.lockDir, "10.11.99.1")
	require.NoError(t, err)
	defer held.Release()

	_, err = f.runner(f.installPlan(), f.dev).Run(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentRun)
	assert.Contains(t, err.Error(), fmt.Sprintf("held by pid %d", os.Getpid()), "error names the holder")
	assert.Zero(t, f.dev.CommandCount(), "lock refused before touching the device")
}

func TestRestoreFailureChainsBothErrors(t *testing.T) {
	f := newFixture(t)
	p := f.installPlan()

	cmd := p.Stage("install-framework").Action.Cmd
	f.dev.Script(cmd, remote.ExecResult{ExitCode: 1, Stderr: "boom"})
	// Restore starts by clearing the covered root; make that fail too.
	f.dev.Script("rm -rf "+device.InstallRoot, remote.ExecResult{ExitCode: 1, Stderr: "device busy"})

	res, err := f.runner(p, f.dev).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FailedNoRollback, res.State)
	assert.NotEmpty(t, res.BackupID, "recovery needs the snapshot id")
	require.Error(t, res.RestoreErr)

	combined := res.Err()
	require.Error(t, combined)
	assert.ErrorContains(t, combined, "install-framework")
	assert.ErrorContains(t, combined, "rollback also failed")

	run, err := f.db.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED_NO_ROLLBACK", run.Status)
}
