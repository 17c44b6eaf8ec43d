package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lyndonlyu/freemark/internal/assets"
	"github.com/lyndonlyu/freemark/internal/backup"
	"github.com/lyndonlyu/freemark/internal/config"
	"github.com/lyndonlyu/freemark/internal/device"
	"github.com/lyndonlyu/freemark/internal/plan"
	"github.com/lyndonlyu/freemark/internal/progress"
	"github.com/lyndonlyu/freemark/internal/remote"
	"github.com/lyndonlyu/freemark/internal/runner"
	"github.com/lyndonlyu/freemark/internal/statedb"
)

// engine bundles everything a device-touching command needs: config, an
// open connection, the detected profile, and the local state database.
type engine struct {
	cfg     *config.Config
	conn    remote.Connection
	profile device.Profile
	state   device.InstallState
	db      *statedb.DB
	backups *backup.Manager
	host    string
}

func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	host, port := splitAddress(cfg.Device.Address)
	conn, err := remote.Dial(remote.SSHConfig{
		Host:        host,
		Port:        port,
		User:        cfg.Device.User,
		Password:    cfg.Device.Password,
		DialTimeout: cfg.DialTimeout(),
	})
	if err != nil {
		return nil, err
	}

	profile, err := device.Detect(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	state, err := device.ProbeState(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	db, err := statedb.Open(cfg.StatePath())
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &engine{
		cfg:     cfg,
		conn:    conn,
		profile: profile,
		state:   state,
		db:      db,
		backups: backup.NewManager(db, device.BackupRoot),
		host:    host,
	}, nil
}

func (e *engine) Close() {
	e.conn.Close()
	e.db.Close()
}

// execute builds a plan for the intent and drives it to a terminal state,
// rendering progress as it goes.
func (e *engine) execute(ctx context.Context, intent plan.Intent, opts plan.Options) error {
	catalog, err := assets.Load()
	if err != nil {
		return err
	}
	p, err := plan.NewBuilder(catalog).Build(intent, e.profile, e.state, opts)
	if err != nil {
		return err
	}

	fmt.Println(styleBanner.Render(fmt.Sprintf("%s on %s (%s, OS %s)",
		intent, e.profile.Generation, e.profile.Arch, orUnknown(e.profile.OSVersion))))

	pub := progress.NewPublisher(4 * len(p.Stages))
	pub.Subscribe(func(ev progress.Event) {
		if ev.Status == progress.StatusRunning {
			return
		}
		fmt.Println(renderEvent(ev))
	})

	r := &runner.Runner{
		Conn:        e.conn,
		Plan:        p,
		Backups:     e.backups,
		DB:          e.db,
		LockDir:     e.cfg.LockDir(),
		DeviceName:  e.host,
		Publisher:   pub,
		Checks:      runner.DefaultChecks(e.cfg.Device.Address, e.cfg.Device.AllowWiFi, e.cfg.DownloadDir(), minFreeKB),
		DownloadDir: e.cfg.DownloadDir(),
	}

	res, err := r.Run(ctx)
	pub.Close()
	if err != nil {
		return err
	}
	return renderResult(res)
}

// minFreeKB is the space an install needs for artifacts plus the backup
// staging directory.
const minFreeKB = 200 * 1024

func renderResult(res *runner.Result) error {
	switch res.State {
	case runner.Completed:
		fmt.Println(styleSuccess.Render("Done."))
		return nil
	case runner.Aborted:
		fmt.Println(styleWarn.Render("Aborted before any change was made: " + res.StageErr.Error()))
		return res.Err()
	case runner.RolledBack:
		fmt.Println(styleError.Render("Failed; the device was restored to its pre-run state."))
		fmt.Println(styleDim.Render("  cause: " + res.StageErr.Error()))
		return res.Err()
	case runner.FailedNoRollback:
		fmt.Println(styleFatal.Render("Failed and rollback did not complete."))
		renderRecovery(res)
		return res.Err()
	default:
		return res.Err()
	}
}

func (e *engine) retention() backup.RetentionPolicy {
	return backup.RetentionPolicy{
		KeepCount: e.cfg.Retention.KeepCount,
		MaxAge:    time.Duration(e.cfg.Retention.MaxAgeDay) * 24 * time.Hour,
	}
}

// openStateDB opens the local state database without touching the device.
// List-style commands use it so they work with the tablet unplugged.
func openStateDB() (*statedb.DB, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return statedb.Open(cfg.StatePath())
}

func splitAddress(address string) (string, int) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 22
	}
	return host, port
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
