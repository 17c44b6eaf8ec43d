package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SSHConfig holds everything needed to open a device session.
type SSHConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DialTimeout time.Duration
}

// SSHConnection implements Connection over an SSH transport. Each command
// runs in its own session on the shared client connection.
type SSHConnection struct {
	client *ssh.Client
	sftp   *sftp.Client
	host   string
	log    *log.Entry
}

// Dial opens an SSH session to the device. The tablet only offers password
// auth for the root account, so host keys are not pinned; the link is a
// point-to-point USB or local network connection.
func Dial(cfg SSHConfig) (*SSHConnection, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // point-to-point link, password-only device
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, &ConnError{Reason: classifyDialError(err), Op: "dial", Err: err}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &ConnError{Reason: Interrupted, Op: "dial", Err: fmt.Errorf("sftp subsystem: %w", err)}
	}

	return &SSHConnection{
		client: client,
		sftp:   sftpClient,
		host:   cfg.Host,
		log:    log.WithField("component", "remote").WithField("host", cfg.Host),
	}, nil
}

func classifyDialError(err error) Reason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "permission denied"):
		return AuthFailed
	case strings.Contains(msg, "refused"):
		return Refused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "i/o timeout"):
		return Timeout
	default:
		return Interrupted
	}
}

// Execute runs one command in a fresh session. A non-zero exit status is
// returned as data, not as an error.
func (c *SSHConnection) Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, &ConnError{Reason: Interrupted, Op: "execute", Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.log.Debugf("session close: %v", err)
		}
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := session.Start(command); err != nil {
		return ExecResult{}, &ConnError{Reason: Interrupted, Op: "execute", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		reason := Timeout
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = Interrupted
		}
		return ExecResult{}, &ConnError{Reason: reason, Op: "execute", Err: ctx.Err()}
	case err := <-done:
		result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			// Remote closed without reporting a status; treat as interrupted.
			return ExecResult{}, &ConnError{Reason: Interrupted, Op: "execute", Err: err}
		}
		return ExecResult{}, &ConnError{Reason: Interrupted, Op: "execute", Err: err}
	}
}

// PushFile writes data to remotePath over sftp and verifies the remote
// checksum afterwards. Parent directories are created as needed.
func (c *SSHConnection) PushFile(ctx context.Context, data []byte, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &ConnError{Reason: Interrupted, Op: "push", Err: err}
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := c.sftp.MkdirAll(dir); err != nil {
			return &ConnError{Reason: Interrupted, Op: "push", Err: fmt.Errorf("mkdir %s: %w", dir, err)}
		}
	}

	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return &ConnError{Reason: Interrupted, Op: "push", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &ConnError{Reason: Interrupted, Op: "push", Err: err}
	}
	if err := f.Close(); err != nil {
		return &ConnError{Reason: Interrupted, Op: "push", Err: err}
	}

	want := sha256.Sum256(data)
	got, err := c.RemoteSHA256(ctx, remotePath)
	if err != nil {
		return err
	}
	if got != hex.EncodeToString(want[:]) {
		return &ConnError{
			Reason: Interrupted,
			Op:     "push",
			Err:    fmt.Errorf("checksum mismatch for %s after transfer", remotePath),
		}
	}

	c.log.WithField("path", remotePath).Debugf("pushed %d bytes", len(data))
	return nil
}

// PullFile reads remotePath over sftp.
func (c *SSHConnection) PullFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnError{Reason: Interrupted, Op: "pull", Err: err}
	}

	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return nil, &ConnError{Reason: Interrupted, Op: "pull", Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, &ConnError{Reason: Interrupted, Op: "pull", Err: err}
	}
	return buf.Bytes(), nil
}

// RemoteSHA256 returns the hex digest of a remote file.
func (c *SSHConnection) RemoteSHA256(ctx context.Context, remotePath string) (string, error) {
	res, err := c.Execute(ctx, fmt.Sprintf("sha256sum %q", remotePath), 30*time.Second)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &ConnError{
			Reason: Interrupted,
			Op:     "execute",
			Err:    fmt.Errorf("sha256sum %s: exit %d: %s", remotePath, res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", &ConnError{Reason: Interrupted, Op: "execute", Err: fmt.Errorf("sha256sum %s: empty output", remotePath)}
	}
	return fields[0], nil
}

// Alive probes the session with a trivial command.
func (c *SSHConnection) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Execute(ctx, "true", 5*time.Second)
	return err == nil && res.Success()
}

func (c *SSHConnection) Close() error {
	if err := c.sftp.Close(); err != nil {
		c.log.Debugf("sftp close: %v", err)
	}
	return c.client.Close()
}
