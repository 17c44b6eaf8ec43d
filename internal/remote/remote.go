// Package remote wraps a command/file-transfer session to a single device.
//
// A Connection exposes the four primitives the orchestration engine needs:
// execute a command, push a file, pull a file, and liveness. Transport
// failures are normalized into ConnError so callers can make retry decisions
// without knowing the underlying transport. The package never retries on its
// own; retry policy belongs to the stage runner.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Reason classifies a connection failure.
type Reason int

const (
	Timeout Reason = iota
	Refused
	AuthFailed
	Interrupted
)

func (r Reason) String() string {
	switch r {
	case Timeout:
		return "TIMEOUT"
	case Refused:
		return "REFUSED"
	case AuthFailed:
		return "AUTH_FAILED"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// ConnError is the single error type surfaced for transport failures.
type ConnError struct {
	Reason Reason
	Op     string // "execute", "push", "pull", "dial"
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("remote: %s failed (%s): %v", e.Op, e.Reason, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying. Authentication
// failures never resolve on their own.
func (e *ConnError) Retryable() bool { return e.Reason != AuthFailed }

// ExecResult holds the outcome of a remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }

// Connection is the device session contract. Implementations report
// transport failures as *ConnError. A non-zero remote exit code is not an
// error; it is data in ExecResult.
type Connection interface {
	// Execute runs a command on the device. A zero timeout means no
	// per-command deadline beyond ctx.
	Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)

	// PushFile writes data to remotePath and verifies the transfer by
	// comparing checksums.
	PushFile(ctx context.Context, data []byte, remotePath string) error

	// PullFile reads the file at remotePath.
	PullFile(ctx context.Context, remotePath string) ([]byte, error)

	// Alive reports whether the session still responds.
	Alive() bool

	Close() error
}
