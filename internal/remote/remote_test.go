package remote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDialError(t *testing.T) {
	cases := []struct {
		msg  string
		want Reason
	}{
		{"ssh: unable to authenticate, attempted methods [none password]", AuthFailed},
		{"ssh: handshake failed: Permission denied", AuthFailed},
		{"dial tcp 10.11.99.1:22: connect: connection refused", Refused},
		{"dial tcp 10.11.99.1:22: i/o timeout", Timeout},
		{"read tcp: connection reset by peer", Interrupted},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyDialError(errors.New(c.msg)), c.msg)
	}
}

func TestConnErrorRetryable(t *testing.T) {
	assert.False(t, (&ConnError{Reason: AuthFailed}).Retryable())
	for _, r := range []Reason{Timeout, Refused, Interrupted} {
		assert.True(t, (&ConnError{Reason: r}).Retryable(), r.String())
	}
}

func TestConnErrorUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := &ConnError{Reason: Interrupted, Op: "execute", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "INTERRUPTED")
}

func TestExecResultSuccess(t *testing.T) {
	assert.True(t, ExecResult{}.Success())
	assert.False(t, ExecResult{ExitCode: 1}.Success())
}
