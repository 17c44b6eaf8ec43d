package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/freemark/internal/remote"
	"github.com/lyndonlyu/freemark/internal/remote/remotetest"
)

func TestDetectKnownArchitectures(t *testing.T) {
	cases := []struct {
		raw  string
		gen  Generation
		arch Arch
	}{
		{"armv6l", Gen1, ARM32},
		{"armv7l", Gen2, ARM32},
		{"armhf", Gen2, ARM32},
		{"aarch64", ProGen, AArch64},
		{"arm64", ProGen, AArch64},
		{"AARCH64", ProGen, AArch64}, // probe output is lowercased before lookup
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			dev := remotetest.New(tc.raw)
			profile, err := Detect(context.Background(), dev)
			require.NoError(t, err)
			assert.Equal(t, tc.gen, profile.Generation)
			assert.Equal(t, tc.arch, profile.Arch)
		})
	}
}

func TestDetectUnknownArchitectureFails(t *testing.T) {
	dev := remotetest.New("x86_64")
	before := dev.Manifest("")

	_, err := Detect(context.Background(), dev)

	var archErr *UnsupportedArchError
	require.ErrorAs(t, err, &archErr)
	assert.Equal(t, "x86_64", archErr.Raw)
	// Detection must not touch device state.
	assert.Equal(t, before, dev.Manifest(""))
}

func TestDetectReadsOSVersion(t *testing.T) {
	dev := remotetest.New("aarch64")
	dev.SetFile(VersionPath, []byte("[General]\nREMARKABLE_RELEASE_VERSION=3.11.2.5\n"))

	profile, err := Detect(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "3.11.2.5", profile.OSVersion)
}

func TestDetectOSVersionFallback(t *testing.T) {
	dev := remotetest.New("armv7l")
	profile, err := Detect(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "unknown", profile.OSVersion)
}

func TestDetectPropagatesConnError(t *testing.T) {
	dev := remotetest.New("armv7l")
	dev.FailNext("execute", remote.Timeout, 1)

	_, err := Detect(context.Background(), dev)
	var ce *remote.ConnError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, remote.Timeout, ce.Reason)
}
