package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/freemark/internal/remote/remotetest"
)

func TestProbeStateEmptyDevice(t *testing.T) {
	dev := remotetest.New("armv7l")

	st, err := ProbeState(context.Background(), dev)
	require.NoError(t, err)
	assert.False(t, st.FrameworkInstalled)
	assert.False(t, st.LauncherInstalled)
	assert.False(t, st.ReaderInstalled)
	assert.False(t, st.TripleTapInstalled)
	assert.False(t, st.OverlayActive)
	assert.Zero(t, st.ExtensionCount)
}

func TestProbeStateInstalledDevice(t *testing.T) {
	dev := remotetest.New("aarch64")
	dev.SetFile(InstallRoot+"/xovi.so", []byte("elf"))
	dev.SetFile(ExtensionsDir+"/appload.so", []byte("elf"))
	dev.SetFile(ExtensionsDir+"/qt-resource-rebuilder.so", []byte("elf"))
	dev.SetFile(AppLoadDir+"/.keep", nil)
	dev.SetFile(ReaderDir+"/koreader.sh", []byte("#!/bin/sh"))
	dev.SetFile(OverridePath, []byte("[Service]"))

	st, err := ProbeState(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, st.FrameworkInstalled)
	assert.True(t, st.LauncherInstalled)
	assert.True(t, st.ReaderInstalled)
	assert.False(t, st.TripleTapInstalled)
	assert.True(t, st.OverlayActive)
	assert.Equal(t, 2, st.ExtensionCount)
}

func TestFreeSpaceKB(t *testing.T) {
	dev := remotetest.New("armv7l")
	kb, err := FreeSpaceKB(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, int64(4864000), kb)
}
