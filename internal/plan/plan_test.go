package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/freemark/internal/assets"
	"github.com/lyndonlyu/freemark/internal/device"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	catalog, err := assets.Load()
	require.NoError(t, err)
	return NewBuilder(catalog)
}

func gen2Profile() device.Profile {
	return device.Profile{Generation: device.Gen2, Arch: device.ARM32}
}

func proProfile() device.Profile {
	return device.Profile{Generation: device.ProGen, Arch: device.AArch64}
}

func stageNames(p *Plan) []string {
	names := make([]string, len(p.Stages))
	for i, st := range p.Stages {
		names[i] = st.Name
	}
	return names
}

func TestInstallFullTemplate(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallFull, gen2Profile(), device.InstallState{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"preflight", "backup",
		"download-framework", "download-extensions", "download-launcher",
		"push-framework", "install-framework",
		"push-extensions", "push-launcher", "install-launcher",
		"rebuild-hashtable", "activate-overlay", "verify-final",
	}, stageNames(p))

	require.NoError(t, Validate(p))
}

func TestVerifyFinalAnchorsWholePlan(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallFull, gen2Profile(), device.InstallState{}, Options{Features: []Feature{FeatureReader, FeatureTripleTap}})
	require.NoError(t, err)

	last := p.Stages[len(p.Stages)-1]
	assert.Equal(t, "verify-final", last.Name)
	assert.Len(t, last.DependsOn, len(p.Stages)-1, "verification depends on every prior stage")
}

func TestInstallFullWithFeatures(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallFull, gen2Profile(), device.InstallState{}, Options{Features: []Feature{FeatureReader, FeatureTripleTap}})
	require.NoError(t, err)

	names := stageNames(p)
	assert.Contains(t, names, "install-koreader")
	assert.Contains(t, names, "enable-tripletap")
	assert.True(t, p.Stage("install-koreader").Optional)

	expect := p.Stage("verify-final").Action.Expect
	require.NotNil(t, expect)
	assert.True(t, expect.Reader)
	assert.True(t, expect.TripleTap)
	assert.True(t, expect.Overlay)
}

func TestInstallLauncherOnlySkipsReader(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallLauncherOnly, gen2Profile(), device.InstallState{}, Options{Features: []Feature{FeatureReader}})
	require.NoError(t, err)

	for _, name := range stageNames(p) {
		assert.NotContains(t, name, "koreader")
	}
	assert.False(t, p.Stage("verify-final").Action.Expect.Reader)
}

func TestInstallLauncherOnlyAarch64ResolvesAarch64Artifacts(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallLauncherOnly, proProfile(), device.InstallState{}, Options{})
	require.NoError(t, err)

	for _, st := range p.Stages {
		if st.Action.Artifact == nil {
			continue
		}
		assert.NotContains(t, st.Action.Artifact.URL, "arm32", "stage %s", st.Name)
		assert.NotContains(t, st.Action.Artifact.ID, "arm32", "stage %s", st.Name)
	}
}

func TestEnableFeatureWithoutFrameworkConflicts(t *testing.T) {
	b := testBuilder(t)
	_, err := b.Build(EnableFeature, gen2Profile(), device.InstallState{}, Options{Features: []Feature{FeatureTripleTap}})

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, EnableFeature, ce.Intent)
}

func TestEnableFeatureReaderRequiresLauncher(t *testing.T) {
	b := testBuilder(t)
	_, err := b.Build(EnableFeature, gen2Profile(), device.InstallState{FrameworkInstalled: true}, Options{Features: []Feature{FeatureReader}})

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
}

func TestEnableFeatureTripleTap(t *testing.T) {
	b := testBuilder(t)
	state := device.InstallState{FrameworkInstalled: true, LauncherInstalled: true, OverlayActive: true}
	p, err := b.Build(EnableFeature, gen2Profile(), state, Options{Features: []Feature{FeatureTripleTap}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"preflight", "backup",
		"download-tripletap", "push-tripletap", "install-tripletap", "enable-tripletap",
		"verify-final",
	}, stageNames(p))

	expect := p.Stage("verify-final").Action.Expect
	assert.True(t, expect.TripleTap)
	assert.True(t, expect.Launcher, "existing components stay put")
	assert.False(t, expect.Reader)
}

func TestEnableFeatureRejectsUnknownAndEmpty(t *testing.T) {
	b := testBuilder(t)
	state := device.InstallState{FrameworkInstalled: true}

	var ce *ConflictError
	_, err := b.Build(EnableFeature, gen2Profile(), state, Options{Features: []Feature{"webdav"}})
	require.ErrorAs(t, err, &ce)

	_, err = b.Build(EnableFeature, gen2Profile(), state, Options{})
	require.ErrorAs(t, err, &ce)
}

func TestUninstallTemplate(t *testing.T) {
	b := testBuilder(t)
	state := device.InstallState{FrameworkInstalled: true, LauncherInstalled: true, TripleTapInstalled: true, OverlayActive: true}
	p, err := b.Build(Uninstall, gen2Profile(), state, Options{})
	require.NoError(t, err)

	names := stageNames(p)
	assert.Contains(t, names, "deactivate-overlay")
	assert.Contains(t, names, "disable-tripletap")
	assert.Contains(t, names, "remove-components")

	expect := p.Stage("verify-final").Action.Expect
	assert.Equal(t, &Expectation{}, expect, "nothing may remain")
}

func TestUninstallWithoutTripleTapOmitsDisable(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(Uninstall, gen2Profile(), device.InstallState{FrameworkInstalled: true}, Options{})
	require.NoError(t, err)
	assert.NotContains(t, stageNames(p), "disable-tripletap")
}

func TestBackupStageCoversInstallRoots(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallFull, gen2Profile(), device.InstallState{}, Options{})
	require.NoError(t, err)

	bak := p.Stage("backup")
	require.NotNil(t, bak)
	assert.Contains(t, bak.Action.Roots, device.InstallRoot)
	assert.Contains(t, bak.Action.Roots, device.ShimsDir)
}

func TestOverlayOverrideLoadsFramework(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Build(InstallFull, gen2Profile(), device.InstallState{}, Options{})
	require.NoError(t, err)

	activate := p.Stage("activate-overlay")
	require.NotNil(t, activate)
	assert.Equal(t, "xochitl", activate.Action.Unit)
	assert.True(t, strings.Contains(activate.Action.Override, "LD_PRELOAD"))
}

func TestValidateRejectsMissingDependency(t *testing.T) {
	p := &Plan{Intent: InstallFull, Stages: []Stage{
		{Name: "a", Ordinal: 0},
		{Name: "b", Ordinal: 1, DependsOn: []string{"ghost"}},
	}}
	assert.ErrorContains(t, Validate(p), "does not exist")
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	p := &Plan{Intent: InstallFull, Stages: []Stage{
		{Name: "a", Ordinal: 0, DependsOn: []string{"b"}},
		{Name: "b", Ordinal: 1},
	}}
	assert.ErrorContains(t, Validate(p), "at or after")
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	p := &Plan{Intent: InstallFull, Stages: []Stage{
		{Name: "a", Ordinal: 0},
		{Name: "a", Ordinal: 1},
	}}
	assert.ErrorContains(t, Validate(p), "duplicate")
}

func TestUnknownIntent(t *testing.T) {
	b := testBuilder(t)
	_, err := b.Build(Intent("format-disk"), gen2Profile(), device.InstallState{}, Options{})
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
}
