package plan

import (
	"fmt"

	"github.com/lyndonlyu/freemark/internal/assets"
	"github.com/lyndonlyu/freemark/internal/device"
)

// xochitlOverride is the systemd drop-in that loads the framework into the
// UI process on restart.
const xochitlOverride = `[Service]
Environment="LD_PRELOAD=` + device.InstallRoot + `/xovi.so"
`

// BackupRoots are the device paths a pre-mutation snapshot covers. Absent
// paths are recorded so a restore removes anything created under them.
// Standalone backup commands snapshot the same set.
var BackupRoots = []string{
	device.InstallRoot,
	device.ShimsDir,
	device.TripleTapDir,
	"/etc/systemd/system/xochitl.service.d",
}

// Builder expands intents into stage sequences using the artifact catalog.
type Builder struct {
	catalog *assets.Catalog
}

func NewBuilder(catalog *assets.Catalog) *Builder {
	return &Builder{catalog: catalog}
}

// Build expands intent into an ordered, validated plan. It is a pure
// function of its arguments: conflicts and unknown artifacts surface here,
// before anything touches the device.
func (b *Builder) Build(intent Intent, profile device.Profile, state device.InstallState, opts Options) (*Plan, error) {
	for _, f := range opts.Features {
		if f != FeatureReader && f != FeatureTripleTap {
			return nil, &ConflictError{Intent: intent, Reason: fmt.Sprintf("unknown feature %q", f)}
		}
	}

	var (
		stages []Stage
		err    error
	)
	switch intent {
	case InstallFull, InstallLauncherOnly:
		stages, err = b.installStages(intent, profile, state, opts)
	case Uninstall:
		stages = b.uninstallStages(state)
	case EnableFeature:
		stages, err = b.featureStages(profile, state, opts)
	default:
		return nil, &ConflictError{Intent: intent, Reason: "unknown intent"}
	}
	if err != nil {
		return nil, err
	}

	p := &Plan{Intent: intent, Stages: stages}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// seq accumulates stages, assigning ordinals in append order.
type seq struct {
	stages []Stage
}

func (s *seq) add(name string, optional bool, a Action, deps ...string) string {
	s.stages = append(s.stages, Stage{
		Name:      name,
		Ordinal:   len(s.stages),
		Action:    a,
		Optional:  optional,
		DependsOn: deps,
	})
	return name
}

// names returns every stage name added so far. Used to anchor the final
// verification on the whole sequence.
func (s *seq) names() []string {
	out := make([]string, len(s.stages))
	for i, st := range s.stages {
		out[i] = st.Name
	}
	return out
}

func (b *Builder) installStages(intent Intent, profile device.Profile, state device.InstallState, opts Options) ([]Stage, error) {
	withReader := intent == InstallFull && opts.has(FeatureReader)
	withTripleTap := opts.has(FeatureTripleTap)

	components := []assets.Component{assets.Framework, assets.Extensions, assets.Launcher}
	if withReader {
		components = append(components, assets.Reader)
	}
	if withTripleTap {
		components = append(components, assets.TripleTap)
	}
	byComponent := make(map[assets.Component]*assets.Spec, len(components))
	for _, comp := range components {
		spec, err := b.catalog.Lookup(profile.Arch, comp)
		if err != nil {
			return nil, err
		}
		byComponent[comp] = &spec
	}

	var s seq
	pre := s.add("preflight", false, Action{Kind: Preflight})
	bak := s.add("backup", false, Action{Kind: Backup, Roots: BackupRoots}, pre)

	dlFramework := s.add("download-framework", false, Action{Kind: Download, Artifact: byComponent[assets.Framework]}, pre)
	dlExtensions := s.add("download-extensions", false, Action{Kind: Download, Artifact: byComponent[assets.Extensions]}, pre)
	dlLauncher := s.add("download-launcher", false, Action{Kind: Download, Artifact: byComponent[assets.Launcher]}, pre)

	pushFramework := s.add("push-framework", false, Action{Kind: Push, Artifact: byComponent[assets.Framework]}, bak, dlFramework)
	installFramework := s.add("install-framework", false, Action{
		Kind: Command,
		Cmd: fmt.Sprintf("sh -c 'mkdir -p %s %s %s && chmod 755 %s/xovi.so'",
			device.ExtensionsDir, device.AppLoadDir, device.ShimsDir, device.InstallRoot),
	}, pushFramework)

	pushExtensions := s.add("push-extensions", false, Action{Kind: Push, Artifact: byComponent[assets.Extensions]}, dlExtensions, installFramework)
	pushLauncher := s.add("push-launcher", false, Action{Kind: Push, Artifact: byComponent[assets.Launcher]}, dlLauncher, installFramework)
	installLauncher := s.add("install-launcher", false, Action{
		Kind: Command,
		Cmd: fmt.Sprintf("sh -c 'unzip -o %s -d %s && unzip -o %s -d %s && rm -f %s %s'",
			byComponent[assets.Extensions].RemotePath, device.ExtensionsDir,
			byComponent[assets.Launcher].RemotePath, device.ExtensionsDir,
			byComponent[assets.Extensions].RemotePath, byComponent[assets.Launcher].RemotePath),
	}, pushExtensions, pushLauncher)

	rebuild := s.add("rebuild-hashtable", false, Action{
		Kind: Command,
		Cmd:  fmt.Sprintf("sh -c 'systemctl stop xochitl && cd %s && ./xovi.sh rebuild-hashtable'", device.InstallRoot),
	}, installLauncher)

	overlayDeps := []string{rebuild}

	if withReader {
		dl := s.add("download-koreader", true, Action{Kind: Download, Artifact: byComponent[assets.Reader]}, pre)
		push := s.add("push-koreader", true, Action{Kind: Push, Artifact: byComponent[assets.Reader]}, dl, installLauncher)
		install := s.add("install-koreader", true, Action{
			Kind: Command,
			Cmd: fmt.Sprintf("sh -c 'mkdir -p %s && unzip -o %s -d %s && rm -f %s'",
				device.ReaderDir, byComponent[assets.Reader].RemotePath, device.ReaderDir, byComponent[assets.Reader].RemotePath),
		}, push)
		overlayDeps = append(overlayDeps, install)
	}

	if withTripleTap {
		dl := s.add("download-tripletap", true, Action{Kind: Download, Artifact: byComponent[assets.TripleTap]}, pre)
		push := s.add("push-tripletap", true, Action{Kind: Push, Artifact: byComponent[assets.TripleTap]}, dl, installFramework)
		install := s.add("install-tripletap", true, Action{
			Kind: Command,
			Cmd: fmt.Sprintf("sh -c 'mkdir -p %s && unzip -o %s -d %s && sh %s/install.sh && rm -f %s'",
				device.TripleTapDir, byComponent[assets.TripleTap].RemotePath, device.TripleTapDir,
				device.TripleTapDir, byComponent[assets.TripleTap].RemotePath),
		}, push)
		enable := s.add("enable-tripletap", true, Action{Kind: Service, Unit: "xovi-tripletap", Enable: true}, install)
		overlayDeps = append(overlayDeps, enable)
	}

	s.add("activate-overlay", false, Action{
		Kind:     Service,
		Unit:     "xochitl",
		Override: xochitlOverride,
	}, overlayDeps...)

	prior := s.names()
	s.add("verify-final", false, Action{
		Kind: Verify,
		Expect: &Expectation{
			Framework: true,
			Launcher:  true,
			Reader:    withReader || state.ReaderInstalled,
			TripleTap: withTripleTap || state.TripleTapInstalled,
			Overlay:   true,
		},
	}, prior...)

	return s.stages, nil
}

func (b *Builder) uninstallStages(state device.InstallState) []Stage {
	var s seq
	pre := s.add("preflight", false, Action{Kind: Preflight})
	bak := s.add("backup", false, Action{Kind: Backup, Roots: BackupRoots}, pre)

	deactivate := s.add("deactivate-overlay", false, Action{
		Kind:           Service,
		Unit:           "xochitl",
		RemoveOverride: true,
	}, bak)

	removeDeps := []string{deactivate}
	if state.TripleTapInstalled {
		disable := s.add("disable-tripletap", false, Action{Kind: Service, Unit: "xovi-tripletap"}, bak)
		removeDeps = append(removeDeps, disable)
	}

	s.add("remove-components", false, Action{
		Kind: Command,
		Cmd: fmt.Sprintf("sh -c 'rm -rf %s %s %s %s'",
			device.InstallRoot, device.ShimsDir, device.TripleTapDir, device.TripleTapUnit),
	}, removeDeps...)

	prior := s.names()
	s.add("verify-final", false, Action{Kind: Verify, Expect: &Expectation{}}, prior...)
	return s.stages
}

func (b *Builder) featureStages(profile device.Profile, state device.InstallState, opts Options) ([]Stage, error) {
	if len(opts.Features) == 0 {
		return nil, &ConflictError{Intent: EnableFeature, Reason: "no feature named"}
	}
	if !state.FrameworkInstalled {
		return nil, &ConflictError{Intent: EnableFeature, Reason: "framework is not installed"}
	}

	var s seq
	pre := s.add("preflight", false, Action{Kind: Preflight})
	bak := s.add("backup", false, Action{Kind: Backup, Roots: BackupRoots}, pre)

	expect := &Expectation{
		Framework: true,
		Launcher:  state.LauncherInstalled,
		Reader:    state.ReaderInstalled,
		TripleTap: state.TripleTapInstalled,
		Overlay:   state.OverlayActive,
	}

	for _, f := range opts.Features {
		switch f {
		case FeatureReader:
			if !state.LauncherInstalled {
				return nil, &ConflictError{Intent: EnableFeature, Reason: "koreader requires the launcher"}
			}
			spec, err := b.catalog.Lookup(profile.Arch, assets.Reader)
			if err != nil {
				return nil, err
			}
			dl := s.add("download-koreader", false, Action{Kind: Download, Artifact: &spec}, pre)
			push := s.add("push-koreader", false, Action{Kind: Push, Artifact: &spec}, bak, dl)
			s.add("install-koreader", false, Action{
				Kind: Command,
				Cmd: fmt.Sprintf("sh -c 'mkdir -p %s && unzip -o %s -d %s && rm -f %s'",
					device.ReaderDir, spec.RemotePath, device.ReaderDir, spec.RemotePath),
			}, push)
			expect.Reader = true

		case FeatureTripleTap:
			spec, err := b.catalog.Lookup(profile.Arch, assets.TripleTap)
			if err != nil {
				return nil, err
			}
			dl := s.add("download-tripletap", false, Action{Kind: Download, Artifact: &spec}, pre)
			push := s.add("push-tripletap", false, Action{Kind: Push, Artifact: &spec}, bak, dl)
			install := s.add("install-tripletap", false, Action{
				Kind: Command,
				Cmd: fmt.Sprintf("sh -c 'mkdir -p %s && unzip -o %s -d %s && sh %s/install.sh && rm -f %s'",
					device.TripleTapDir, spec.RemotePath, device.TripleTapDir, device.TripleTapDir, spec.RemotePath),
			}, push)
			s.add("enable-tripletap", false, Action{Kind: Service, Unit: "xovi-tripletap", Enable: true}, install)
			expect.TripleTap = true
		}
	}

	prior := s.names()
	s.add("verify-final", false, Action{Kind: Verify, Expect: expect}, prior...)
	return s.stages, nil
}
