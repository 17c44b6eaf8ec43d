package plan

import (
	"github.com/lyndonlyu/freemark/internal/assets"
)

// Kind discriminates what a stage's action does. The runner interprets the
// kind; stages themselves carry no behavior.
type Kind int

const (
	Preflight Kind = iota
	Backup
	Download
	Push
	Command
	Service
	Verify
)

func (k Kind) String() string {
	switch k {
	case Preflight:
		return "preflight"
	case Backup:
		return "backup"
	case Download:
		return "download"
	case Push:
		return "push"
	case Command:
		return "command"
	case Service:
		return "service"
	case Verify:
		return "verify"
	default:
		return "unknown"
	}
}

// Expectation is the install state a verification stage requires. The
// extension count is probed but not matched; only the presence flags are.
type Expectation struct {
	Framework bool
	Launcher  bool
	Reader    bool
	TripleTap bool
	Overlay   bool
}

// Action is the closed set of things a stage can do.
//
//   - Download: fetch Artifact.URL locally and verify Artifact.SHA256.
//   - Push: upload the downloaded artifact to Artifact.RemotePath.
//   - Command: run Cmd on the device, failing on non-zero exit.
//   - Service: write Override (when set) or remove the override (when
//     RemoveOverride), daemon-reload, then restart Unit; Enable additionally
//     enables the unit at boot, its absence disables it.
//   - Backup: snapshot Roots before any mutation.
//   - Verify: probe the device and compare against Expect.
type Action struct {
	Kind Kind

	Artifact *assets.Spec

	Cmd string

	Unit           string
	Enable         bool
	Override       string
	RemoveOverride bool

	Roots []string

	Expect *Expectation
}

// Stage is one step of a plan. DependsOn lists stage names that must have
// completed before this stage may start.
type Stage struct {
	Name      string
	Ordinal   int
	Action    Action
	Optional  bool
	DependsOn []string
}

// Plan is an immutable, validated stage sequence for one intent.
type Plan struct {
	Intent Intent
	Stages []Stage
}

// Stage returns the stage with the given name, or nil.
func (p *Plan) Stage(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}
