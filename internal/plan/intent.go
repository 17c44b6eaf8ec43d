// Package plan turns an installation intent into an ordered, validated
// sequence of stages. A plan is pure data: building one touches neither the
// network nor the device, so conflicts are reported before a connection is
// ever used.
package plan

import "fmt"

// Intent names what a run is supposed to accomplish.
type Intent string

const (
	InstallFull         Intent = "install-full"
	InstallLauncherOnly Intent = "install-launcher-only"
	Uninstall           Intent = "uninstall"
	EnableFeature       Intent = "enable-feature"
)

// Feature names an optional component toggled on top of the base install.
type Feature string

const (
	FeatureReader    Feature = "koreader"
	FeatureTripleTap Feature = "tripletap"
)

// Options tune how an intent expands into stages.
type Options struct {
	// Features selects optional components. For EnableFeature it names the
	// features to enable; for install intents it adds their stages to the
	// base sequence.
	Features []Feature
}

func (o Options) has(f Feature) bool {
	for _, got := range o.Features {
		if got == f {
			return true
		}
	}
	return false
}

// ConflictError reports an intent/state combination that can never succeed.
// It is raised during planning, before any device interaction.
type ConflictError struct {
	Intent Intent
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plan: %s: %s", e.Intent, e.Reason)
}
