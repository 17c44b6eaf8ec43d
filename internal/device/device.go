// Package device models the target tablet: its hardware generation,
// instruction set, and what is currently installed on it.
package device

// Generation is the hardware generation of the tablet.
type Generation int

const (
	Gen1 Generation = iota
	Gen2
	ProGen
)

func (g Generation) String() string {
	switch g {
	case Gen1:
		return "gen1"
	case Gen2:
		return "gen2"
	case ProGen:
		return "pro"
	default:
		return "unknown"
	}
}

// Arch is the closed set of supported instruction-set families.
type Arch int

const (
	ARM32 Arch = iota
	AArch64
)

func (a Arch) String() string {
	switch a {
	case ARM32:
		return "arm32"
	case AArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// Profile is the detected classification of the device. It is immutable for
// the duration of a run and re-detected on every run.
type Profile struct {
	Generation Generation
	Arch       Arch
	OSVersion  string
}

func (p Profile) String() string {
	return p.Generation.String() + "/" + p.Arch.String() + "/" + p.OSVersion
}

// On-device locations the installer owns or inspects.
const (
	HomeDir        = "/home/root"
	InstallRoot    = "/home/root/xovi"
	ExtensionsDir  = "/home/root/xovi/extensions.d"
	AppLoadDir     = "/home/root/xovi/exthome/appload"
	ReaderDir      = "/home/root/xovi/exthome/appload/koreader"
	ShimsDir       = "/home/root/shims"
	TripleTapDir   = "/home/root/xovi-tripletap"
	TripleTapUnit  = "/etc/systemd/system/xovi-tripletap.service"
	BackupRoot     = "/home/root/.freemark/backups"
	OverridePath   = "/etc/systemd/system/xochitl.service.d/xovi.conf"
	DeviceConfPath = "/home/root/.config/remarkable/xochitl.conf"
	VersionPath    = "/usr/share/remarkable/update.conf"
)
