// Package version reports what build of sealtunnel is running and which wire
// protocol it speaks.
package version

import (
	"fmt"
	"runtime/debug"

	"github.com/pzverkov/sealtunnel/internal/constants"
)

const (
	Major = 0
	Minor = 1
	Patch = 0
	Label = "" // pre-release suffix, empty for releases
)

// String returns the release version, e.g. "v0.1.0".
func String() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Label != "" {
		v += "-" + Label
	}
	return v
}

// Protocol returns the wire protocol name and Hello version.
func Protocol() string {
	return fmt.Sprintf("%s (hello 0x%04x)", constants.ProtocolName, constants.ProtocolVersion)
}

// Full returns the release and protocol on one line.
func Full() string {
	return fmt.Sprintf("sealtunnel %s, protocol %s", String(), Protocol())
}

// Build holds what the Go toolchain embedded in the binary.
type Build struct {
	GoVersion string
	Revision  string
	Modified  bool
}

// ReadBuild returns the embedded build metadata. Fields stay empty when the
// binary was built without module or VCS information.
func ReadBuild() Build {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Build{}
	}
	b := Build{GoVersion: info.GoVersion}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// ShortRevision returns the first 12 characters of the revision, with a
// "-dirty" suffix for modified trees.
func (b Build) ShortRevision() string {
	r := b.Revision
	if len(r) > 12 {
		r = r[:12]
	}
	if r != "" && b.Modified {
		r += "-dirty"
	}
	return r
}
