// Package version reports the binary's build identity from the embedded
// module and VCS metadata.
package version

import (
	"runtime/debug"
)

// Swappable for testing
var readBuildInfo = debug.ReadBuildInfo

// BuildVersion returns the module version, or "dev" if unavailable.
func BuildVersion() string {
	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// Revision returns the VCS commit the binary was built from, suffixed with
// "-dirty" when the working tree was modified. Bundle builds use it as the
// default git commit when none is passed. Empty when no VCS metadata was
// embedded.
func Revision() string {
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	revision, dirty := "", false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if revision == "" {
		return ""
	}
	if dirty {
		return revision + "-dirty"
	}
	return revision
}
