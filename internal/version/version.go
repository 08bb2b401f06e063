// Package version provides the build version of the binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build values are set by the linker:
// -ldflags "-X github.com/effective-security/p11scan/internal/version.Build=v0.1.0"
var (
	Build  = ""
	Commit = ""
)

// Info describes the build
type Info struct {
	Build   string `json:"build"`
	Commit  string `json:"commit,omitempty"`
	Runtime string `json:"runtime"`
}

// String returns the version string
func (v Info) String() string {
	if v.Commit == "" {
		return v.Build
	}
	return fmt.Sprintf("%s (%s)", v.Build, v.Commit)
}

// Current returns the version of the running binary
func Current() Info {
	v := Info{
		Build:   Build,
		Commit:  Commit,
		Runtime: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v.Build == "" && bi.Main.Version != "" {
			v.Build = bi.Main.Version
		}
		if v.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 8 {
					v.Commit = s.Value[:8]
				}
			}
		}
	}
	if v.Build == "" {
		v.Build = "(devel)"
	}
	return v
}
