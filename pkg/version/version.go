// Package version carries the build metadata stamped in by the linker.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/Sumatoshi-tech/vmspace/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "<unknown>"
	Date    = "<unknown>"
)

// String renders the version line printed by the CLI.
func String() string {
	commit := Commit

	if commit == "<unknown>" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
				}
			}
		}
	}

	return fmt.Sprintf("vmspace %s (commit %s, built %s)", Version, commit, Date)
}
