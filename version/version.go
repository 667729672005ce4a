// Package version fills the build variables of github.com/haormj/version.
// Release builds stamp them with -ldflags, for example
// -X github.com/haormj/version.Version=v0.3.0
// -X github.com/haormj/version.GitCommit=$(git rev-parse HEAD).
package version

import (
	"runtime"
	"runtime/debug"

	hv "github.com/haormj/version"
)

// Resolve fills the variables left unstamped from the module build info.
func Resolve() {
	if hv.GoVersion == "" {
		hv.GoVersion = runtime.Version()
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if hv.GitCommit == "" {
				hv.GitCommit = shortCommit(s.Value)
			}
		case "vcs.time":
			if hv.BuildTime == "" {
				hv.BuildTime = s.Value
			}
		}
	}
}

// String returns the multi-line version report.
func String() string {
	Resolve()
	return hv.FullVersion()
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
