// Package version reports build metadata of hwcd.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/smazurov/hwcomposer/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info contains version and build metadata.
type Info struct {
	Version   string `json:"version" example:"0.4.0" doc:"Release version"`
	GitCommit string `json:"git_commit" example:"3f2c1ab" doc:"Source revision"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	Modified  bool   `json:"modified" doc:"Whether the tree had uncommitted changes"`
	GoVersion string `json:"go_version" example:"go1.25.0" doc:"Go toolchain"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target OS and architecture"`
}

// Get returns version and build information. Fields not set through ldflags
// fall back to the VCS stamp embedded by the Go toolchain.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && len(s.Value) >= 7 {
				info.GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String returns a one-line version string for the CLI.
func String() string {
	info := Get()
	s := fmt.Sprintf("hwcd %s (%s, %s)", info.Version, info.GitCommit, info.Platform)
	if info.Modified {
		s += " dirty"
	}
	return s
}
