// Package version carries build provenance stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Overridden via -ldflags on release builds; the defaults identify a plain
// `go build` tree.
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info describes the running binary, JSON-friendly for machine consumers.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get assembles the build description for the running binary.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the one-line human form.
func (i Info) String() string {
	return fmt.Sprintf("caravel %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
}
