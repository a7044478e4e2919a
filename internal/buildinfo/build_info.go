package buildinfo

import "fmt"

// Set by the linker, e.g., -ldflags "-X github.com/l7mp/jsondb/internal/buildinfo.version=v0.1.0".
var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string `json:"version"`
	CommitHash string `json:"commitHash"`
	BuildDate  string `json:"buildDate"`
}

// Get returns the build info of the running binary.
func Get() BuildInfo {
	return BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
}
