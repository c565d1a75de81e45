// Package version holds build information injected via ldflags.
// Example: go build -ldflags "-X foreman/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // ldflags targets
var (
	// Version is the semantic version, or "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
