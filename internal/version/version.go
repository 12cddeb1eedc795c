// Package version carries the build identity shared by all binaries.
// Release builds override these via -ldflags; the defaults identify a
// from-source build.
package version

var (
	// Version is the release tag.
	Version = "v1.0.0"

	// Commit is the git short hash of the build.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats the build identity the way the -version flag prints it.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
