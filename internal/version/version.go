// Package version provides build version information.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X".
var (
	// Version is the current version of replay-mcp
	Version = "0.1.0"
	// Commit is the source revision
	Commit = "unknown"
)

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("replay-mcp v%s (commit %s, %s %s/%s)", Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
