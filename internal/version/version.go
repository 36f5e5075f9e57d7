// Package version exposes build version information.
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// String returns a human-readable version string.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
