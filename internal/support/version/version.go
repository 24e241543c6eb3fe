// Package version holds build-time identity for the clipqueue binaries.
package version

// Name and Version are overridden at build time via -ldflags.
var (
	Name    = "clipqueue"
	Version = "dev"
)
