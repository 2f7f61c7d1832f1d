// Package version holds the version of this library, set at build time with
// -ldflags "-X github.com/m-lab/speedtest/pkg/version.Version=...".
package version

// Version is the library version.
var Version = "v0.0.0-dev"
