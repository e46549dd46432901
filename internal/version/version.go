// Package version provides the KeyDB server version string.
// The version is set at build time via -ldflags.
package version

// Version is the current server version.
// Override at build time: go build -ldflags "-X github.com/mbridon/KeyDB/internal/version.Version=1.0.0"
var Version = "0.9.0"

// BuildTime is the build timestamp.
var BuildTime = "unknown"
