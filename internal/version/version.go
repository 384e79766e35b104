// Package version holds the cmdlog version reported by the CLI and the
// control socket.
package version

// Version is set via ldflags at build time:
//
//	go build -ldflags "-X github.com/ehrlich-b/cmdlog/internal/version.Version=v0.1.0"
var Version = "dev"
