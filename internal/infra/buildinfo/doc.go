// Package buildinfo reports the version of the running binaries.
//
// Release builds inject the version through ldflags:
//
//	go build -ldflags "-X github.com/yndnr/corestate-go/internal/infra/buildinfo.Version=v1.2.0"
//
// Commit and build time fall back to the VCS stamp the Go toolchain
// embeds when they are not injected.
package buildinfo
