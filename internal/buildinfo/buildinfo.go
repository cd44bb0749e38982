// Package buildinfo holds the version string stamped in at build time via
// -ldflags -X, for GetVersion.
package buildinfo

// Version is overridden at build time with:
//
//	go build -ldflags "-X github.com/objcache/filecached/internal/buildinfo.Version=v1.2.3"
var Version = "dev"
