// Package buildinfo exposes version metadata stamped at build time.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}
