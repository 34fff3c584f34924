// Package version exposes the build identity stamped into Warden binaries.
package version

import (
	"fmt"
	"runtime"
)

// Populated at build time via -ldflags; the zero values identify a local
// development build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line description of the running build.
func Info() string {
	return fmt.Sprintf("Warden %s (%s) - %s %s/%s",
		Version, shortCommit(), BuildTime, runtime.GOOS, runtime.GOARCH)
}

func shortCommit() string {
	if len(Commit) > 8 {
		return Commit[:8]
	}
	return Commit
}
