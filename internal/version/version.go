package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/unibox/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/unibox/internal/version.Commit=abc123
//	  -X github.com/soyeahso/unibox/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("unibox %s (commit: %s, built: %s, %s/%s)",
		Version, Short(), Date, runtime.GOOS, runtime.GOARCH)
}

// Short returns the abbreviated commit hash reported to gateway clients.
func Short() string {
	return short(Commit)
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
