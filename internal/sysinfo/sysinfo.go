// Package sysinfo reports build and host information about the running bridge.
package sysinfo

import (
	"os"
	"runtime"
	"time"
)

var (
	// Version is the bridge version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/ztbridge/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

// Info describes the process serving a bridge.
type Info struct {
	Version       string `json:"version"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	GoVersion     string `json:"go_version"`
	StartTime     int64  `json:"start_time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Collect gathers the current process information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:       Version,
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		GoVersion:     runtime.Version(),
		StartTime:     startTime.Unix(),
		UptimeSeconds: int64(Uptime().Seconds()),
	}
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
