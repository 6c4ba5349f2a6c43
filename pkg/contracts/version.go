package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the application
	Version = "0.3.0"

	// EnvelopeFormatVersion is the envelope layout version this build reads and writes
	EnvelopeFormatVersion = 1

	// APIVersion is the version of the activation HTTP API
	APIVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version        string `json:"version"`
	BuildTime      string `json:"build_time"`
	GitCommit      string `json:"git_commit"`
	GoVersion      string `json:"go_version"`
	OS             string `json:"os"`
	Architecture   string `json:"architecture"`
	EnvelopeFormat int    `json:"envelope_format"`
	APIVersion     string `json:"api_version"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:        Version,
		BuildTime:      BuildTime,
		GitCommit:      GitCommit,
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Architecture:   runtime.GOARCH,
		EnvelopeFormat: EnvelopeFormatVersion,
		APIVersion:     APIVersion,
	}
}

// UserAgent returns the User-Agent sent by the activation client
func UserAgent() string {
	return fmt.Sprintf("bybx/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// GetFullVersionString returns a detailed version string
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf(
		"bybx v%s (built: %s, commit: %s, go: %s, os: %s/%s, envelope v%d)",
		info.Version,
		info.BuildTime,
		info.GitCommit,
		info.GoVersion,
		info.OS,
		info.Architecture,
		info.EnvelopeFormat,
	)
}
