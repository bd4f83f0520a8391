package version

import "runtime"

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0"

// GetVersion returns the version of simpilot
func GetVersion() string {
	return Version
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() map[string]interface{} {
	return map[string]interface{}{
		"version":    Version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
