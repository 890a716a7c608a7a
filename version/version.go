// Package version exposes the build version of the eve-flow engine.
package version

// Version is the semantic version of this build. Overridden at link time via
// -ldflags "-X eve.evalgo.org/version.Version=...".
var Version = "0.0.1-dev"

// GetEVEVersion returns the current engine version string.
func GetEVEVersion() string {
	return Version
}
