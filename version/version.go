// Package version reports the engine release and the build information
// embedded by the Go toolchain.
package version

import "runtime/debug"

// Version is the engine release, overridable at build time with
// -ldflags "-X bpmn.evalgo.org/version.Version=v1.2.3".
var Version = "dev"

// Info is the version snapshot exposed by the CLI and the health endpoint.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Commit    string `json:"commit,omitempty"`
}

// Get reads the build metadata of the running binary.
func Get() Info {
	info := Info{Version: Version}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" {
			info.Commit = setting.Value
			break
		}
	}
	return info
}
