package sandbox

import "fmt"

const (
	// VersionMajor is the current major version of the sandbox core.
	VersionMajor = 0
	// VersionMinor is the current minor version of the sandbox core.
	VersionMinor = 1
	// VersionPatch is the current patch version of the sandbox core.
	VersionPatch = 0
)

// Version is the dotted version string, assembled once at package init.
var Version string

func init() {
	Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
