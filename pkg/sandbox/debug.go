package sandbox

import "os"

// DebugEnabled controls whether verbose diagnostic logging is enabled across
// the sandbox core. It is set automatically from the SANDBOXCORE_DEBUG
// environment variable.
var DebugEnabled bool

func init() {
	DebugEnabled = os.Getenv("SANDBOXCORE_DEBUG") == "1"
}
