package logging

import (
	"log"
	"os"
)

// debugEnabled mirrors sandbox.DebugEnabled but is read independently (via
// the same environment variable) to avoid an import cycle between this leaf
// package and pkg/sandbox, which depends on logging.
var debugEnabled bool

func init() {
	// Set the global logger to use standard output.
	log.SetOutput(os.Stdout)

	debugEnabled = os.Getenv("SANDBOXCORE_DEBUG") == "1"
}
