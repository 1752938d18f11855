// Command sandboxctl is a developer diagnostic harness that drives the
// sandbox registry end to end against an in-memory fixture. It is not part
// of the production interception path: a real host drives the registry
// directly from its own process over whatever RPC transport it chooses.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func init() {
	// Disable color decoration when stdout isn't a terminal, matching the
	// teacher's terminal-detection idiom for its own CLI output.
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

func rootMain(command *cobra.Command, arguments []string) {
	if rootConfiguration.version {
		fmt.Println(color.CyanString(sandbox.Version))
		return
	}
	command.Help()
}

var rootCommand = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Drive the sandbox registry for manual and developer verification",
	Run:   rootMain,
}

var rootConfiguration struct {
	help    bool
	version bool
}

func init() {
	flags := rootCommand.Flags()
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")
	flags.BoolVarP(&rootConfiguration.version, "version", "V", false, "Show version information")

	cobra.EnableCommandSorting = false

	rootCommand.AddCommand(
		configureCommand,
		attachCommand,
		trackCommand,
		checkCommand,
		introspectCommand,
		detachCommand,
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
