package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/cmd"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func introspectMain(command *cobra.Command, arguments []string) error {
	r := sandbox.New(&printingSink{}, func() host.InterceptionListener { return noopListener{} })

	clientPid := uint64(1)
	if _, err := r.AllocateClient(clientPid, client.KextConfig{}, host.AsyncFailureCallback{}); err != nil {
		return fmt.Errorf("allocate client: %w", err)
	}
	defer r.DeallocateClient(clientPid)

	rootPid := uint64(100)
	manifest := buildFixtureManifest(`C:\tools\cl.exe`)
	if _, err := r.TrackRootProcess(clientPid, manifest, rootPid, `C:\tools\cl.exe`); err != nil {
		return fmt.Errorf("track root process: %w", err)
	}
	for i := 0; i < introspectConfiguration.children; i++ {
		if _, err := r.TrackChildProcess(rootPid+uint64(i)+1, rootPid); err != nil {
			return fmt.Errorf("track child process: %w", err)
		}
	}

	snap := r.Introspect()
	fmt.Printf("attached clients: %s\n", humanize.Comma(int64(snap.AttachedClients)))
	fmt.Printf("pips tracked:       %s\n", humanize.Comma(int64(snap.Counters.PipsTracked)))
	fmt.Printf("pips untracked:     %s\n", humanize.Comma(int64(snap.Counters.PipsUntracked)))
	fmt.Printf("conflicting tracks: %s\n", humanize.Comma(int64(snap.Counters.ConflictingTracks)))
	fmt.Printf("manifest failures:  %s\n", humanize.Comma(int64(snap.Counters.ManifestFailures)))
	fmt.Printf("tracked processes:  %s\n", humanize.Comma(snap.Counters.TrackedProcesses))

	for _, pip := range snap.Pips {
		fmt.Printf("pip root=%d client=%d tree-size=%s children=%d (capped at %d)\n",
			pip.RootPid, pip.ClientPid, humanize.Comma(int64(pip.TreeSize)), len(pip.Children), sandbox.MaxIntrospectedChildren)
	}

	return nil
}

var introspectCommand = &cobra.Command{
	Use:   "introspect",
	Short: "Print a diagnostic snapshot of attached clients, counters, and tracked pips",
	Run:   cmd.Mainify(introspectMain),
}

var introspectConfiguration struct {
	help     bool
	children int
}

func init() {
	flags := introspectCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&introspectConfiguration.help, "help", "h", false, "Show help information")
	flags.IntVar(&introspectConfiguration.children, "children", 5, "Number of child processes to track before snapshotting")
}
