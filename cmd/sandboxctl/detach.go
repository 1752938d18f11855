package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/cmd"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func detachMain(command *cobra.Command, arguments []string) error {
	r := sandbox.New(&printingSink{}, func() host.InterceptionListener { return noopListener{} })

	clientPid := uint64(detachConfiguration.pid)
	if _, err := r.AllocateClient(clientPid, client.KextConfig{}, host.AsyncFailureCallback{}); err != nil {
		return fmt.Errorf("allocate client: %w", err)
	}

	rootPid := uint64(100)
	manifest := buildFixtureManifest(`C:\tools\cl.exe`)
	if _, err := r.TrackRootProcess(clientPid, manifest, rootPid, `C:\tools\cl.exe`); err != nil {
		return fmt.Errorf("track root process: %w", err)
	}
	if _, err := r.TrackChildProcess(rootPid+1, rootPid); err != nil {
		return fmt.Errorf("track child process: %w", err)
	}

	before := r.Introspect()
	fmt.Printf("before detach: tracked processes=%d\n", before.Counters.TrackedProcesses)

	if err := r.DeallocateClient(clientPid); err != nil {
		return fmt.Errorf("deallocate client: %w", err)
	}

	after := r.Introspect()
	fmt.Printf("after detach: tracked processes=%d (orphaned processes are removed when their owning client detaches)\n", after.Counters.TrackedProcesses)

	return nil
}

var detachCommand = &cobra.Command{
	Use:   "detach",
	Short: "Detach a client and show that its orphaned processes are removed",
	Run:   cmd.Mainify(detachMain),
}

var detachConfiguration struct {
	help bool
	pid  int
}

func init() {
	flags := detachCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&detachConfiguration.help, "help", "h", false, "Show help information")
	flags.IntVar(&detachConfiguration.pid, "pid", 1, "Client process id to detach")
}
