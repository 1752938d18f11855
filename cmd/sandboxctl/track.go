package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/cmd"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func trackMain(command *cobra.Command, arguments []string) error {
	r := sandbox.New(&printingSink{}, func() host.InterceptionListener { return noopListener{} })

	clientPid := uint64(1)
	c, err := r.AllocateClient(clientPid, client.KextConfig{}, host.AsyncFailureCallback{})
	if err != nil {
		return fmt.Errorf("allocate client: %w", err)
	}
	defer r.DeallocateClient(clientPid)

	if cpu, ram, err := sampleHost(); err == nil {
		c.Resources.UpdateCpuUsage(cpu)
		c.Resources.UpdateAvailableRam(ram)
		fmt.Printf("pushed host sample: cpu=%d.%02d%% available-ram=%dMB\n", cpu/100, cpu%100, ram)
	}

	rootPid := uint64(trackConfiguration.rootPid)
	manifest := buildFixtureManifest(trackConfiguration.processPath)
	root, err := r.TrackRootProcess(clientPid, manifest, rootPid, trackConfiguration.processPath)
	if err != nil {
		return fmt.Errorf("track root process: %w", err)
	}
	fmt.Printf("tracked root pid=%d path=%s\n", root.Pid, root.Path)

	for i := 0; i < trackConfiguration.children; i++ {
		childPid := rootPid + uint64(i) + 1
		inserted, err := r.TrackChildProcess(childPid, rootPid)
		if err != nil {
			return fmt.Errorf("track child process %d: %w", childPid, err)
		}
		fmt.Printf("tracked child pid=%d new=%v tree-size=%d\n", childPid, inserted, root.Pip.TreeSize())
	}

	return nil
}

var trackCommand = &cobra.Command{
	Use:   "track",
	Short: "Track a root process and its children against an in-memory manifest fixture",
	Run:   cmd.Mainify(trackMain),
}

var trackConfiguration struct {
	help        bool
	rootPid     int
	processPath string
	children    int
}

func init() {
	flags := trackCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&trackConfiguration.help, "help", "h", false, "Show help information")
	flags.IntVar(&trackConfiguration.rootPid, "root-pid", 100, "Root process id to track")
	flags.StringVar(&trackConfiguration.processPath, "process-path", `C:\tools\cl.exe`, "Root process executable path")
	flags.IntVar(&trackConfiguration.children, "children", 3, "Number of child processes to track under the root")
}
