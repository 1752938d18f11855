package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/cmd"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/resource"
	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func configureMain(command *cobra.Command, arguments []string) error {
	requested := client.KextConfig{
		ReportQueueSizeMB:    configureConfiguration.reportQueueSizeMB,
		EnableReportBatching: configureConfiguration.batching,
		ResourceThresholds: resource.Thresholds{
			CpuUsageBlockPercent: configureConfiguration.cpuBlockPercent,
			MinAvailableRamMB:    configureConfiguration.minAvailableRamMB,
		},
	}

	r := sandbox.New(&printingSink{}, func() host.InterceptionListener { return noopListener{} })
	clientPid := uint64(1)
	c, err := r.AllocateClient(clientPid, requested, host.AsyncFailureCallback{})
	if err != nil {
		return fmt.Errorf("allocate client: %w", err)
	}
	defer r.DeallocateClient(clientPid)

	fmt.Printf("requested queue-size-mb=%d -> normalized=%d\n", requested.ReportQueueSizeMB, c.Config.ReportQueueSizeMB)
	fmt.Printf("batching=%v cpu-block=%d%% min-ram=%dMB\n",
		c.Config.EnableReportBatching, c.Config.ResourceThresholds.CpuUsageBlockPercent, c.Config.ResourceThresholds.MinAvailableRamMB)

	return nil
}

var configureCommand = &cobra.Command{
	Use:   "configure",
	Short: "Show how a KextConfig is normalized before being applied to a client",
	Run:   cmd.Mainify(configureMain),
}

var configureConfiguration struct {
	help              bool
	reportQueueSizeMB int
	batching          bool
	cpuBlockPercent   int
	minAvailableRamMB int
}

func init() {
	flags := configureCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&configureConfiguration.help, "help", "h", false, "Show help information")
	flags.IntVar(&configureConfiguration.reportQueueSizeMB, "queue-size-mb", 0, "Requested report queue size in megabytes (0 selects the default)")
	flags.BoolVar(&configureConfiguration.batching, "batching", false, "Enable report batching")
	flags.IntVar(&configureConfiguration.cpuBlockPercent, "cpu-block-percent", 0, "CPU usage percentage at or above which new processes are throttled")
	flags.IntVar(&configureConfiguration.minAvailableRamMB, "min-available-ram-mb", 0, "Minimum available RAM in megabytes below which new processes are throttled")
}
