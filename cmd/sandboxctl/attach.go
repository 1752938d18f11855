package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildxl/sandboxcore/cmd"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/sandbox"
)

func attachMain(command *cobra.Command, arguments []string) error {
	r := sandbox.New(&printingSink{}, func() host.InterceptionListener { return noopListener{} })

	pid := uint64(attachConfiguration.pid)
	fmt.Printf("attaching client %d (listener initializes asynchronously on first client)\n", pid)
	if _, err := r.AllocateClient(pid, client.KextConfig{}, host.AsyncFailureCallback{}); err != nil {
		return fmt.Errorf("allocate client: %w", err)
	}

	snap := r.Introspect()
	fmt.Printf("attached clients: %d\n", snap.AttachedClients)

	fmt.Printf("detaching client %d (listener uninitializes on last client)\n", pid)
	if err := r.DeallocateClient(pid); err != nil {
		return fmt.Errorf("deallocate client: %w", err)
	}
	return nil
}

var attachCommand = &cobra.Command{
	Use:   "attach",
	Short: "Attach and detach a single client, demonstrating the listener lifecycle",
	Run:   cmd.Mainify(attachMain),
}

var attachConfiguration struct {
	help bool
	pid  int
}

func init() {
	flags := attachCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&attachConfiguration.help, "help", "h", false, "Show help information")
	flags.IntVar(&attachConfiguration.pid, "pid", 1, "Client process id to attach")
}
