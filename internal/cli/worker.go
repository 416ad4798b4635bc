package cli

import (
	"os"

	"github.com/glorpus-work/qpserver/pkg/worker/process"
	"github.com/glorpus-work/qpserver/pkg/worker/runtime"
	"github.com/spf13/cobra"
)

// NewWorkerCmd creates the hidden worker command. The pool re-executes the
// server binary with this command to spawn an isolated worker subprocess;
// it is not meant to be invoked by hand. Stdin and stdout carry the IPC
// frames, so the runtime must never write anything else to them.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    process.WorkerCommand,
		Short:  "Run a worker subprocess (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runtime.New(os.Stdin, os.Stdout).Run(cmd.Context())
		},
	}

	return cmd
}
