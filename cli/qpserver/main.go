package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glorpus-work/qpserver/internal/cli"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}

	cancel()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qpserver",
		Short: "Question package application server",
		Long: `qpserver executes third-party question packages on behalf of an LMS.
Packages run in isolated worker subprocesses with memory and concurrency
budgets, and are collected from configured repositories and a local
directory.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: built-in defaults plus QPY_* environment)")

	cli.ConfigPath = &configPath

	cmd.AddCommand(
		cli.NewServeCmd(),
		cli.NewWorkerCmd(),
		cli.NewConfigCmd(),
		cli.NewVersionCmd(),
	)

	return cmd
}
