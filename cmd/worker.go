package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker pool",
	Long: `Runs the ingestion workers that consume queued documents, chunk and
embed them and write both indexes. Stop with SIGINT or SIGTERM;
in-flight jobs are marked failed and can be resubmitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Logger.Info("worker pool starting", "workers", a.Config.Pipeline.Workers)
	return a.Worker.Run(ctx)
}
