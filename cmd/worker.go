package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:       "worker <inputs|outputs>",
		Short:     "Run queue workers of one kind without the callback server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"inputs", "outputs"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(args[0], workers)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "parallel consumers (default: from config)")
	return cmd
}

func runWorker(kind string, workers int) error {
	if kind != "inputs" && kind != "outputs" {
		return fmt.Errorf("unknown worker kind %q (want inputs or outputs)", kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("worker startup failed", "error", err)
		return err
	}
	defer cleanup()

	slog.Info("deskgate worker starting", "version", Version, "kind", kind, "queue", a.cfg.Queue.Backend)

	if kind == "inputs" {
		if workers <= 0 {
			workers = a.cfg.Queue.InputWorkers
		}
		err = a.inputsWorker().Run(ctx, workers)
	} else {
		if workers <= 0 {
			workers = a.cfg.Queue.OutputWorkers
		}
		err = a.outputsWorker().Run(ctx, workers)
	}
	return ignoreCanceled(err)
}
