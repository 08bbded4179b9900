package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// RunWorker registers the reconciliation workflow and activities and blocks
// until the context is canceled.
func RunWorker(ctx context.Context, c client.Client, activities *Activities, logger *slog.Logger) error {
	w := worker.New(c, TaskQueue, worker.Options{})
	w.RegisterWorkflow(ReconcileDealsWorkflow)
	w.RegisterActivity(activities.ListPendingDeals)
	w.RegisterActivity(activities.ReconcileDeal)
	w.RegisterActivity(activities.VerifyEventSignatures)

	logger.Info("starting reconciliation worker", "task_queue", TaskQueue)
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	<-ctx.Done()
	logger.Info("stopping reconciliation worker")
	w.Stop()
	return nil
}
