package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ReconcileParams bounds a single reconciliation run.
type ReconcileParams struct {
	BatchSize int `json:"batch_size"`
}

// ReconcileReport summarizes what a run found and fixed.
type ReconcileReport struct {
	Checked    int `json:"checked"`
	Consistent int `json:"consistent"`
	Awaiting   int `json:"awaiting"`
	Repaired   int `json:"repaired"`
	Manual     int `json:"manual"`
	Failed     int `json:"failed"`
}

// ReconcileDealsWorkflow scans pending deals and reconciles each against the
// chain. Per-deal failures are counted, not fatal; a run always produces a
// report.
func ReconcileDealsWorkflow(ctx workflow.Context, params ReconcileParams) (*ReconcileReport, error) {
	logger := workflow.GetLogger(ctx)
	if params.BatchSize <= 0 {
		params.BatchSize = 200
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	var a *Activities
	var dealIDs []string
	if err := workflow.ExecuteActivity(ctx, a.ListPendingDeals, params.BatchSize).Get(ctx, &dealIDs); err != nil {
		return nil, err
	}

	report := &ReconcileReport{Checked: len(dealIDs)}
	for _, id := range dealIDs {
		var outcome string
		if err := workflow.ExecuteActivity(ctx, a.ReconcileDeal, id).Get(ctx, &outcome); err != nil {
			logger.Warn("failed to reconcile deal", "deal_id", id, "error", err)
			report.Failed++
			continue
		}
		switch outcome {
		case OutcomeConsistent:
			report.Consistent++
		case OutcomeAwaitingConfirm:
			report.Awaiting++
		case OutcomeRepaired:
			report.Repaired++
		case OutcomeManual:
			report.Manual++
		}
	}
	logger.Info("reconciliation run complete",
		"checked", report.Checked, "repaired", report.Repaired,
		"awaiting", report.Awaiting, "manual", report.Manual, "failed", report.Failed)
	return report, nil
}
