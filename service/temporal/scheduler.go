package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ScheduleID is the fixed id of the reconciliation schedule.
const ScheduleID = "escrowd-reconcile-schedule"

// EnsureReconcileSchedule creates the reconciliation schedule if it does not
// already exist. Safe to call on every startup.
func EnsureReconcileSchedule(ctx context.Context, c client.Client, logger *slog.Logger, interval time.Duration, batchSize int) error {
	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "escrowd-reconcile-run",
			Workflow:  ReconcileDealsWorkflow,
			Args:      []any{ReconcileParams{BatchSize: batchSize}},
			TaskQueue: TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil {
		var already *serviceerror.AlreadyExists
		if errors.As(err, &already) {
			logger.Debug("reconcile schedule already exists", "schedule_id", ScheduleID)
			return nil
		}
		return fmt.Errorf("failed to create reconcile schedule: %w", err)
	}
	logger.Info("created reconcile schedule", "schedule_id", ScheduleID, "interval", interval)
	return nil
}

// DeleteReconcileSchedule removes the schedule. Used by the operator CLI.
func DeleteReconcileSchedule(ctx context.Context, c client.Client) error {
	handle := c.ScheduleClient().GetHandle(ctx, ScheduleID)
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete reconcile schedule: %w", err)
	}
	return nil
}

// TriggerReconcileNow fires an immediate run outside the schedule interval.
func TriggerReconcileNow(ctx context.Context, c client.Client) error {
	handle := c.ScheduleClient().GetHandle(ctx, ScheduleID)
	if err := handle.Trigger(ctx, client.ScheduleTriggerOptions{}); err != nil {
		return fmt.Errorf("failed to trigger reconcile run: %w", err)
	}
	return nil
}
