// Package temporal runs the reconciliation loop: a scheduled workflow scans
// deals with pending on-chain legs, re-checks their accounts and signatures,
// and repairs store drift through the same atomic transition path the API
// uses.
package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
)

// TaskQueue is the default reconciliation task queue.
const TaskQueue = "escrowd-reconcile"

// slogAdapter bridges slog into the Temporal SDK's logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debug(msg string, keyvals ...any) { a.logger.Debug(msg, keyvals...) }
func (a slogAdapter) Info(msg string, keyvals ...any)  { a.logger.Info(msg, keyvals...) }
func (a slogAdapter) Warn(msg string, keyvals ...any)  { a.logger.Warn(msg, keyvals...) }
func (a slogAdapter) Error(msg string, keyvals ...any) { a.logger.Error(msg, keyvals...) }

var _ log.Logger = slogAdapter{}

// NewClient dials the Temporal server.
func NewClient(hostPort, namespace string, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    slogAdapter{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", hostPort, err)
	}
	return c, nil
}
