// Package queue defines the Queue interface the reconciler consumes
// to size capacity against a pending-task backlog, plus an HTTP
// implementation adapted from the teacher's GitHub Actions queued-jobs
// client.
package queue

import "context"

// Queue reports how many tasks are pending for a worker-type.
type Queue interface {
	PendingTasks(ctx context.Context, workerType string) (int, error)
}
