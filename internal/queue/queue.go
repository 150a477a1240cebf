// Package queue holds delivery jobs until they are due.
package queue

import (
	"context"
	"time"
)

// Job asks a worker to run the next scheduled attempt of a delivery.
type Job struct {
	DeliveryID string `json:"deliveryId"`
	TenantID   string `json:"tenantId"`
}

// Queue is a delayed job queue. Due claims jobs: a claimed job is never handed
// out again unless it is enqueued again.
type Queue interface {
	Enqueue(ctx context.Context, job Job, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Len(ctx context.Context) (int, error)
}
