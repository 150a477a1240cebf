package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	job Job
	due time.Time
}

// Memory is a process-local Queue. Jobs are lost on restart.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem // deliveryID -> item
}

func NewMemory() *Memory {
	return &Memory{items: map[string]memItem{}}
}

func (m *Memory) Enqueue(ctx context.Context, job Job, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[job.DeliveryID] = memItem{job: job, due: due}
	return nil
}

func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []memItem
	for _, it := range m.items {
		if !it.due.After(now) {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].due.Before(ready[j].due) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Job, 0, len(ready))
	for _, it := range ready {
		delete(m.items, it.job.DeliveryID)
		out = append(out, it.job)
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}
