package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"relay/internal/metrics"
	"relay/internal/model"
	"relay/internal/queue"
	"relay/internal/store"
)

// Worker polls the queue and runs due delivery attempts on a bounded pool that
// outlives each poll, so a slow attempt only ever occupies its own slot.
type Worker struct {
	Queue       queue.Queue
	Scheduler   *Scheduler
	Log         logrus.FieldLogger
	Interval    time.Duration
	Batch       int
	Concurrency int
	// RetryDelay is how long a job waits after a storage error.
	RetryDelay time.Duration
	// SweepInterval is how often the delivery ledger is scanned for pending
	// work that has no job, e.g. after a crash between claim and record.
	// Zero disables the periodic sweep; Start always sweeps once.
	SweepInterval time.Duration
	// SweepGrace is how overdue a delivery must be before the sweep treats its
	// job as lost. It must exceed an attempt timeout plus the poll interval.
	SweepGrace time.Duration
	Now        func() time.Time

	once     sync.Once
	pool     errgroup.Group
	inflight atomic.Int32
}

func NewWorker(q queue.Queue, s *Scheduler, log logrus.FieldLogger) *Worker {
	return &Worker{
		Queue:         q,
		Scheduler:     s,
		Log:           log,
		Interval:      time.Second,
		Batch:         50,
		Concurrency:   8,
		RetryDelay:    5 * time.Second,
		SweepInterval: time.Minute,
		SweepGrace:    2 * time.Minute,
		Now:           time.Now,
	}
}

func (w *Worker) limit() int {
	if w.Concurrency < 1 {
		return 1
	}
	return w.Concurrency
}

func (w *Worker) init() {
	w.once.Do(func() { w.pool.SetLimit(w.limit()) })
}

// Start sweeps the ledger once, then polls on a ticker until ctx is done. The
// returned channel closes after every in-flight attempt has finished.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	w.init()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.wait()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		var sweeps <-chan time.Time
		if w.SweepInterval > 0 {
			st := time.NewTicker(w.SweepInterval)
			defer st.Stop()
			sweeps = st.C
		}
		w.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processOnce(ctx)
			case <-sweeps:
				w.sweep(ctx)
			}
		}
	}()
	return done
}

// processOnce claims as many due jobs as there are free slots and starts an
// attempt for each. It does not wait for them; it returns the number claimed.
func (w *Worker) processOnce(ctx context.Context) int {
	w.init()
	free := w.limit() - int(w.inflight.Load())
	if free <= 0 {
		return 0
	}
	if w.Batch > 0 && w.Batch < free {
		free = w.Batch
	}
	jobs, err := w.Queue.Due(ctx, w.Now(), free)
	if err != nil {
		w.Log.WithError(err).Warn("poll delivery queue failed")
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}
	metrics.QueueClaimed.Add(float64(len(jobs)))
	for _, job := range jobs {
		w.inflight.Add(1)
		started := w.pool.TryGo(func() error {
			defer w.inflight.Add(-1)
			w.run(ctx, job)
			return nil
		})
		if !started {
			// A finishing goroutine has not released its slot yet.
			w.inflight.Add(-1)
			if err := w.Queue.Enqueue(context.WithoutCancel(ctx), job, w.Now()); err != nil {
				w.Log.WithError(err).WithField("delivery_id", job.DeliveryID).Error("hand back job failed")
			}
		}
	}
	return len(jobs)
}

// wait blocks until every started attempt has returned.
func (w *Worker) wait() { _ = w.pool.Wait() }

// sweep re-enqueues deliveries that are still pending or retrying well past
// their due time. Both queues keep one job per delivery, so a job that was
// not actually lost is only rescheduled.
func (w *Worker) sweep(ctx context.Context) int {
	now := w.Now()
	due, err := w.Scheduler.Deliveries.DueDeliveries(ctx, now.Add(-w.SweepGrace), w.Batch)
	if err != nil {
		w.Log.WithError(err).Warn("sweep delivery ledger failed")
		return 0
	}
	n := 0
	for _, d := range due {
		if err := w.Queue.Enqueue(ctx, queue.Job{DeliveryID: d.ID, TenantID: d.TenantID}, now); err != nil {
			w.Log.WithError(err).WithField("delivery_id", d.ID).Error("re-enqueue overdue delivery failed")
			continue
		}
		n++
	}
	if n > 0 {
		metrics.QueueRecovered.Add(float64(n))
		w.Log.WithField("count", n).Warn("re-enqueued overdue deliveries")
	}
	return n
}

func (w *Worker) run(ctx context.Context, job queue.Job) {
	log := w.Log.WithField("delivery_id", job.DeliveryID)
	rec, err := w.Scheduler.Step(ctx, job.DeliveryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("dropping job for unknown delivery")
		return
	case err != nil:
		// Hand the job back so it is not lost. Use a fresh context: ctx may be done.
		due := w.Now().Add(w.RetryDelay)
		if ctx.Err() != nil {
			due = w.Now()
		}
		if qerr := w.Queue.Enqueue(context.WithoutCancel(ctx), job, due); qerr != nil {
			log.WithError(qerr).Error("requeue delivery failed")
		}
		if ctx.Err() == nil {
			log.WithError(err).Warn("delivery step failed, requeued")
		}
		return
	}
	if rec.State == model.DeliveryRetrying && rec.NextRetryAt != nil {
		if err := w.Queue.Enqueue(ctx, job, *rec.NextRetryAt); err != nil {
			log.WithError(err).Error("schedule retry failed")
		}
	}
}
