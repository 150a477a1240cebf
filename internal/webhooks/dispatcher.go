package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"relay/internal/model"
	"relay/internal/queue"
	"relay/internal/store"
)

var ErrUnknownEvent = errors.New("unknown event")

// Dispatcher fans an event out to every matching subscriber of a tenant.
// With a Queue each delivery becomes a job for the Worker; without one each
// delivery runs its whole schedule on its own goroutine.
type Dispatcher struct {
	Subscribers store.Subscribers
	Deliveries  store.Deliveries
	Scheduler   *Scheduler
	Queue       queue.Queue
	Log         logrus.FieldLogger
	Now         func() time.Time

	base   context.Context
	cancel context.CancelFunc
	inline errgroup.Group
}

func NewDispatcher(subs store.Subscribers, dels store.Deliveries, sched *Scheduler, q queue.Queue, log logrus.FieldLogger) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		Subscribers: subs,
		Deliveries:  dels,
		Scheduler:   sched,
		Queue:       q,
		Log:         log,
		Now:         time.Now,
		base:        base,
		cancel:      cancel,
	}
}

// Dispatch creates one delivery per enabled subscriber of event and starts it.
// It returns the created delivery ids. Repeated calls are not deduplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, event string, data any) ([]string, error) {
	if !model.IsCatalogEvent(event) {
		return nil, ErrUnknownEvent
	}
	subs, err := d.Subscribers.SubscribersForEvent(ctx, tenantID, event)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	payload, err := BuildPayload(event, now, data)
	if err != nil {
		return nil, err
	}
	log := d.Log.WithFields(logrus.Fields{"tenant_id": tenantID, "event": event})
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		rec, err := d.Deliveries.CreateDelivery(ctx, model.Delivery{
			TenantID:     tenantID,
			SubscriberID: s.ID,
			Event:        event,
			Payload:      payload,
			MaxAttempts:  d.Scheduler.MaxAttempts(),
		})
		if err != nil {
			log.WithError(err).WithField("subscriber_id", s.ID).Error("create delivery failed")
			continue
		}
		ids = append(ids, rec.ID)
		d.start(ctx, rec, now)
	}
	log.WithField("deliveries", len(ids)).Debug("event dispatched")
	return ids, nil
}

func (d *Dispatcher) start(ctx context.Context, rec model.Delivery, now time.Time) {
	if d.Queue != nil {
		err := d.Queue.Enqueue(ctx, queue.Job{DeliveryID: rec.ID, TenantID: rec.TenantID}, now)
		if err == nil {
			return
		}
		d.Log.WithError(err).WithField("delivery_id", rec.ID).Warn("enqueue failed, delivering inline")
	}
	id := rec.ID
	d.inline.Go(func() error {
		if _, err := d.Scheduler.Run(d.base, id); err != nil {
			d.Log.WithError(err).WithField("delivery_id", id).Warn("inline delivery stopped")
		}
		return nil
	})
}

// Wait blocks until every inline delivery started so far has settled.
func (d *Dispatcher) Wait() {
	_ = d.inline.Wait()
}

// Close stops inline deliveries at their next wait and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.Wait()
}
