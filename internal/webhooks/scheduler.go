package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"relay/internal/metrics"
	"relay/internal/model"
	"relay/internal/store"
)

// DefaultSchedule is the delay before each retry. Four attempts in total.
var DefaultSchedule = []time.Duration{1 * time.Second, 10 * time.Second, 60 * time.Second}

var ErrSubscriberDisabled = errors.New("subscriber is disabled")

// Attempter performs a single signed POST.
type Attempter interface {
	Execute(ctx context.Context, r Request) (AttemptOutcome, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scheduler drives deliveries through the retry schedule and records every attempt.
type Scheduler struct {
	Subscribers store.Subscribers
	Deliveries  store.Deliveries
	Exec        Attempter
	Schedule    []time.Duration
	Log         logrus.FieldLogger

	Now   func() time.Time
	Sleep SleepFunc
	// OnOutcome is called after each recorded attempt or cancellation.
	OnOutcome func(model.Delivery)
}

func NewScheduler(subs store.Subscribers, dels store.Deliveries, exec Attempter, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		Subscribers: subs,
		Deliveries:  dels,
		Exec:        exec,
		Schedule:    DefaultSchedule,
		Log:         log,
		Now:         time.Now,
		Sleep:       sleepContext,
	}
}

// MaxAttempts is the number of automatic attempts a delivery gets.
func (s *Scheduler) MaxAttempts() int {
	return len(s.Schedule) + 1
}

func (s *Scheduler) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Step runs the next scheduled attempt of a delivery. Terminal deliveries and
// deliveries whose next retry is still in the future are returned unchanged. A delivery whose subscriber is gone or disabled is cancelled.
func (s *Scheduler) Step(ctx context.Context, deliveryID string) (model.Delivery, error) {
	d, err := s.Deliveries.GetDelivery(ctx, "", deliveryID)
	if err != nil {
		return model.Delivery{}, err
	}
	if model.IsTerminalState(d.State) {
		return d, nil
	}
	sub, err := s.Subscribers.GetSubscriber(ctx, d.TenantID, d.SubscriberID)
	if errors.Is(err, store.ErrNotFound) {
		return s.cancel(ctx, d, "subscriber deleted")
	}
	if err != nil {
		return d, err
	}
	if !sub.Enabled {
		return s.cancel(ctx, d, "subscriber disabled")
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(s.now()) {
		// Another job already made this attempt; the retry is not due yet.
		return d, nil
	}
	return s.attempt(ctx, d, sub, false)
}

// Run drives a delivery until it is terminal, waiting out each retry delay.
// It returns early with ctx.Err() if ctx is cancelled while waiting.
func (s *Scheduler) Run(ctx context.Context, deliveryID string) (model.Delivery, error) {
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for {
		d, err := s.Step(ctx, deliveryID)
		if err != nil {
			return d, err
		}
		if model.IsTerminalState(d.State) || d.NextRetryAt == nil {
			return d, nil
		}
		if err := sleep(ctx, d.NextRetryAt.Sub(s.now())); err != nil {
			return d, err
		}
	}
}

// RetryOnce makes one manual attempt outside the automatic schedule. A success
// marks the delivery succeeded; a failure is recorded but leaves the state and
// any pending automatic retry as they are.
func (s *Scheduler) RetryOnce(ctx context.Context, tenantID, deliveryID string) (model.Delivery, error) {
	d, err := s.Deliveries.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return model.Delivery{}, err
	}
	sub, err := s.Subscribers.GetSubscriber(ctx, d.TenantID, d.SubscriberID)
	if err != nil {
		return d, err
	}
	if !sub.Enabled {
		return d, ErrSubscriberDisabled
	}
	return s.attempt(ctx, d, sub, true)
}

// TestPayloadData is the body data of a test delivery.
var TestPayloadData = map[string]any{
	"message": "This is a test webhook delivery.",
	"test":    true,
}

// SendTest delivers a single webhook.test event to a subscriber, with no retries.
func (s *Scheduler) SendTest(ctx context.Context, tenantID, subscriberID string) (model.Delivery, error) {
	sub, err := s.Subscribers.GetSubscriber(ctx, tenantID, subscriberID)
	if err != nil {
		return model.Delivery{}, err
	}
	payload, err := BuildPayload(model.EventTest, s.now(), TestPayloadData)
	if err != nil {
		return model.Delivery{}, err
	}
	d, err := s.Deliveries.CreateDelivery(ctx, model.Delivery{
		TenantID:     tenantID,
		SubscriberID: sub.ID,
		Event:        model.EventTest,
		Payload:      payload,
		MaxAttempts:  1,
	})
	if err != nil {
		return model.Delivery{}, err
	}
	return s.attempt(ctx, d, sub, false)
}

// BuildPayload serializes the outbound body {"event","timestamp","data"}.
func BuildPayload(event string, at time.Time, data any) (json.RawMessage, error) {
	b, err := json.Marshal(model.EventPayload{Event: event, Timestamp: at.UTC().Format(time.RFC3339), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// NewSecret returns a fresh signing secret.
func NewSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

func (s *Scheduler) attempt(ctx context.Context, d model.Delivery, sub model.Subscriber, manual bool) (model.Delivery, error) {
	log := s.logger().WithFields(logrus.Fields{
		"delivery_id":   d.ID,
		"subscriber_id": sub.ID,
		"tenant_id":     d.TenantID,
		"event":         d.Event,
		"manual":        manual,
	})
	out, err := s.Exec.Execute(ctx, Request{
		URL:        sub.URL,
		Payload:    d.Payload,
		Signature:  SignAt(d.Payload, sub.Secret, s.now()),
		Event:      d.Event,
		DeliveryID: d.ID,
	})
	if err != nil {
		// Misconfigured target: retrying cannot help.
		out = AttemptOutcome{Error: err.Error()}
	} else if out.StatusCode == nil && ctx.Err() != nil {
		// Shutting down; the attempt does not count.
		return d, ctx.Err()
	}
	at := s.now()
	upd := model.AttemptUpdate{
		Manual:     manual,
		StatusCode: out.StatusCode,
		Response:   out.ResponseBody,
		DurationMs: out.DurationMs,
		Error:      out.Error,
		At:         at,
	}
	switch {
	case out.Success:
		upd.State = model.DeliverySucceeded
	case manual:
		// A failed manual attempt is recorded without touching the schedule.
	default:
		upd.ExpectState = d.State
		upd.State = model.DeliveryExhausted
		if next, ok := s.nextDelay(d, err == nil); ok {
			t := at.Add(next)
			upd.State = model.DeliveryRetrying
			upd.NextRetryAt = &t
		}
	}

	rec, rerr := s.Deliveries.RecordAttempt(ctx, d.ID, upd)
	if rerr != nil {
		log.WithError(rerr).Error("record attempt failed")
		return d, rerr
	}
	s.observe(rec, out)
	log = log.WithFields(logrus.Fields{"attempt": rec.Attempts, "state": rec.State, "duration_ms": out.DurationMs})
	if out.StatusCode != nil {
		log = log.WithField("status", *out.StatusCode)
	}

	switch {
	case upd.State == "" || rec.State != upd.State:
		log.WithField("error", out.Error).Info("webhook attempt recorded, state unchanged")
	case rec.State == model.DeliverySucceeded:
		log.Info("webhook delivered")
		if herr := s.Subscribers.MarkSubscriberSuccess(ctx, sub.ID, *out.StatusCode, at); herr != nil {
			log.WithError(herr).Warn("update subscriber health failed")
		}
	case rec.State == model.DeliveryExhausted:
		log.WithField("error", out.Error).Warn("webhook delivery exhausted")
		if herr := s.Subscribers.MarkSubscriberFailure(ctx, sub.ID, out.StatusCode, at); herr != nil {
			log.WithError(herr).Warn("update subscriber health failed")
		}
	default:
		log.WithField("error", out.Error).Info("webhook attempt failed, retry scheduled")
	}
	s.notify(rec)
	return rec, nil
}

// nextDelay returns the wait before the next automatic attempt, or false when
// the attempt just made was the last one.
func (s *Scheduler) nextDelay(d model.Delivery, retryable bool) (time.Duration, bool) {
	if !retryable {
		return 0, false
	}
	n := d.ScheduledAttempts() + 1
	max := d.MaxAttempts
	if max <= 0 {
		max = s.MaxAttempts()
	}
	if n >= max || n > len(s.Schedule) {
		return 0, false
	}
	return s.Schedule[n-1], true
}

func (s *Scheduler) cancel(ctx context.Context, d model.Delivery, reason string) (model.Delivery, error) {
	rec, err := s.Deliveries.CancelDelivery(ctx, d.ID, reason, s.now())
	if err != nil {
		return d, err
	}
	s.logger().WithFields(logrus.Fields{"delivery_id": d.ID, "subscriber_id": d.SubscriberID, "reason": reason}).Info("webhook delivery cancelled")
	metrics.DeliveriesTerminal.WithLabelValues(rec.Event, rec.State).Inc()
	s.notify(rec)
	return rec, nil
}

func (s *Scheduler) observe(d model.Delivery, out AttemptOutcome) {
	outcome := metrics.OutcomeTransport
	switch {
	case out.Success:
		outcome = metrics.OutcomeSuccess
	case out.StatusCode != nil:
		outcome = metrics.OutcomeRejected
	}
	metrics.DeliveryAttempts.WithLabelValues(d.Event, outcome).Inc()
	metrics.DeliveryLatency.WithLabelValues(d.Event, outcome).Observe(float64(out.DurationMs))
	if model.IsTerminalState(d.State) {
		metrics.DeliveriesTerminal.WithLabelValues(d.Event, d.State).Inc()
	}
}

func (s *Scheduler) notify(d model.Delivery) {
	if s.OnOutcome != nil {
		s.OnOutcome(d)
	}
}
