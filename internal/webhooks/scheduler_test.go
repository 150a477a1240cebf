package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/model"
	"relay/internal/store"
)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// endpoint answers with the next status in codes, repeating the last one.
type endpoint struct {
	*httptest.Server
	hits   atomic.Int32
	secret string
	clock  *fakeClock

	mu       sync.Mutex
	codes    []int
	badSigs  int
	lastBody []byte
}

func newEndpoint(t *testing.T, secret string, clock *fakeClock, codes ...int) *endpoint {
	t.Helper()
	e := &endpoint{secret: secret, clock: clock, codes: codes}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(e.hits.Add(1))
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.lastBody = body
		if !VerifyAt(body, r.Header.Get(SignatureHeader), e.secret, DefaultTolerance, e.clock.Now()) {
			e.badSigs++
		}
		code := e.codes[len(e.codes)-1]
		if n-1 < len(e.codes) {
			code = e.codes[n-1]
		}
		e.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(e.Close)
	return e
}

func nullLogger() logrus.FieldLogger {
	l, _ := logtest.NewNullLogger()
	return l
}

type harness struct {
	store *store.Memory
	sched *Scheduler
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	clock := newFakeClock()
	s := NewScheduler(mem, mem, NewExecutor(nil), nullLogger())
	s.Now = clock.Now
	s.Sleep = clock.Sleep
	return &harness{store: mem, sched: s, clock: clock}
}

func (h *harness) subscriber(t *testing.T, url string, events ...string) model.Subscriber {
	t.Helper()
	secret, err := NewSecret()
	require.NoError(t, err)
	sub, err := h.store.CreateSubscriber(context.Background(), model.Subscriber{
		TenantID: "t1", URL: url, Secret: secret, SecretPrefix: model.SecretPrefix(secret), Events: events, Enabled: true,
	})
	require.NoError(t, err)
	return sub
}

func (h *harness) delivery(t *testing.T, sub model.Subscriber) model.Delivery {
	t.Helper()
	payload, err := BuildPayload(model.EventBugReported, h.clock.Now(), map[string]any{"id": "abc"})
	require.NoError(t, err)
	d, err := h.store.CreateDelivery(context.Background(), model.Delivery{
		TenantID: sub.TenantID, SubscriberID: sub.ID, Event: model.EventBugReported, Payload: payload, MaxAttempts: h.sched.MaxAttempts(),
	})
	require.NoError(t, err)
	return d
}

func TestRunAlwaysFailingExhaustsAfterFourAttempts(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	ep.secret = sub.Secret
	d := h.delivery(t, sub)

	got, err := h.sched.Run(context.Background(), d.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(4), ep.hits.Load())
	assert.Zero(t, ep.badSigs)
	assert.Equal(t, model.DeliveryExhausted, got.State)
	assert.Equal(t, 4, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, 500, *got.LastStatus)
	assert.Equal(t, []time.Duration{time.Second, 10 * time.Second, 60 * time.Second}, h.clock.Slept())

	s, err := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConsecutiveFailures)
	require.NotNil(t, s.LastStatus)
	assert.Equal(t, 500, *s.LastStatus)
	require.NotNil(t, s.LastTriggeredAt)
}

func TestRunEarlySuccessStopsRetries(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 503, 200)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	ep.secret = sub.Secret
	require.NoError(t, h.store.MarkSubscriberFailure(context.Background(), sub.ID, nil, h.clock.Now()))
	d := h.delivery(t, sub)

	got, err := h.sched.Run(context.Background(), d.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), ep.hits.Load())
	assert.Zero(t, ep.badSigs)
	assert.Equal(t, model.DeliverySucceeded, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Slept())

	s, _ := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 200, *s.LastStatus)
}

func TestStepRecordsEachAttempt(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	got, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRetrying, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Second), *got.NextRetryAt)

	early, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, early.Attempts, "a step before the retry is due does nothing")
	assert.Equal(t, int32(1), ep.hits.Load())

	_ = h.clock.Sleep(context.Background(), time.Second)
	got, err = h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *got.NextRetryAt)

	s, _ := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	assert.Equal(t, 0, s.ConsecutiveFailures, "retrying deliveries do not touch health counters")
}

func TestStepSkipsTerminalDelivery(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 200)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	_, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	got, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySucceeded, got.State)
	assert.Equal(t, int32(1), ep.hits.Load())
}

func TestStepCancelsWhenSubscriberDisabled(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	_, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	off := false
	_, err = h.store.UpdateSubscriber(context.Background(), "t1", sub.ID, model.SubscriberPatch{Enabled: &off})
	require.NoError(t, err)

	got, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, got.State)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int32(1), ep.hits.Load())
}

func TestRetryOnceAfterExhaustion(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500, 500, 500, 500, 200)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	ep.secret = sub.Secret
	d := h.delivery(t, sub)

	_, err := h.sched.Run(context.Background(), d.ID)
	require.NoError(t, err)

	got, err := h.sched.RetryOnce(context.Background(), "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySucceeded, got.State)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, 1, got.ManualAttempts)
	assert.Zero(t, ep.badSigs)

	s, _ := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestRetryOnceKeepsAutomaticSchedule(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	first, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)

	manual, err := h.sched.RetryOnce(context.Background(), "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRetrying, manual.State)
	assert.Equal(t, *first.NextRetryAt, *manual.NextRetryAt)
	assert.Equal(t, 2, manual.Attempts)
	assert.Equal(t, 1, manual.ManualAttempts)

	_ = h.clock.Sleep(context.Background(), time.Second)
	second, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *second.NextRetryAt, "manual attempt must not advance the schedule")
}

func TestRetryOnceFailureKeepsTerminalState(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 200, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	done, err := h.sched.Step(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeliverySucceeded, done.State)

	got, err := h.sched.RetryOnce(context.Background(), "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySucceeded, got.State)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 1, got.ManualAttempts)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, 500, *got.LastStatus)

	s, _ := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestStaleStepDoesNotOverwriteManualSuccess(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
			<-release
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	sub := h.subscriber(t, srv.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	type result struct {
		d   model.Delivery
		err error
	}
	stepped := make(chan result, 1)
	go func() {
		rec, err := h.sched.Step(context.Background(), d.ID)
		stepped <- result{rec, err}
	}()
	<-entered

	manual, err := h.sched.RetryOnce(context.Background(), "t1", d.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeliverySucceeded, manual.State)
	close(release)

	res := <-stepped
	require.NoError(t, res.err)
	assert.Equal(t, model.DeliverySucceeded, res.d.State)
	assert.Nil(t, res.d.NextRetryAt, "stale failure must not schedule a retry")
	assert.Equal(t, 2, res.d.Attempts)

	s, _ := h.store.GetSubscriber(context.Background(), "t1", sub.ID)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestRetryOnceIsTenantScoped(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 200)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	_, err := h.sched.RetryOnce(context.Background(), "other", d.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, ep.hits.Load())
}

func TestSendTestMakesSingleAttempt(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	ep.secret = sub.Secret

	got, err := h.sched.SendTest(context.Background(), "t1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventTest, got.Event)
	assert.Equal(t, model.DeliveryExhausted, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, int32(1), ep.hits.Load())
	assert.Zero(t, ep.badSigs)

	var body model.EventPayload
	require.NoError(t, json.Unmarshal(ep.lastBody, &body))
	assert.Equal(t, model.EventTest, body.Event)
	assert.Equal(t, "2024-01-01T00:00:00Z", body.Timestamp)
}

func TestInvalidURLIsNotRetried(t *testing.T) {
	h := newHarness(t)
	sub := h.subscriber(t, "ftp://nowhere", model.EventBugReported)
	d := h.delivery(t, sub)

	got, err := h.sched.Run(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryExhausted, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LastStatus)
	assert.Contains(t, got.LastError, "invalid webhook url")
	assert.Empty(t, h.clock.Slept())
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	got, err := h.sched.Run(ctx, d.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.DeliveryRetrying, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestOnOutcomeSeesEveryAttempt(t *testing.T) {
	h := newHarness(t)
	ep := newEndpoint(t, "", h.clock, 500, 200)
	sub := h.subscriber(t, ep.URL, model.EventBugReported)
	d := h.delivery(t, sub)

	var states []string
	h.sched.OnOutcome = func(d model.Delivery) { states = append(states, d.State) }
	_, err := h.sched.Run(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{model.DeliveryRetrying, model.DeliverySucceeded}, states)
}
