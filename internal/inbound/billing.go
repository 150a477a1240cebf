package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"relay/internal/store"
)

// BillingEvent is the payment provider's event envelope.
type BillingEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// BillingHandler reacts to one billing event type. Handlers run at most once
// per provider event id.
type BillingHandler func(ctx context.Context, tenantID string, evt BillingEvent) error

// Billing processes payment provider callbacks.
type Billing struct {
	Scheme  Scheme
	Secrets SecretSource
	Store   store.Inbound
	Log     logrus.FieldLogger
	Now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]BillingHandler
}

func NewBilling(secrets SecretSource, st store.Inbound, log logrus.FieldLogger) *Billing {
	b := &Billing{Scheme: BillingScheme, Secrets: secrets, Store: st, Log: log, Now: time.Now, handlers: map[string]BillingHandler{}}
	for _, typ := range []string{"customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted"} {
		b.Handle(typ, b.subscriptionChanged)
	}
	b.Handle("invoice.paid", b.invoiceStatus("active"))
	b.Handle("invoice.payment_failed", b.invoiceStatus("past_due"))
	return b
}

// Handle registers h for eventType, replacing any previous handler.
func (b *Billing) Handle(eventType string, h BillingHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = h
}

func (b *Billing) handler(eventType string) (BillingHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[eventType]
	return h, ok
}

func (b *Billing) gate() gate {
	return gate{scheme: b.Scheme, secrets: b.Secrets, ledger: b.Store, log: b.Log, now: nowFunc(b.Now)}
}

// Process verifies body against the tenant's secret, then routes the event to its handler.
func (b *Billing) Process(ctx context.Context, tenantID string, headers http.Header, body []byte) (Result, error) {
	g := b.gate()
	if err := g.verify(ctx, tenantID, headers, body); err != nil {
		return Result{}, err
	}
	var evt BillingEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" || evt.Type == "" {
		return Result{}, fmt.Errorf("%w: billing event needs id and type", ErrMalformedPayload)
	}
	res := Result{Provider: b.Scheme.Provider, EventID: evt.ID, Type: evt.Type}
	h, ok := b.handler(evt.Type)
	if !ok {
		res.Status = StatusIgnored
		return g.done(res), nil
	}
	first, err := g.claim(ctx, evt.ID, evt.Type)
	if err != nil {
		return Result{}, err
	}
	if !first {
		res.Status = StatusDuplicate
		return g.done(res), nil
	}
	if err := h(ctx, tenantID, evt); err != nil {
		g.release(ctx, evt.ID)
		return Result{}, fmt.Errorf("handle %s: %w", evt.Type, err)
	}
	res.Status = StatusProcessed
	return g.done(res), nil
}

type subscriptionObject struct {
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

func (b *Billing) subscriptionChanged(ctx context.Context, tenantID string, evt BillingEvent) error {
	var obj subscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	status := obj.Status
	if evt.Type == "customer.subscription.deleted" {
		status = "canceled"
	}
	if status == "" {
		return fmt.Errorf("%w: subscription status missing", ErrMalformedPayload)
	}
	return b.Store.SetBillingStatus(ctx, tenantID, obj.Customer, status, eventTime(evt, b.gate().now))
}

func (b *Billing) invoiceStatus(status string) BillingHandler {
	return func(ctx context.Context, tenantID string, evt BillingEvent) error {
		var obj subscriptionObject
		_ = json.Unmarshal(evt.Data.Object, &obj)
		return b.Store.SetBillingStatus(ctx, tenantID, obj.Customer, status, eventTime(evt, b.gate().now))
	}
}

func eventTime(evt BillingEvent, now func() time.Time) time.Time {
	if evt.Created > 0 {
		return time.Unix(evt.Created, 0).UTC()
	}
	return now().UTC()
}
