package store

import (
	"context"
	"errors"
	"time"

	"relay/internal/model"
)

// Subscribers holds tenant webhook registrations and their health counters.
type Subscribers interface {
	CreateSubscriber(ctx context.Context, s model.Subscriber) (model.Subscriber, error)
	GetSubscriber(ctx context.Context, tenantID, id string) (model.Subscriber, error)
	ListSubscribers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscriber, string, error)
	// SubscribersForEvent returns enabled subscribers of tenantID whose event set contains event.
	SubscribersForEvent(ctx context.Context, tenantID, event string) ([]model.Subscriber, error)
	UpdateSubscriber(ctx context.Context, tenantID, id string, patch model.SubscriberPatch) (model.Subscriber, error)
	RotateSecret(ctx context.Context, tenantID, id, secret string) (model.Subscriber, error)
	DeleteSubscriber(ctx context.Context, tenantID, id string) error

	// Health counters. Both are single-statement updates so concurrent
	// deliveries to one subscriber never lose an increment.
	MarkSubscriberSuccess(ctx context.Context, id string, status int, at time.Time) error
	MarkSubscriberFailure(ctx context.Context, id string, status *int, at time.Time) error
}

// Deliveries is the delivery ledger: one mutable record per event and subscriber.
type Deliveries interface {
	CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error)
	// GetDelivery scopes the lookup to tenantID unless it is empty.
	GetDelivery(ctx context.Context, tenantID, id string) (model.Delivery, error)
	RecordAttempt(ctx context.Context, id string, upd model.AttemptUpdate) (model.Delivery, error)
	// CancelDelivery ends a delivery without an attempt and clears its pending retry.
	CancelDelivery(ctx context.Context, id, reason string, at time.Time) (model.Delivery, error)
	ListDeliveries(ctx context.Context, tenantID string, f model.DeliveryFilter) ([]model.Delivery, string, error)
	// DueDeliveries returns pending or retrying deliveries whose next attempt
	// (next retry time, or last update when none is set) is at or before before,
	// oldest first.
	DueDeliveries(ctx context.Context, before time.Time, limit int) ([]model.Delivery, error)
	DeliveryStats(ctx context.Context, tenantID string, since time.Time) ([]model.DeliveryStats, error)
}

// Inbound holds provider callback state: the idempotency ledger, per-tenant
// provider secrets and the local records updated by callbacks.
type Inbound interface {
	// RecordInboundEvent returns false when provider/eventID was already recorded.
	RecordInboundEvent(ctx context.Context, provider, eventID, eventType string, at time.Time) (bool, error)
	// ReleaseInboundEvent forgets an event whose processing failed so a redelivery is handled again.
	ReleaseInboundEvent(ctx context.Context, provider, eventID string) error
	InboundSecret(ctx context.Context, tenantID, provider string) (string, error)
	SetInboundSecret(ctx context.Context, tenantID, provider, secret string) error

	SetBillingStatus(ctx context.Context, tenantID, customerID, status string, at time.Time) error
	GetBillingStatus(ctx context.Context, tenantID string) (model.BillingStatus, error)

	LinkIssue(ctx context.Context, tenantID, externalID, interactionID string) error
	// SetIssueStatus updates the interaction linked to externalID.
	SetIssueStatus(ctx context.Context, tenantID, externalID, status string, at time.Time) (model.IssueLink, error)
	GetIssueLink(ctx context.Context, tenantID, externalID string) (model.IssueLink, error)
}

// Store is the persistence interface used by the API server and delivery engine.
type Store interface {
	Subscribers
	Deliveries
	Inbound
	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}
