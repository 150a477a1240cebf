package model

import (
	"encoding/json"
	"time"
)

// Event names a subscriber can subscribe to.
const (
	EventInteractionCreated      = "interaction.created"
	EventInteractionUpdated      = "interaction.updated"
	EventInteractionResolved     = "interaction.resolved"
	EventConversationStarted     = "conversation.started"
	EventConversationClosed      = "conversation.closed"
	EventMessageSent             = "message.sent"
	EventMessageReceived         = "message.received"
	EventSurveyResponseSubmitted = "survey.response_submitted"
	EventEndUserCreated          = "end_user.created"
	EventEndUserUpdated          = "end_user.updated"
	EventFeedbackReceived        = "feedback.received"
	EventBugReported             = "bug.reported"

	// EventTest is only ever sent by the "send test" operation and cannot be subscribed to.
	EventTest = "webhook.test"
)

// EventCatalog is the fixed set of events the dispatcher matches against.
var EventCatalog = []string{
	EventInteractionCreated,
	EventInteractionUpdated,
	EventInteractionResolved,
	EventConversationStarted,
	EventConversationClosed,
	EventMessageSent,
	EventMessageReceived,
	EventSurveyResponseSubmitted,
	EventEndUserCreated,
	EventEndUserUpdated,
	EventFeedbackReceived,
	EventBugReported,
}

// IsCatalogEvent reports whether name is part of EventCatalog.
func IsCatalogEvent(name string) bool {
	for _, e := range EventCatalog {
		if e == name {
			return true
		}
	}
	return false
}

// Subscriber is a tenant-configured webhook registration.
type Subscriber struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	SecretPrefix        string     `json:"secretPrefix"`
	Events              []string   `json:"events"`
	Enabled             bool       `json:"enabled"`
	Description         string     `json:"description,omitempty"`
	LastTriggeredAt     *time.Time `json:"lastTriggeredAt,omitempty"`
	LastStatus          *int       `json:"lastStatus,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Subscribes reports whether the subscriber is enabled and subscribed to event.
func (s Subscriber) Subscribes(event string) bool {
	if !s.Enabled {
		return false
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// SecretPrefix is the displayable part of a signing secret.
func SecretPrefix(secret string) string {
	const n = 10
	if len(secret) <= n {
		return secret
	}
	return secret[:n]
}

type SubscriberRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SubscriberPatch carries tenant edits; nil fields are left unchanged.
type SubscriberPatch struct {
	URL         *string   `json:"url,omitempty"`
	Events      *[]string `json:"events,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
	Description *string   `json:"description,omitempty"`
}

// SubscriberWithSecret is returned only when a secret is generated.
type SubscriberWithSecret struct {
	Subscriber
	Secret string `json:"secret"`
}

// Delivery states.
const (
	DeliveryPending   = "pending"
	DeliveryRetrying  = "retrying"
	DeliverySucceeded = "succeeded"
	DeliveryExhausted = "exhausted"
	DeliveryCancelled = "cancelled"
)

// IsTerminalState reports whether no further automatic attempts will run.
func IsTerminalState(state string) bool {
	switch state {
	case DeliverySucceeded, DeliveryExhausted, DeliveryCancelled:
		return true
	}
	return false
}

// Delivery is the mutable current state of one event delivered to one subscriber.
type Delivery struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	SubscriberID   string          `json:"subscriberId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	State          string          `json:"state"`
	Attempts       int             `json:"attempts"`
	ManualAttempts int             `json:"manualAttempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastStatus     *int            `json:"lastStatus"`
	LastResponse   string          `json:"lastResponse,omitempty"`
	LastDurationMs int64           `json:"lastDurationMs"`
	LastError      string          `json:"lastError,omitempty"`
	NextRetryAt    *time.Time      `json:"nextRetryAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ScheduledAttempts is the number of attempts made by the automatic schedule.
func (d Delivery) ScheduledAttempts() int {
	return d.Attempts - d.ManualAttempts
}

// AttemptUpdate is the outcome of one attempt written back to a delivery.
type AttemptUpdate struct {
	// State and NextRetryAt are applied only when State is set and the stored
	// state still equals ExpectState (or ExpectState is empty). The attempt
	// itself is always counted.
	State       string
	ExpectState string
	Manual      bool
	StatusCode  *int
	Response    string
	DurationMs  int64
	Error       string
	NextRetryAt *time.Time
	At          time.Time
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	SubscriberID string
	State        string
	StatusCode   int
	Cursor       string
	Limit        int
}

// DeliveryStats aggregates deliveries per event and state.
type DeliveryStats struct {
	Event         string `json:"event"`
	State         string `json:"state"`
	Count         int    `json:"count"`
	AvgDurationMs int64  `json:"avgDurationMs"`
}

// EventPayload is the JSON body sent to subscribers.
type EventPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// BillingStatus is the tenant's subscription state as last reported by the payment provider.
type BillingStatus struct {
	TenantID   string    `json:"tenantId"`
	CustomerID string    `json:"customerId,omitempty"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Local interaction statuses synced from the issue tracker.
const (
	IssueOpen       = "open"
	IssueInProgress = "in_progress"
	IssueResolved   = "resolved"
	IssueClosed     = "closed"
)

// IssueLink ties an interaction to an issue in the external tracker.
type IssueLink struct {
	TenantID      string    `json:"tenantId"`
	ExternalID    string    `json:"externalId"`
	InteractionID string    `json:"interactionId"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EmitRequest is the body of POST /v1/events.
type EmitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EmitResponse lists the deliveries created for an emitted event.
type EmitResponse struct {
	Event       string   `json:"event"`
	DeliveryIDs []string `json:"deliveryIds"`
}
