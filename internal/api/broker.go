package api

import (
	"sync"
	"time"

	"relay/internal/model"
)

// DeliveryEvent is one recorded delivery outcome as shown on the stream.
type DeliveryEvent struct {
	Type         string     `json:"type"`
	DeliveryID   string     `json:"deliveryId"`
	SubscriberID string     `json:"subscriberId"`
	Event        string     `json:"event"`
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	LastStatus   *int       `json:"lastStatus"`
	LastError    string     `json:"lastError,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt"`
	At           time.Time  `json:"at"`
}

func deliveryEvent(d model.Delivery) DeliveryEvent {
	return DeliveryEvent{
		Type:         "delivery." + d.State,
		DeliveryID:   d.ID,
		SubscriberID: d.SubscriberID,
		Event:        d.Event,
		State:        d.State,
		Attempts:     d.Attempts,
		LastStatus:   d.LastStatus,
		LastError:    d.LastError,
		NextRetryAt:  d.NextRetryAt,
		At:           d.UpdatedAt,
	}
}

// EventBroker fans delivery events out to stream subscribers of a tenant.
type EventBroker interface {
	Subscribe(tenantID string) chan DeliveryEvent
	Unsubscribe(tenantID string, ch chan DeliveryEvent)
	Publish(tenantID string, evt DeliveryEvent)
}

// Broker is the in-process EventBroker. Slow subscribers miss events rather
// than blocking publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan DeliveryEvent]struct{} // tenant -> channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(tenantID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = map[chan DeliveryEvent]struct{}{}
	}
	b.subs[tenantID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(tenantID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[tenantID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, tenantID)
	}
	close(ch)
}

func (b *Broker) Publish(tenantID string, evt DeliveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tenantID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
