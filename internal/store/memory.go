package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/model"
)

// Memory is a simple in-memory store used when no database URL is set.
type Memory struct {
	mu                 sync.Mutex
	subs               map[string]*model.Subscriber // id -> subscriber
	subsByTenant       map[string][]string          // tenant -> subscriber ids
	deliveries         map[string]*model.Delivery   // id -> delivery
	deliveriesByTenant map[string][]string          // tenant -> delivery ids, oldest first
	inboundEvents      map[string]time.Time         // provider/eventID -> received
	inboundSecrets     map[string]string            // tenant/provider -> secret
	billing            map[string]model.BillingStatus
	issues             map[string]model.IssueLink // tenant/externalID -> link
}

func NewMemory() *Memory {
	return &Memory{
		subs:               map[string]*model.Subscriber{},
		subsByTenant:       map[string][]string{},
		deliveries:         map[string]*model.Delivery{},
		deliveriesByTenant: map[string][]string{},
		inboundEvents:      map[string]time.Time{},
		inboundSecrets:     map[string]string{},
		billing:            map[string]model.BillingStatus{},
		issues:             map[string]model.IssueLink{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func copySubscriber(s *model.Subscriber) model.Subscriber {
	out := *s
	out.Events = append([]string(nil), s.Events...)
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	if s.LastStatus != nil {
		c := *s.LastStatus
		out.LastStatus = &c
	}
	return out
}

func copyDelivery(d *model.Delivery) model.Delivery {
	out := *d
	out.Payload = append([]byte(nil), d.Payload...)
	if d.LastStatus != nil {
		c := *d.LastStatus
		out.LastStatus = &c
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}

// Subscribers

func (m *Memory) CreateSubscriber(ctx context.Context, s model.Subscriber) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = newID()
	}
	s.CreatedAt, s.UpdatedAt = now, now
	s.Events = append([]string(nil), s.Events...)
	m.subs[s.ID] = &s
	m.subsByTenant[s.TenantID] = append(m.subsByTenant[s.TenantID], s.ID)
	return copySubscriber(&s), nil
}

func (m *Memory) lookupSubscriber(tenantID, id string) (*model.Subscriber, error) {
	s, ok := m.subs[id]
	if !ok || (tenantID != "" && s.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) GetSubscriber(ctx context.Context, tenantID, id string) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupSubscriber(tenantID, id)
	if err != nil {
		return model.Subscriber{}, err
	}
	return copySubscriber(s), nil
}

func (m *Memory) ListSubscribers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscriber, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	ids := m.subsByTenant[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Subscriber{}
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, copySubscriber(m.subs[ids[i]]))
	}
	next := ""
	if len(out) == limit && start+limit < len(ids) {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) SubscribersForEvent(ctx context.Context, tenantID, event string) ([]model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscriber
	for _, id := range m.subsByTenant[tenantID] {
		if s := m.subs[id]; s.Subscribes(event) {
			out = append(out, copySubscriber(s))
		}
	}
	return out, nil
}

func (m *Memory) UpdateSubscriber(ctx context.Context, tenantID, id string, patch model.SubscriberPatch) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupSubscriber(tenantID, id)
	if err != nil {
		return model.Subscriber{}, err
	}
	if patch.URL != nil {
		s.URL = *patch.URL
	}
	if patch.Events != nil {
		s.Events = append([]string(nil), (*patch.Events)...)
	}
	if patch.Enabled != nil {
		s.Enabled = *patch.Enabled
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	s.UpdatedAt = time.Now().UTC()
	return copySubscriber(s), nil
}

func (m *Memory) RotateSecret(ctx context.Context, tenantID, id, secret string) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupSubscriber(tenantID, id)
	if err != nil {
		return model.Subscriber{}, err
	}
	s.Secret = secret
	s.SecretPrefix = model.SecretPrefix(secret)
	s.UpdatedAt = time.Now().UTC()
	return copySubscriber(s), nil
}

func (m *Memory) DeleteSubscriber(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookupSubscriber(tenantID, id); err != nil {
		return err
	}
	delete(m.subs, id)
	ids := m.subsByTenant[tenantID]
	out := make([]string, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	m.subsByTenant[tenantID] = out
	return nil
}

func (m *Memory) MarkSubscriberSuccess(ctx context.Context, id string, status int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.LastTriggeredAt = &at
	s.LastStatus = &status
	s.ConsecutiveFailures = 0
	return nil
}

func (m *Memory) MarkSubscriberFailure(ctx context.Context, id string, status *int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.LastTriggeredAt = &at
	if status != nil {
		c := *status
		s.LastStatus = &c
	} else {
		s.LastStatus = nil
	}
	s.ConsecutiveFailures++
	return nil
}

// Deliveries

func (m *Memory) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = newID()
	}
	if d.State == "" {
		d.State = model.DeliveryPending
	}
	d.CreatedAt, d.UpdatedAt = now, now
	m.deliveries[d.ID] = &d
	m.deliveriesByTenant[d.TenantID] = append(m.deliveriesByTenant[d.TenantID], d.ID)
	return copyDelivery(&d), nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenantID, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || (tenantID != "" && d.TenantID != tenantID) {
		return model.Delivery{}, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *Memory) RecordAttempt(ctx context.Context, id string, upd model.AttemptUpdate) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	d.Attempts++
	if upd.Manual {
		d.ManualAttempts++
	}
	if upd.State != "" && (upd.ExpectState == "" || d.State == upd.ExpectState) {
		d.State = upd.State
		d.NextRetryAt = upd.NextRetryAt
	}
	d.LastStatus = upd.StatusCode
	d.LastResponse = upd.Response
	d.LastDurationMs = upd.DurationMs
	d.LastError = upd.Error
	d.UpdatedAt = upd.At
	return copyDelivery(d), nil
}

func (m *Memory) CancelDelivery(ctx context.Context, id, reason string, at time.Time) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	d.State = model.DeliveryCancelled
	d.LastError = reason
	d.NextRetryAt = nil
	d.UpdatedAt = at
	return copyDelivery(d), nil
}

// ListDeliveries returns newest first; cursor is the last id of the previous page.
func (m *Memory) ListDeliveries(ctx context.Context, tenantID string, f model.DeliveryFilter) ([]model.Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := pageSize(f.Limit)
	ids := m.deliveriesByTenant[tenantID]
	start := len(ids) - 1
	if f.Cursor != "" {
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == f.Cursor {
				start = i - 1
				break
			}
		}
	}
	out := []model.Delivery{}
	next := ""
	for i := start; i >= 0; i-- {
		d := m.deliveries[ids[i]]
		if !matchDelivery(d, f) {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, copyDelivery(d))
	}
	return out, next, nil
}

func matchDelivery(d *model.Delivery, f model.DeliveryFilter) bool {
	if f.SubscriberID != "" && d.SubscriberID != f.SubscriberID {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	if f.StatusCode != 0 && (d.LastStatus == nil || *d.LastStatus != f.StatusCode) {
		return false
	}
	return true
}

func (m *Memory) DueDeliveries(ctx context.Context, before time.Time, limit int) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Delivery
	for _, d := range m.deliveries {
		if d.State != model.DeliveryPending && d.State != model.DeliveryRetrying {
			continue
		}
		if !dueAt(d).After(before) {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return dueAt(&out[i]).Before(dueAt(&out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dueAt(d *model.Delivery) time.Time {
	if d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.UpdatedAt
}

func (m *Memory) DeliveryStats(ctx context.Context, tenantID string, since time.Time) ([]model.DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ event, state string }
	type agg struct {
		count int
		total int64
	}
	groups := map[key]*agg{}
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d.UpdatedAt.Before(since) {
			continue
		}
		k := key{d.Event, d.State}
		g, ok := groups[k]
		if !ok {
			g = &agg{}
			groups[k] = g
		}
		g.count++
		g.total += d.LastDurationMs
	}
	out := make([]model.DeliveryStats, 0, len(groups))
	for k, g := range groups {
		out = append(out, model.DeliveryStats{Event: k.event, State: k.state, Count: g.count, AvgDurationMs: g.total / int64(g.count)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

// Inbound

func (m *Memory) RecordInboundEvent(ctx context.Context, provider, eventID, eventType string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + "/" + eventID
	if _, seen := m.inboundEvents[k]; seen {
		return false, nil
	}
	m.inboundEvents[k] = at
	return true, nil
}

func (m *Memory) ReleaseInboundEvent(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inboundEvents, provider+"/"+eventID)
	return nil
}

func (m *Memory) InboundSecret(ctx context.Context, tenantID, provider string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inboundSecrets[tenantID+"/"+provider]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (m *Memory) SetInboundSecret(ctx context.Context, tenantID, provider, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboundSecrets[tenantID+"/"+provider] = secret
	return nil
}

func (m *Memory) SetBillingStatus(ctx context.Context, tenantID, customerID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billing[tenantID] = model.BillingStatus{TenantID: tenantID, CustomerID: customerID, Status: status, UpdatedAt: at}
	return nil
}

func (m *Memory) GetBillingStatus(ctx context.Context, tenantID string) (model.BillingStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.billing[tenantID]
	if !ok {
		return model.BillingStatus{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) LinkIssue(ctx context.Context, tenantID, externalID, interactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "/" + externalID
	l := m.issues[k]
	l.TenantID, l.ExternalID, l.InteractionID = tenantID, externalID, interactionID
	if l.Status == "" {
		l.Status = model.IssueOpen
	}
	l.UpdatedAt = time.Now().UTC()
	m.issues[k] = l
	return nil
}

func (m *Memory) SetIssueStatus(ctx context.Context, tenantID, externalID, status string, at time.Time) (model.IssueLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "/" + externalID
	l, ok := m.issues[k]
	if !ok {
		return model.IssueLink{}, ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = at
	m.issues[k] = l
	return l, nil
}

func (m *Memory) GetIssueLink(ctx context.Context, tenantID, externalID string) (model.IssueLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.issues[tenantID+"/"+externalID]
	if !ok {
		return model.IssueLink{}, ErrNotFound
	}
	return l, nil
}
