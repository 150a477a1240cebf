package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"relay/internal/metrics"
	"relay/internal/store"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Result statuses.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

type Result struct {
	Provider string `json:"provider"`
	EventID  string `json:"eventId"`
	Type     string `json:"type"`
	Status   string `json:"status"`
}

// Emitter publishes local domain events to outbound subscribers.
type Emitter interface {
	Dispatch(ctx context.Context, tenantID, event string, data any) ([]string, error)
}

// gate holds what every provider processor shares: secret lookup, signature
// verification and the idempotency ledger.
type gate struct {
	scheme  Scheme
	secrets SecretSource
	ledger  store.Inbound
	log     logrus.FieldLogger
	now     func() time.Time
}

func (g gate) verify(ctx context.Context, tenantID string, headers http.Header, body []byte) error {
	secret, err := g.secrets.Secret(ctx, tenantID, g.scheme.Provider)
	if errors.Is(err, store.ErrNotFound) {
		secret = ""
	} else if err != nil {
		return err
	}
	if err := g.scheme.Verify(headers, body, secret, g.now()); err != nil {
		metrics.InboundRequests.WithLabelValues(g.scheme.Provider, "invalid_signature").Inc()
		g.log.WithFields(logrus.Fields{"provider": g.scheme.Provider, "tenant_id": tenantID}).WithError(err).Warn("inbound signature rejected")
		return err
	}
	return nil
}

// claim records eventID and reports whether this is its first delivery.
func (g gate) claim(ctx context.Context, eventID, eventType string) (bool, error) {
	first, err := g.ledger.RecordInboundEvent(ctx, g.scheme.Provider, eventID, eventType, g.now())
	if err != nil {
		return false, fmt.Errorf("record inbound event: %w", err)
	}
	return first, nil
}

// release undoes claim after a processing failure so the provider's retry is handled.
func (g gate) release(ctx context.Context, eventID string) {
	if err := g.ledger.ReleaseInboundEvent(ctx, g.scheme.Provider, eventID); err != nil {
		g.log.WithError(err).WithField("event_id", eventID).Error("release inbound event failed")
	}
}

func (g gate) done(res Result) Result {
	metrics.InboundRequests.WithLabelValues(g.scheme.Provider, res.Status).Inc()
	g.log.WithFields(logrus.Fields{"provider": res.Provider, "event_id": res.EventID, "type": res.Type, "status": res.Status}).Info("inbound event handled")
	return res
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
