// Package events consumes domain events from NATS and dispatches them to
// webhook subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"relay/internal/model"
)

// SubjectPrefix is followed by the tenant id: relay.events.<tenant>.
const SubjectPrefix = "relay.events."

var ErrBadSubject = errors.New("subject has no tenant")

// Subject returns the subject domain events of tenantID are published on.
func Subject(tenantID string) string { return SubjectPrefix + tenantID }

// TenantFromSubject extracts the tenant id from a relay.events.<tenant> subject.
func TenantFromSubject(subject string) (string, error) {
	tenant, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || tenant == "" || strings.Contains(tenant, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	return tenant, nil
}

// Emitter is implemented by webhooks.Dispatcher.
type Emitter interface {
	Dispatch(ctx context.Context, tenantID, event string, data any) ([]string, error)
}

// Connect dials NATS with reconnects enabled and connection state logged.
func Connect(url, name string, log logrus.FieldLogger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Consumer queue-subscribes to domain events so each event is dispatched by
// exactly one relay instance.
type Consumer struct {
	Conn    *nats.Conn
	Subject string
	Queue   string
	Emitter Emitter
	Log     logrus.FieldLogger
	// Timeout bounds one dispatch.
	Timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewConsumer(conn *nats.Conn, subject, queue string, em Emitter, log logrus.FieldLogger) *Consumer {
	if subject == "" {
		subject = SubjectPrefix + ">"
	}
	return &Consumer{Conn: conn, Subject: subject, Queue: queue, Emitter: em, Log: log, Timeout: 10 * time.Second}
}

func (c *Consumer) Start() error {
	sub, err := c.Conn.QueueSubscribe(c.Subject, c.Queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		if _, err := c.Handle(ctx, msg.Subject, msg.Data); err != nil {
			c.Log.WithError(err).WithField("subject", msg.Subject).Warn("domain event dropped")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.Subject, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.Log.WithFields(logrus.Fields{"subject": c.Subject, "queue": c.Queue}).Info("event consumer started")
	return nil
}

// Handle decodes one message and dispatches it for the subject's tenant.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) ([]string, error) {
	tenant, err := TenantFromSubject(subject)
	if err != nil {
		return nil, err
	}
	var msg model.EmitRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ids, err := c.Emitter.Dispatch(ctx, tenant, msg.Event, msg.Data)
	if err != nil {
		return nil, err
	}
	c.Log.WithFields(logrus.Fields{"tenant_id": tenant, "event": msg.Event, "deliveries": len(ids)}).Debug("domain event dispatched")
	return ids, nil
}

// Close drains the subscription.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.sub.Drain()
	c.sub = nil
	return err
}

// Publish sends a domain event for tenantID.
func Publish(conn *nats.Conn, tenantID, event string, data json.RawMessage) error {
	b, err := json.Marshal(model.EmitRequest{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := conn.Publish(Subject(tenantID), b); err != nil {
		return err
	}
	return conn.Flush()
}
