package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBroker implements EventBroker over Redis pub/sub so every instance's
// stream clients see outcomes recorded by any worker.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	log    logrus.FieldLogger

	mu   sync.Mutex
	subs map[chan DeliveryEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, prefix string, log logrus.FieldLogger) *RedisBroker {
	if prefix == "" {
		prefix = "relay:deliveries:outcomes"
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, log: log, subs: map[chan DeliveryEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(tenantID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(tenantID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.WithError(err).Warn("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt DeliveryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(tenantID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = ps.Close()
	close(ch)
}

func (b *RedisBroker) Publish(tenantID string, evt DeliveryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.channel(tenantID), data).Err(); err != nil {
		b.log.WithError(err).Warn("redis publish failed")
	}
}

func (b *RedisBroker) channel(tenantID string) string { return b.prefix + ":" + tenantID }
