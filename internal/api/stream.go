package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamPingInterval = 20 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// StreamMessage is one frame on the delivery stream.
type StreamMessage struct {
	Type    string         `json:"type"` // ready | delivery
	Payload *DeliveryEvent `json:"payload,omitempty"`
}

// StreamHandler handles GET /v1/webhooks/deliveries/stream. Outcomes for the
// caller's tenant are pushed as they are recorded; ?event= and ?subscriberId=
// narrow the stream.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	event := r.URL.Query().Get("event")
	subscriberID := r.URL.Query().Get("subscriberId")

	ch := s.Broker.Subscribe(p.Tenant)
	defer s.Broker.Unsubscribe(p.Tenant, ch)

	// Reader: only control frames are expected; a read error ends the stream.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(streamReadTimeout)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(StreamMessage{Type: "ready"}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if event != "" && evt.Event != event {
				continue
			}
			if subscriberID != "" && evt.SubscriberID != subscriberID {
				continue
			}
			if err := write(StreamMessage{Type: "delivery", Payload: &evt}); err != nil {
				return
			}
		}
	}
}
