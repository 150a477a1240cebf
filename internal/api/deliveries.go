package api

import (
	"fmt"
	"net/http"
	"time"

	"relay/internal/model"
)

// ListDeliveriesHandler handles GET /v1/webhooks/deliveries, newest first.
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.DeliveryFilter{
		SubscriberID: q.Get("subscriberId"),
		State:        q.Get("state"),
		StatusCode:   queryInt(r, "statusCode", 0),
		Cursor:       q.Get("cursor"),
		Limit:        queryInt(r, "limit", 100),
	}
	if f.State != "" && !deliveryStates[f.State] {
		writeError(w, r, "Invalid filter", fmt.Errorf("%w: unknown state %q", errInvalidRequest, f.State))
		return
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), p.Tenant, f)
	if err != nil {
		writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	d, err := s.Store.GetDelivery(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Get delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RetryDeliveryHandler handles POST /v1/webhooks/deliveries/{id}/retry with one
// manual attempt and answers with the updated record.
func (s *Server) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	d, err := s.Scheduler.RetryOnce(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Retry delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeliveryStatsHandler handles GET /v1/webhooks/deliveries/stats?window=24h.
func (s *Server) DeliveryStatsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, "Invalid window", fmt.Errorf("%w: window must be a positive duration", errInvalidRequest))
			return
		}
		window = d
	}
	since := time.Now().UTC().Add(-window)
	stats, err := s.Store.DeliveryStats(r.Context(), p.Tenant, since)
	if err != nil {
		writeError(w, r, "Delivery stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "items": stats})
}
