package api

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"relay/internal/model"
	"relay/internal/webhooks"
)

// ListSubscribersHandler handles GET /v1/webhooks. Secrets are shown by prefix only.
func (s *Server) ListSubscribersHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	items, next, err := s.Store.ListSubscribers(r.Context(), p.Tenant, r.URL.Query().Get("cursor"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, "List webhooks failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// CreateSubscriberHandler handles POST /v1/webhooks. The response carries the
// full secret; it is never returned again.
func (s *Server) CreateSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req model.SubscriberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	if err := validateSubscriberRequest(&req); err != nil {
		writeError(w, r, "Invalid webhook", err)
		return
	}
	secret, err := webhooks.NewSecret()
	if err != nil {
		writeError(w, r, "Create webhook failed", err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sub, err := s.Store.CreateSubscriber(r.Context(), model.Subscriber{
		TenantID:     p.Tenant,
		URL:          req.URL,
		Secret:       secret,
		SecretPrefix: model.SecretPrefix(secret),
		Events:       req.Events,
		Enabled:      enabled,
		Description:  req.Description,
	})
	if err != nil {
		writeError(w, r, "Create webhook failed", err)
		return
	}
	s.Log.WithFields(logrus.Fields{"tenant_id": p.Tenant, "subscriber_id": sub.ID}).Info("webhook created")
	writeJSON(w, http.StatusCreated, model.SubscriberWithSecret{Subscriber: sub, Secret: secret})
}

func (s *Server) GetSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	sub, err := s.Store.GetSubscriber(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Get webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) UpdateSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var patch model.SubscriberPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	if err := validateSubscriberPatch(&patch); err != nil {
		writeError(w, r, "Invalid webhook", err)
		return
	}
	sub, err := s.Store.UpdateSubscriber(r.Context(), p.Tenant, r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, "Update webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) DeleteSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	if err := s.Store.DeleteSubscriber(r.Context(), p.Tenant, r.PathValue("id")); err != nil {
		writeError(w, r, "Delete webhook failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateSecretHandler handles POST /v1/webhooks/{id}/secret. The old secret
// stops signing immediately.
func (s *Server) RotateSecretHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	secret, err := webhooks.NewSecret()
	if err != nil {
		writeError(w, r, "Rotate secret failed", err)
		return
	}
	sub, err := s.Store.RotateSecret(r.Context(), p.Tenant, r.PathValue("id"), secret)
	if err != nil {
		writeError(w, r, "Rotate secret failed", err)
		return
	}
	s.Log.WithFields(logrus.Fields{"tenant_id": p.Tenant, "subscriber_id": sub.ID}).Info("webhook secret rotated")
	writeJSON(w, http.StatusOK, model.SubscriberWithSecret{Subscriber: sub, Secret: secret})
}

// TestSubscriberHandler handles POST /v1/webhooks/{id}/test and answers with
// the recorded attempt.
func (s *Server) TestSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	d, err := s.Scheduler.SendTest(r.Context(), p.Tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Test delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
