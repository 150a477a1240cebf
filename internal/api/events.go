package api

import (
	"net/http"

	"relay/internal/model"
)

// EmitHandler handles POST /v1/events: fan a domain event out to the caller's subscribers.
func (s *Server) EmitHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req model.EmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	ids, err := s.Dispatcher.Dispatch(r.Context(), p.Tenant, req.Event, req.Data)
	if err != nil {
		writeError(w, r, "Dispatch failed", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, model.EmitResponse{Event: req.Event, DeliveryIDs: ids})
}
