package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"relay/internal/inbound"
)

type inboundProcessor interface {
	Process(ctx context.Context, tenantID string, headers http.Header, body []byte) (inbound.Result, error)
}

// BillingHandler handles POST /v1/inbound/billing/{tenantId}.
func (s *Server) BillingHandler(w http.ResponseWriter, r *http.Request) {
	s.handleInbound(w, r, s.Billing)
}

// IssuesHandler handles POST /v1/inbound/issues/{tenantId}.
func (s *Server) IssuesHandler(w http.ResponseWriter, r *http.Request) {
	s.handleInbound(w, r, s.Issues)
}

// handleInbound reads the exact body bytes once and hands them to p, which
// verifies the signature before decoding anything.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, p inboundProcessor) {
	limit := s.Config.Inbound.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Read body failed", err.Error(), r.URL.Path)
		return
	}
	res, err := p.Process(r.Context(), r.PathValue("tenantId"), r.Header, body)
	if err != nil {
		writeError(w, r, "Inbound event failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
