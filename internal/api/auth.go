package api

import (
	"net/http"
	"strings"

	"relay/internal/auth"
)

// principal resolves the caller. A bearer token is verified with the
// configured verifier; in dev mode X-Tenant-Id and X-Role headers are
// accepted instead.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	if s.Auth.Mode != auth.ModeDev {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = auth.RoleAdmin
	}
	return auth.Principal{Tenant: tenant, Role: role}, nil
}

// authorize writes a problem and returns false unless the caller is known
// and, when manage is set, allowed to change configuration.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, manage bool) (auth.Principal, bool) {
	p, err := s.principal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return p, false
	}
	if manage && !p.CanManage() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return p, false
	}
	return p, true
}
