package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/admission"
	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/breaker"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
)

type sessionRequest struct {
	UserID       string   `json:"user_id" example:"u-1"`
	Role         string   `json:"role" example:"operator"`
	TenantID     string   `json:"tenant_id,omitempty" example:"acme"`
	AllowedUnits []string `json:"allowed_units,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty" example:"3600"`
}

type sessionResponse struct {
	Token string `json:"token"`
	auth.Principal
}

// issueSession creates a bearer credential for a principal.
// @Summary Issue a session token
// @Tags admin
// @Accept json
// @Param payload body sessionRequest true "Principal"
// @Success 201 {object} sessionResponse
// @Failure 400 {object} apperr.Envelope
// @Failure 401 {object} apperr.Envelope
// @Security BearerAuth
// @Router /auth/sessions [post]
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.TTLSeconds < 0 {
		s.fail(w, r, apperr.New(apperr.BadRequest, "ttl_seconds must not be negative"))
		return
	}
	p := auth.Principal{
		UserID:       body.UserID,
		Role:         body.Role,
		TenantID:     body.TenantID,
		AllowedUnits: body.AllowedUnits,
	}
	token, p, err := s.d.Sessions.Issue(r.Context(), p, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidUser) {
			err = apperr.Wrap(apperr.BadRequest, err, "user_id is required")
		}
		s.fail(w, r, err)
		return
	}
	s.d.Logger.Info("session issued", "user_id", p.UserID, "role", p.Role, "tenant_id", p.TenantID, "expires_at", p.ExpiresAt)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, Principal: p})
}

// revokeSession blacklists the presented bearer token.
func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request) {
	tok := contract.Bearer(r.Header)
	if tok == "" {
		s.fail(w, r, apperr.New(apperr.BadRequest, "bearer token is required"))
		return
	}
	if err := s.d.Sessions.Revoke(r.Context(), tok); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTenants(w http.ResponseWriter, _ *http.Request) {
	list := s.d.Tenants.List()
	if list == nil {
		list = []admission.Tenant{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.d.Tenants.Get(id)
	if !ok {
		s.fail(w, r, apperr.Newf(apperr.NotFound, "tenant %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// putTenant creates or replaces a tenant. The path id wins over the body.
// @Summary Create or replace a tenant
// @Tags admin
// @Accept json
// @Param id path string true "Tenant id"
// @Param payload body admission.Tenant true "Tenant"
// @Success 200 {object} admission.Tenant
// @Failure 400 {object} apperr.Envelope
// @Security BearerAuth
// @Router /admin/tenants/{id} [put]
func (s *Server) putTenant(w http.ResponseWriter, r *http.Request) {
	var t admission.Tenant
	if err := s.decode(w, r, &t); err != nil {
		s.fail(w, r, err)
		return
	}
	t.ID = r.PathValue("id")
	t.Status = admission.TenantStatus(strings.ToLower(string(t.Status)))
	switch t.Status {
	case "", admission.TenantEnabled, admission.TenantDisabled:
	default:
		s.fail(w, r, apperr.Newf(apperr.BadRequest, "unknown tenant status %q", t.Status))
		return
	}
	if t.RequestsPerMinute != nil && *t.RequestsPerMinute < 0 {
		s.fail(w, r, apperr.New(apperr.BadRequest, "requests_per_minute must not be negative"))
		return
	}
	saved, err := s.d.Tenants.Put(t)
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.BadRequest, err, err.Error()))
		return
	}
	s.d.Logger.Info("tenant saved", "tenant_id", saved.ID, "status", saved.Status)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.d.Tenants.Delete(id) {
		s.fail(w, r, apperr.Newf(apperr.NotFound, "tenant %q not found", id))
		return
	}
	s.d.Logger.Info("tenant deleted", "tenant_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) breakers(w http.ResponseWriter, _ *http.Request) {
	list := s.d.Breaker.Snapshot()
	if list == nil {
		list = []breaker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}
