package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

type stakeholderResponse struct {
	WalletAddress string `json:"walletAddress"`
	Role          string `json:"role"`
	LicenseNumber string `json:"licenseNumber"`
	IsActive      bool   `json:"isActive"`
	Name          string `json:"name,omitempty"`
	Organization  string `json:"organization,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func toStakeholderResponse(s stakeholder.Stakeholder) stakeholderResponse {
	return stakeholderResponse{
		WalletAddress: s.WalletAddress,
		Role:          string(s.Role),
		LicenseNumber: s.LicenseNumber,
		IsActive:      s.IsActive,
		Name:          s.Name,
		Organization:  s.Organization,
		CreatedAt:     formatTime(s.CreatedAt),
		UpdatedAt:     formatTime(s.UpdatedAt),
	}
}

func (s *Server) handleRegisterStakeholder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	if err := session.Authorize(actor, session.ActionManageStakeholders, session.Resource{}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req stakeholder.RegisterRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	created, err := s.stakeholders.Register(r.Context(), actor.Role, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, toStakeholderResponse(created))
}

func (s *Server) handleListStakeholders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	if err := session.Authorize(actor, session.ActionManageStakeholders, session.Resource{}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	var filters stakeholder.ListFilters
	if raw := q.Get("role"); raw != "" {
		role, err := stakeholder.ParseRole(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filters.Role = role
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "active must be true or false")
			return
		}
		filters.Active = &active
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	filters.Limit = limit

	list, err := s.stakeholders.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]stakeholderResponse, 0, len(list))
	for _, st := range list {
		out = append(out, toStakeholderResponse(st))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleGetStakeholder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	if err := session.Authorize(actor, session.ActionReadStakeholder, session.Resource{}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	st, err := s.stakeholders.Get(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStakeholderResponse(st))
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	if err := session.Authorize(actor, session.ActionManageStakeholders, session.Resource{}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req updateRoleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	role, err := stakeholder.ParseRole(req.Role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	updated, err := s.stakeholders.UpdateRole(r.Context(), actor.Subject, actor.Role, chi.URLParam(r, "wallet"), role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStakeholderResponse(updated))
}

type setActiveRequest struct {
	IsActive *bool `json:"isActive"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
		return
	}
	if err := session.Authorize(actor, session.ActionManageStakeholders, session.Resource{}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req setActiveRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "isActive is required")
		return
	}
	updated, err := s.stakeholders.SetActive(r.Context(), actor.Subject, actor.Role, chi.URLParam(r, "wallet"), *req.IsActive)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toStakeholderResponse(updated))
}
