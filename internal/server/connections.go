package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
)

// maxBodyBytes bounds request bodies; config payloads are limited further by the registry.
const maxBodyBytes = 128 * 1024

type listConnectionsResponse struct {
	Connections []models.ConnectionSummary `json:"connections"`
}

type registerPATRequest struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
}

type saveConfigRequest struct {
	Provider string          `json:"provider"`
	Config   json.RawMessage `json:"config"`
}

type configResponse struct {
	ConnectionID  uuid.UUID       `json:"connection_id"`
	Provider      string          `json:"provider"`
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Config        json.RawMessage `json:"config"`
	Effective     json.RawMessage `json:"effective,omitempty"` // defaults applied, reads only
}

func newConfigResponse(cfg *models.IntegrationConfig) configResponse {
	return configResponse{
		ConnectionID:  cfg.ConnectionID,
		Provider:      cfg.Provider,
		SchemaVersion: cfg.SchemaVersion,
		UpdatedAt:     cfg.UpdatedAt,
		Config:        json.RawMessage(cfg.Data),
	}
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	list, err := s.cfg.Broker.ListConnections(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listConnectionsResponse{Connections: list})
}

func (s *Server) registerPAT(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req registerPATRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeBadRequest(w, "provider is required", "provider")
		return
	}

	summary, err := s.cfg.Broker.RegisterPersonalAccessToken(r.Context(), id, req.Provider, req.DisplayName, models.NewSecret(req.Token))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	connectionID, ok := connectionIDParam(w, r)
	if !ok {
		return
	}

	if err := s.cfg.Broker.Disconnect(r.Context(), id, connectionID); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	connectionID, ok := connectionIDParam(w, r)
	if !ok {
		return
	}

	cfg, parsed, err := s.cfg.Configs.GetConfig(r.Context(), id.OrgID, id.UserID, connectionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	effective, err := providers.Serialize(providers.WithDefaults(parsed))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := newConfigResponse(cfg)
	resp.Effective = effective
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	connectionID, ok := connectionIDParam(w, r)
	if !ok {
		return
	}

	var req saveConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeBadRequest(w, "provider is required", "provider")
		return
	}

	cfg, err := s.cfg.Configs.SaveConfig(r.Context(), id.OrgID, id.UserID, connectionID, req.Provider, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newConfigResponse(cfg))
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := auth.IdentityFromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Message: "a valid bearer token is required"})
		return auth.Identity{}, false
	}
	return id, true
}

func connectionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	connectionID, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		writeBadRequest(w, "connection ID must be a UUID", "connectionID")
		return uuid.Nil, false
	}
	return connectionID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Code: "too_large", Message: "request body is too large"})
			return false
		}
		writeBadRequest(w, "request body must be a JSON object", "")
		return false
	}
	return true
}
