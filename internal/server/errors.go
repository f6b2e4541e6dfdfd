package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/broker"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/configsvc"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

// errorResponse is the JSON body of every API error.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// apiError maps a service error to a status and a body that is safe to return.
// Messages are fixed strings so provider responses and ciphertext never leak.
func apiError(err error) (int, errorResponse) {
	var verr *providers.ValidationError

	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorResponse{Code: "invalid_config", Message: verr.Error(), Field: verr.Field}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden, errorResponse{Code: "forbidden", Message: "not a member of this organization"}
	case errors.Is(err, store.ErrConnectionNotFound), errors.Is(err, broker.ErrNotConnected):
		return http.StatusNotFound, errorResponse{Code: "not_found", Message: "connection not found"}
	case errors.Is(err, store.ErrConfigNotFound):
		return http.StatusNotFound, errorResponse{Code: "not_found", Message: "no config saved for connection"}
	case errors.Is(err, providers.ErrUnsupportedProvider):
		return http.StatusBadRequest, errorResponse{Code: "unsupported_provider", Message: "unsupported provider", Field: "provider"}
	case errors.Is(err, broker.ErrPATNotSupported):
		return http.StatusBadRequest, errorResponse{Code: "pat_not_supported", Message: "provider only supports OAuth connections", Field: "provider"}
	case errors.Is(err, configsvc.ErrProviderMismatch):
		return http.StatusBadRequest, errorResponse{Code: "provider_mismatch", Message: "provider does not match connection", Field: "provider"}
	case errors.Is(err, store.ErrDuplicateConnection), errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, errorResponse{Code: "conflict", Message: "connection was modified, retry"}
	case errors.Is(err, handshake.ErrTokenRevoked):
		return http.StatusConflict, errorResponse{Code: "reauthorization_required", Message: "provider revoked access, reconnect"}
	case errors.Is(err, handshake.ErrProviderExchange):
		return http.StatusBadGateway, errorResponse{Code: "provider_rejected", Message: "provider rejected the request"}
	case errors.Is(err, handshake.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Code: "provider_unavailable", Message: "provider is unavailable, retry later"}
	case errors.Is(err, cipher.ErrDecryption):
		return http.StatusInternalServerError, errorResponse{Code: "internal_error", Message: "stored credential is unreadable"}
	default:
		return http.StatusInternalServerError, errorResponse{Code: "internal_error", Message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := apiError(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, message, field string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: message, Field: field})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
