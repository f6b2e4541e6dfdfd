package handshake

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/providers"
)

// StateCookieName is the cookie carrying the signed handshake state. The __Host- prefix
// pins it to this origin with Secure and Path=/.
const StateCookieName = "__Host-integration_state"

// ReauthorizePath is where failed handshakes send the browser.
const ReauthorizePath = "/integrations"

// Handlers exposes the browser side of the handshake.
type Handlers struct {
	coordinator *Coordinator
}

// NewHandlers creates handlers backed by c.
func NewHandlers(c *Coordinator) *Handlers {
	return &Handlers{coordinator: c}
}

// Begin starts a handshake for the authenticated identity and redirects to the provider.
// Route: GET /integrations/{provider}/connect?returnTo=
func (h *Handlers) Begin(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())
	provider := chi.URLParam(r, "provider")

	id, err := auth.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	authz, err := h.coordinator.Begin(r.Context(), id, provider, r.URL.Query().Get("returnTo"))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			http.Error(w, "Not a member of this organization", http.StatusForbidden)
		case errors.Is(err, providers.ErrUnsupportedProvider):
			http.Error(w, "Unsupported provider", http.StatusNotFound)
		default:
			logger.Error().Err(err).Str("provider", provider).Msg("Failed to begin handshake")
			http.Error(w, "Failed to start authorization", http.StatusInternalServerError)
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    authz.Transport,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(authz.ExpiresAt.Sub(h.coordinator.now()).Seconds()),
	})

	http.Redirect(w, r, authz.URL, http.StatusFound)
}

// Callback completes the handshake and redirects to the stored returnTo, or to the
// re-authorize entry point on any failure. The state cookie is always cleared.
// Route: GET /integrations/{provider}/callback
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())
	provider, err := providers.Normalize(chi.URLParam(r, "provider"))
	if err != nil {
		http.Error(w, "Unsupported provider", http.StatusNotFound)
		return
	}

	var transported string
	if cookie, err := r.Cookie(StateCookieName); err == nil {
		transported = cookie.Value
	}

	// Clear the state cookie whatever the outcome
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		logger.Warn().Str("provider", provider).Str("provider_error", providerErr).Msg("Provider returned an authorization error")
		redirectReauthorize(w, r, provider, "access_denied")
		return
	}

	result, err := h.coordinator.complete(r.Context(), provider, transported, q.Get("state"), q.Get("code"))
	if err != nil {
		redirectReauthorize(w, r, provider, ErrorCode(err))
		return
	}

	http.Redirect(w, r, result.ReturnTo, http.StatusFound)
}

// ErrorCode returns the short code used in re-authorize redirects for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCSRFMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProviderExchange):
		return "provider_rejected"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, providers.ErrUnsupportedProvider):
		return "unsupported_provider"
	default:
		return "internal_error"
	}
}

func redirectReauthorize(w http.ResponseWriter, r *http.Request, provider, code string) {
	q := url.Values{}
	q.Set("reauthorize", provider)
	q.Set("error", code)
	http.Redirect(w, r, ReauthorizePath+"?"+q.Encode(), http.StatusFound)
}
