// Package providertest runs a fake provider token endpoint for tests.
package providertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfeidau/tokenbroker/internal/providers"
)

// Well-known inputs understood by the fake.
const (
	ValidCode          = "validcode"
	UnavailableCode    = "unavailable"
	RevokedRefresh     = "revoked-refresh"
	UnavailableRefresh = "unavailable-refresh"
)

// Server is a fake OAuth token endpoint.
type Server struct {
	*httptest.Server

	// Refreshes counts refresh_token grants received.
	Refreshes atomic.Int64
	// Exchanges counts authorization_code grants received.
	Exchanges atomic.Int64

	mu           sync.Mutex
	expiresIn    int
	omitRefresh  bool
	refreshDelay time.Duration
	issued       int
}

// NewServer starts a fake provider and closes it when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{expiresIn: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.token)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// SetExpiresIn changes the lifetime of issued access tokens. 0 omits expires_in.
func (s *Server) SetExpiresIn(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = seconds
}

// OmitRefreshToken stops the fake from issuing refresh tokens.
func (s *Server) OmitRefreshToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitRefresh = true
}

// SetRefreshDelay slows refresh responses down so concurrent callers overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// Credentials returns catalog credentials pointing at the fake.
func (s *Server) Credentials() providers.Credentials {
	return providers.Credentials{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		AuthURL:      s.URL + "/authorize",
		TokenURL:     s.URL + "/oauth/token",
	}
}

// Catalog returns a catalog where every listed provider talks to the fake.
func (s *Server) Catalog(t *testing.T, names ...string) *providers.Catalog {
	t.Helper()

	f := providers.File{
		RedirectBaseURL: "https://app.example.com",
		Providers:       make(map[string]providers.Credentials, len(names)),
	}
	for _, name := range names {
		f.Providers[name] = s.Credentials()
	}

	c, err := providers.NewCatalog(f)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.Exchanges.Add(1)
		switch r.PostForm.Get("code") {
		case ValidCode:
			s.issue(w, "")
		case UnavailableCode:
			writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
		default:
			writeError(w, http.StatusBadRequest, "invalid_grant")
		}

	case "refresh_token":
		s.Refreshes.Add(1)

		s.mu.Lock()
		delay := s.refreshDelay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		switch r.PostForm.Get("refresh_token") {
		case RevokedRefresh:
			writeError(w, http.StatusBadRequest, "invalid_grant")
		case UnavailableRefresh:
			writeError(w, http.StatusBadGateway, "")
		case "":
			writeError(w, http.StatusBadRequest, "invalid_request")
		default:
			s.issue(w, "refreshed-")
		}

	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) issue(w http.ResponseWriter, prefix string) {
	s.mu.Lock()
	s.issued++
	n := s.issued
	expiresIn := s.expiresIn
	omitRefresh := s.omitRefresh
	s.mu.Unlock()

	body := map[string]any{
		"access_token": prefix + "access-" + strconv.Itoa(n),
		"token_type":   "Bearer",
	}
	if expiresIn > 0 {
		body["expires_in"] = expiresIn
	}
	if !omitRefresh {
		body["refresh_token"] = prefix + "refresh-" + strconv.Itoa(n)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if code != "" {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}
