package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{
			name:       "IPv4 remote addr",
			remoteAddr: "192.168.1.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "IPv6 remote addr",
			remoteAddr: "[2001:db8::1]:54321",
			expected:   "2001:db8::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
		{
			name:       "forwarded header ignored without trusted proxy",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "10.0.0.1",
		},
		{
			name:       "first forwarded address",
			trustProxy: true,
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1  ,  198.51.100.1"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.1",
		},
		{
			name:       "forwarded for wins over real ip",
			trustProxy: true,
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.1",
				"X-Real-IP":       "192.168.1.100",
			},
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.1",
		},
		{
			name:       "real ip",
			trustProxy: true,
			headers:    map[string]string{"X-Real-IP": "192.168.1.100"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "192.168.1.100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			require.Equal(t, tt.expected, ExtractClientIP(r, tt.trustProxy))
		})
	}
}

func TestClientIP(t *testing.T) {
	var captured string
	handler := ClientIP(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "203.0.113.1", captured)
	require.Empty(t, ClientIPFromContext(context.Background()))
}

func TestNoStore(t *testing.T) {
	handler := NoStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
