package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrCSRFMismatch is returned when the callback state is missing, forged, expired or replayed.
	ErrCSRFMismatch = errors.New("authorization state mismatch")

	// ErrProviderExchange is returned when the provider permanently rejected a code exchange.
	ErrProviderExchange = errors.New("provider rejected authorization")

	// ErrProviderUnavailable is returned for timeouts, network failures and 5xx responses.
	// Callers may retry.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTokenRevoked is returned when the provider no longer honours the refresh token.
	ErrTokenRevoked = errors.New("provider revoked the refresh token")
)

// classifyExchangeError maps a code exchange failure to ErrProviderExchange or
// ErrProviderUnavailable. The provider response body is not carried over.
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, re.Response.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrProviderExchange, describe(re))
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderExchange, err)
}

// classifyRefreshError maps a refresh failure. invalid_grant, 400 and 401 mean the grant
// is gone; 5xx and transport failures are transient.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant",
			status == http.StatusBadRequest,
			status == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrTokenRevoked, describe(re))
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, status)
		default:
			return fmt.Errorf("%w: %s", ErrProviderExchange, describe(re))
		}
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderExchange, err)
}

func describe(re *oauth2.RetrieveError) string {
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if re.ErrorCode != "" {
		return fmt.Sprintf("status %d, error %s", status, re.ErrorCode)
	}
	return fmt.Sprintf("status %d", status)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
