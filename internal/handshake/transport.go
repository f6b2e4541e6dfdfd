package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wolfeidau/tokenbroker/internal/models"
)

const stateIssuer = "tokenbroker-handshake"

// MinSigningKeyLength is the shortest accepted state signing key.
const MinSigningKeyLength = 32

type stateClaims struct {
	jwt.RegisteredClaims
	State    string `json:"state"`
	OrgID    string `json:"org"`
	Provider string `json:"provider"`
	ReturnTo string `json:"return_to"`
}

// StateSigner signs and verifies the handshake state carried by the browser.
// Tokens are HS256 JWTs that expire with the state.
type StateSigner struct {
	key []byte
	now func() time.Time
}

// NewStateSigner creates a signer with the given key.
func NewStateSigner(key []byte) (*StateSigner, error) {
	if len(key) < MinSigningKeyLength {
		return nil, fmt.Errorf("state signing key must be at least %d bytes", MinSigningKeyLength)
	}
	return &StateSigner{key: key, now: time.Now}, nil
}

// Sign encodes hs as a signed token.
func (s *StateSigner) Sign(hs *models.HandshakeState) (string, error) {
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Subject:   hs.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(hs.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(hs.ExpiresAt()),
		},
		State:    hs.State,
		OrgID:    hs.OrgID.String(),
		Provider: hs.Provider,
		ReturnTo: hs.ReturnTo,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign handshake state: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token and returns the state it carries.
func (s *StateSigner) Verify(token string) (*models.HandshakeState, error) {
	if token == "" {
		return nil, errors.New("missing handshake state")
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake state: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errors.New("invalid handshake state subject")
	}
	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil {
		return nil, errors.New("invalid handshake state organization")
	}
	if claims.State == "" || claims.IssuedAt == nil {
		return nil, errors.New("incomplete handshake state")
	}

	hs := &models.HandshakeState{
		State:     claims.State,
		UserID:    userID,
		OrgID:     orgID,
		Provider:  claims.Provider,
		ReturnTo:  claims.ReturnTo,
		CreatedAt: claims.IssuedAt.Time,
	}

	// the lifetime is fixed from issue time whatever exp was signed
	if hs.IsExpired(s.now()) {
		return nil, errors.New("handshake state expired")
	}

	return hs, nil
}
