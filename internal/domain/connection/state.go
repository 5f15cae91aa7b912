package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// stateClaims is the payload of a correlation token handed out by Initiate and
// echoed back to Complete.
type stateClaims struct {
	jwt.RegisteredClaims
	Provider Provider `json:"provider"`
}

// StateIssuer signs and checks short-lived correlation tokens. Nothing is
// stored server side.
type StateIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewStateIssuer(secret []byte, ttl time.Duration) *StateIssuer {
	return &StateIssuer{secret: secret, ttl: ttl}
}

func (s *StateIssuer) Issue(userID uuid.UUID, provider Provider) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("state secret not configured")
	}
	now := time.Now()
	exp := now.Add(s.ttl)
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Provider: provider,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign state: %w", err)
	}
	return signed, exp, nil
}

// Verify checks that token is unexpired and was issued to userID for
// provider.
func (s *StateIssuer) Verify(token string, userID uuid.UUID, provider Provider) error {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Subject != userID.String() || claims.Provider != provider {
		return ErrInvalidState
	}
	return nil
}
