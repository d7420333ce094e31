package assertion

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/zarvd/fhir-auth/internal/key"
)

// ErrSigning is returned when a client assertion cannot be built or signed.
var ErrSigning = errors.New("client assertion signing failed")

// clockSkew is subtracted from nbf so token endpoints with slow clocks still
// accept a freshly minted assertion.
const clockSkew = 60 * time.Second

// Claims is the claim set of a client assertion. Field order is fixed so the
// encoded payload only differs in jti and the timestamps.
type Claims struct {
	jwt.RegisteredClaims
	KeyID string `json:"kid,omitempty"`
}

// Signer mints JWT-bearer client assertions.
type Signer struct {
	now   func() time.Time
	newID func() string
}

type Option func(*Signer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithIDGenerator overrides the jti generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Signer) { s.newID = newID }
}

func New(opts ...Option) *Signer {
	s := &Signer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns the compact serialization of a client assertion issued by
// clientID for audience, valid for ttl.
func (s *Signer) Sign(
	entry *key.SigningKeyEntry,
	profile key.Profile,
	clientID, audience string,
	ttl time.Duration,
) (string, error) {
	switch profile.Family {
	case key.FamilyRSA, key.FamilyEC:
	default:
		return "", fmt.Errorf("%w: key family %q", key.ErrUnsupportedAlgorithm, profile.Family)
	}
	if profile.SigningMethod == nil {
		return "", fmt.Errorf("%w: %q", key.ErrUnsupportedAlgorithm, profile.ID)
	}
	if entry == nil || !profile.Matches(entry.PrivateKey) {
		return "", fmt.Errorf("%w: signing key does not match %s", key.ErrUnsupportedAlgorithm, profile.ID)
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    clientID,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now.Add(-clockSkew)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        s.newID(),
		},
		KeyID: entry.KeyID,
	}

	tok := jwt.NewWithClaims(profile.SigningMethod, claims)
	tok.Header["kid"] = entry.KeyID

	signed, err := tok.SignedString(entry.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return signed, nil
}
