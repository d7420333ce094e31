package key

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

var _ KeyManager = (*storeKeyManager)(nil)

// storeKeyManager signs with the key held by a Store. The key never rotates;
// LastRotatedAt reports when its certificate became valid.
type storeKeyManager struct {
	logger  *slog.Logger
	store   *Store
	profile Profile
	expiry  time.Duration
}

func NewStoreKeyManager(
	ctx context.Context,
	logger *slog.Logger,
	store *Store,
	profile Profile,
	expiry time.Duration,
) (KeyManager, error) {
	k := &storeKeyManager{
		logger:  logger,
		store:   store,
		profile: profile,
		expiry:  expiry,
	}
	if _, err := store.SigningKey(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return k, nil
}

func (s *storeKeyManager) Sign(ctx context.Context, encodedClaims string) (*SignedToken, error) {
	entry, err := s.store.SigningKey(ctx, s.profile)
	if err != nil {
		return nil, err
	}

	header := map[string]string{
		"alg": s.profile.ID,
		"typ": "JWT",
		"kid": entry.KeyID,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)

	signature, err := s.profile.SigningMethod.Sign(headerB64+"."+encodedClaims, entry.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign claims: %w", err)
	}

	return &SignedToken{
		KeyID:     entry.KeyID,
		Header:    headerB64,
		Payload:   encodedClaims,
		Signature: base64.RawURLEncoding.EncodeToString(signature),
	}, nil
}

func (s *storeKeyManager) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	entry, err := s.store.SigningKey(ctx, s.profile)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(entry.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return []*PublicKey{{KeyID: entry.KeyID, Key: der}}, nil
}

func (s *storeKeyManager) Expiration() time.Duration {
	return s.expiry
}

func (s *storeKeyManager) LastRotatedAt() time.Time {
	entry, err := s.store.SigningKey(context.Background(), s.profile)
	if err != nil {
		s.logger.Error("failed to load signing key", slog.Any("error", err))
		return time.Time{}
	}
	return entry.Certificate.NotBefore
}
