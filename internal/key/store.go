package key

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Store owns the keystore file described by a KeyStoreSpec. It holds exactly
// one signing key under the configured alias.
type Store struct {
	logger *slog.Logger
	spec   KeyStoreSpec
	now    func() time.Time

	// mu guards the read-modify-write of the keystore file.
	mu     sync.Mutex
	loaded *SigningKeyEntry
}

func NewStore(logger *slog.Logger, spec KeyStoreSpec) (*Store, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		logger: logger.With(slog.String("key-alias", spec.KeyAlias)),
		spec:   spec,
		now:    time.Now,
	}, nil
}

func (s *Store) Spec() KeyStoreSpec {
	return s.spec
}

// EnsureKey creates the keystore and the signing key under the configured
// alias if they do not exist yet. An existing entry is left untouched; only
// its public key set file is rewritten when missing.
func (s *Store) EnsureKey(ctx context.Context, profile Profile, info CertificateInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if profile.generate == nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, profile.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := readContainer(s.spec.StorePath(), s.spec.StorePassword)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyAccess, err)
	}
	if stored, ok := c.Entries[s.spec.KeyAlias]; ok {
		s.logger.Debug("signing key already present")
		return s.repairKeySet(stored)
	}

	s.logger.Info("generating signing key", slog.String("algorithm", profile.ID), slog.Any("keystore", s.spec))

	priv, err := profile.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	now := s.now().UTC()
	cert, err := selfSignedCertificate(priv, profile, info, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	pfx, err := pkcs12.Modern.Encode(priv, cert, nil, s.spec.KeyPassword)
	if err != nil {
		return fmt.Errorf("%w: failed to encode key entry: %w", ErrKeyGeneration, err)
	}

	c.Entries[s.spec.KeyAlias] = storedEntry{
		KeyID:     s.spec.KeyID,
		Algorithm: profile.ID,
		PFX:       pfx,
		CreatedAt: now,
	}
	if err := writeContainer(s.spec.StorePath(), s.spec.StorePassword, c); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	entry := &SigningKeyEntry{
		KeyID:       s.spec.KeyID,
		Family:      profile.Family,
		Algorithm:   profile.ID,
		PrivateKey:  priv,
		Certificate: cert,
	}
	s.loaded = entry
	if err := s.writeKeySet(entry); err != nil {
		return err
	}

	s.logger.Info("signing key created",
		slog.String("key-id", entry.KeyID),
		slog.Time("not-after", cert.NotAfter),
		slog.String("key-set", s.spec.KeySetPath()),
	)
	return nil
}

// SigningKey returns the stored key material interpreted under profile.
func (s *Store) SigningKey(ctx context.Context, profile Profile) (*SigningKeyEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.loaded
	if entry == nil {
		var err error
		if entry, err = s.load(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyAccess, err)
		}
		s.loaded = entry
	}
	if !profile.Matches(entry.PrivateKey) {
		return nil, fmt.Errorf("%w: stored key %q is not usable with %s", ErrKeyAccess, entry.KeyID, profile.ID)
	}
	return entry, nil
}

// PublicKeySet returns the JWKS document for the stored key.
func (s *Store) PublicKeySet(ctx context.Context, profile Profile) ([]byte, error) {
	entry, err := s.SigningKey(ctx, profile)
	if err != nil {
		return nil, err
	}
	return publicKeySet(entry)
}

// repairKeySet writes the public key set of an existing entry when the file
// is missing, which happens when an earlier EnsureKey failed after the
// keystore was persisted.
func (s *Store) repairKeySet(stored storedEntry) error {
	_, err := os.Stat(s.spec.KeySetPath())
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	entry, err := s.decode(stored)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyAccess, err)
	}
	s.logger.Info("restoring missing public key set", slog.String("key-set", s.spec.KeySetPath()))
	return s.writeKeySet(entry)
}

func (s *Store) writeKeySet(entry *SigningKeyEntry) error {
	jwks, err := publicKeySet(entry)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	if err := writeFileAtomic(s.spec.KeySetPath(), jwks, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return nil
}

func (s *Store) load() (*SigningKeyEntry, error) {
	c, err := readContainer(s.spec.StorePath(), s.spec.StorePassword)
	if err != nil {
		return nil, err
	}
	stored, ok := c.Entries[s.spec.KeyAlias]
	if !ok {
		return nil, fmt.Errorf("no entry under alias %q", s.spec.KeyAlias)
	}
	return s.decode(stored)
}

func (s *Store) decode(stored storedEntry) (*SigningKeyEntry, error) {
	priv, cert, _, err := pkcs12.DecodeChain(stored.PFX, s.spec.KeyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %q: %w", s.spec.KeyAlias, err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("entry %q holds an unsupported key type %T", s.spec.KeyAlias, priv)
	}
	family, ok := familyOf(signer)
	if !ok {
		return nil, fmt.Errorf("entry %q holds an unsupported key type %T", s.spec.KeyAlias, priv)
	}
	return &SigningKeyEntry{
		KeyID:       stored.KeyID,
		Family:      family,
		Algorithm:   stored.Algorithm,
		PrivateKey:  signer,
		Certificate: cert,
	}, nil
}
