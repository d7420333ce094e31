package key

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnsupportedAlgorithm is returned for algorithm identifiers or key
	// families outside the profile registry.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrKeyAccess is returned when the keystore cannot be opened or the
	// configured entry cannot be read.
	ErrKeyAccess = errors.New("key access failed")
	// ErrKeyGeneration is returned when generating, certifying or persisting a
	// new key fails. Callers may retry generation.
	ErrKeyGeneration = errors.New("key generation failed")
)

const defaultKeySetFileName = "jwks.json"

// KeyStoreSpec locates the keystore file and the entry inside it.
type KeyStoreSpec struct {
	Dir           string
	FileName      string
	StorePassword string
	KeyAlias      string
	KeyPassword   string
	KeyID         string

	// KeySetFileName is the public key set written next to the keystore.
	// Defaults to jwks.json.
	KeySetFileName string
}

func (s KeyStoreSpec) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"dir":            s.Dir,
		"file-name":      s.FileName,
		"store-password": s.StorePassword,
		"key-alias":      s.KeyAlias,
		"key-password":   s.KeyPassword,
		"key-id":         s.KeyID,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("keystore spec: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s KeyStoreSpec) StorePath() string {
	return filepath.Join(s.Dir, s.FileName)
}

func (s KeyStoreSpec) KeySetPath() string {
	name := s.KeySetFileName
	if name == "" {
		name = defaultKeySetFileName
	}
	return filepath.Join(s.Dir, name)
}

func (s KeyStoreSpec) String() string {
	return fmt.Sprintf("KeyStoreSpec{dir=%s, file-name=%s, store-password=%s, key-alias=%s, key-password=%s, key-id=%s}",
		s.Dir, s.FileName, passwordPresence(s.StorePassword), s.KeyAlias, passwordPresence(s.KeyPassword), s.KeyID)
}

func (s KeyStoreSpec) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("dir", s.Dir),
		slog.String("file-name", s.FileName),
		slog.String("store-password", passwordPresence(s.StorePassword)),
		slog.String("key-alias", s.KeyAlias),
		slog.String("key-password", passwordPresence(s.KeyPassword)),
		slog.String("key-id", s.KeyID),
	)
}

func passwordPresence(v string) string {
	if strings.TrimSpace(v) != "" {
		return "<present>"
	}
	return "<hidden>"
}

// CertificateInfo is the subject of the self-signed certificate.
type CertificateInfo struct {
	Owner   string
	Org     string
	Country string
}

// SigningKeyEntry is the key material held under the configured alias.
type SigningKeyEntry struct {
	KeyID  string
	Family Family
	// Algorithm is the profile the key was created for.
	Algorithm   string
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
}

func (e *SigningKeyEntry) PublicKey() crypto.PublicKey {
	return e.PrivateKey.Public()
}

type SignedToken struct {
	KeyID     string
	Header    string
	Payload   string
	Signature string
}

type PublicKey struct {
	KeyID string
	Key   []byte
}

// KeyManager signs pre-encoded JWT claims with the stored key and publishes
// its public half.
type KeyManager interface {
	Sign(ctx context.Context, encodedClaims string) (*SignedToken, error)
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
	Expiration() time.Duration
	LastRotatedAt() time.Time
}
