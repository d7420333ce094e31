package key

import (
	"crypto/x509"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// publicKeySet renders the entry as a single-key JWKS including its
// certificate chain. alg is the algorithm recorded at creation.
func publicKeySet(entry *SigningKeyEntry) ([]byte, error) {
	jwk := jose.JSONWebKey{
		Key:          entry.PublicKey(),
		KeyID:        entry.KeyID,
		Algorithm:    entry.Algorithm,
		Use:          "sig",
		Certificates: []*x509.Certificate{entry.Certificate},
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("invalid public key for %q", entry.KeyID)
	}
	b, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key set: %w", err)
	}
	return b, nil
}
