package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Family is the asymmetric key family of a profile.
type Family string

const (
	FamilyRSA Family = "RSA"
	FamilyEC  Family = "EC"
)

// Profile holds the generation and signing parameters of one JWS algorithm.
type Profile struct {
	ID            string
	Family        Family
	KeySize       int
	CertSigner    x509.SignatureAlgorithm
	SigningMethod jwt.SigningMethod

	generate func() (crypto.Signer, error)
}

// GenerateKey creates a fresh private key for the profile.
func (p Profile) GenerateKey() (crypto.Signer, error) {
	if p.generate == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.ID)
	}
	return p.generate()
}

// Matches reports whether priv belongs to the profile's key family.
func (p Profile) Matches(priv crypto.PrivateKey) bool {
	family, ok := familyOf(priv)
	if !ok || family != p.Family {
		return false
	}
	if k, ok := priv.(*ecdsa.PrivateKey); ok {
		return k.Curve.Params().BitSize == p.KeySize
	}
	return true
}

func familyOf(priv crypto.PrivateKey) (Family, bool) {
	switch priv.(type) {
	case *rsa.PrivateKey:
		return FamilyRSA, true
	case *ecdsa.PrivateKey:
		return FamilyEC, true
	default:
		return "", false
	}
}

func rsaGenerator(bits int) func() (crypto.Signer, error) {
	return func() (crypto.Signer, error) {
		return rsa.GenerateKey(rand.Reader, bits)
	}
}

func ecGenerator(curve elliptic.Curve) func() (crypto.Signer, error) {
	return func() (crypto.Signer, error) {
		return ecdsa.GenerateKey(curve, rand.Reader)
	}
}

var profiles = map[string]Profile{
	"RS256": {
		ID:            "RS256",
		Family:        FamilyRSA,
		KeySize:       2048,
		CertSigner:    x509.SHA256WithRSA,
		SigningMethod: jwt.SigningMethodRS256,
		generate:      rsaGenerator(2048),
	},
	"RS384": {
		ID:            "RS384",
		Family:        FamilyRSA,
		KeySize:       2048,
		CertSigner:    x509.SHA256WithRSA,
		SigningMethod: jwt.SigningMethodRS384,
		generate:      rsaGenerator(2048),
	},
	"ES256": {
		ID:            "ES256",
		Family:        FamilyEC,
		KeySize:       256,
		CertSigner:    x509.ECDSAWithSHA256,
		SigningMethod: jwt.SigningMethodES256,
		generate:      ecGenerator(elliptic.P256()),
	},
	"ES384": {
		ID:            "ES384",
		Family:        FamilyEC,
		KeySize:       384,
		CertSigner:    x509.ECDSAWithSHA384,
		SigningMethod: jwt.SigningMethodES384,
		generate:      ecGenerator(elliptic.P384()),
	},
}

// ProfileFor returns the registered profile for a JWS algorithm identifier.
func ProfileFor(id string) (Profile, error) {
	p, ok := profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, id)
	}
	return p, nil
}

// Profiles returns the supported algorithm identifiers in sorted order.
func Profiles() []string {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
