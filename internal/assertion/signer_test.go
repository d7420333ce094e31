package assertion

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/zarvd/fhir-auth/internal/key"
)

func newEntry(t *testing.T, profile key.Profile) *key.SigningKeyEntry {
	t.Helper()
	priv, err := profile.GenerateKey()
	require.NoError(t, err)
	return &key.SigningKeyEntry{KeyID: "kid-1", Family: profile.Family, PrivateKey: priv}
}

func mustProfile(t *testing.T, id string) key.Profile {
	t.Helper()
	p, err := key.ProfileFor(id)
	require.NoError(t, err)
	return p
}

func payloadOf(t *testing.T, compact string) string {
	t.Helper()
	parts := strings.Split(compact, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	return string(raw)
}

func TestSigner_Sign(t *testing.T) {
	t.Parallel()

	const (
		clientID = "client-123"
		audience = "https://fhir.example.com/oauth2/token"
	)

	for _, id := range key.Profiles() {
		t.Run("round trip with "+id, func(t *testing.T) {
			t.Parallel()

			profile := mustProfile(t, id)
			entry := newEntry(t, profile)

			signed, err := New().Sign(entry, profile, clientID, audience, 5*time.Minute)
			require.NoError(t, err)

			claims := &Claims{}
			tok, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
				return entry.PrivateKey.Public(), nil
			}, jwt.WithValidMethods([]string{id}), jwt.WithAudience(audience), jwt.WithIssuer(clientID))
			require.NoError(t, err)
			require.True(t, tok.Valid)

			require.Equal(t, "JWT", tok.Header["typ"])
			require.Equal(t, "kid-1", tok.Header["kid"])
			require.Equal(t, clientID, claims.Subject)
			require.Equal(t, "kid-1", claims.KeyID)
			require.NotEmpty(t, claims.ID)

			now := time.Now()
			require.True(t, claims.NotBefore.Before(now))
			require.WithinDuration(t, now.Add(-clockSkew), claims.NotBefore.Time, 5*time.Second)
			require.Equal(t, 5*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
		})
	}

	t.Run("claim structure is stable", func(t *testing.T) {
		t.Parallel()

		profile := mustProfile(t, "RS384")
		entry := newEntry(t, profile)
		fixed := time.Unix(1_700_000_000, 0)
		s := New(WithClock(func() time.Time { return fixed }), WithIDGenerator(func() string { return "jti-1" }))

		a, err := s.Sign(entry, profile, clientID, audience, time.Minute)
		require.NoError(t, err)
		b, err := s.Sign(entry, profile, clientID, audience, time.Minute)
		require.NoError(t, err)

		require.Equal(t, payloadOf(t, a), payloadOf(t, b))
		require.Equal(t,
			`{"iss":"client-123","sub":"client-123","aud":["https://fhir.example.com/oauth2/token"],`+
				`"exp":1700000060,"nbf":1699999940,"iat":1700000000,"jti":"jti-1","kid":"kid-1"}`,
			payloadOf(t, a))
	})

	t.Run("token id varies per call", func(t *testing.T) {
		t.Parallel()

		profile := mustProfile(t, "ES256")
		entry := newEntry(t, profile)
		s := New()

		a, err := s.Sign(entry, profile, clientID, audience, time.Minute)
		require.NoError(t, err)
		b, err := s.Sign(entry, profile, clientID, audience, time.Minute)
		require.NoError(t, err)

		var ca, cb Claims
		_, _, err = jwt.NewParser().ParseUnverified(a, &ca)
		require.NoError(t, err)
		_, _, err = jwt.NewParser().ParseUnverified(b, &cb)
		require.NoError(t, err)
		require.NotEqual(t, ca.ID, cb.ID)
	})

	t.Run("rejects unsupported families", func(t *testing.T) {
		t.Parallel()

		profile := mustProfile(t, "ES256")
		entry := newEntry(t, profile)

		bad := profile
		bad.Family = "OKP"
		_, err := New().Sign(entry, bad, clientID, audience, time.Minute)
		require.ErrorIs(t, err, key.ErrUnsupportedAlgorithm)

		_, err = New().Sign(entry, mustProfile(t, "RS256"), clientID, audience, time.Minute)
		require.ErrorIs(t, err, key.ErrUnsupportedAlgorithm)

		_, err = New().Sign(nil, profile, clientID, audience, time.Minute)
		require.ErrorIs(t, err, key.ErrUnsupportedAlgorithm)
	})
}
