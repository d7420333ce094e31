package key

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStoreKeyManager_Sign(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"RS384", "ES256"} {
		t.Run("signing a JWT with "+id, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t, testSpec(t.TempDir()))
			profile := mustProfile(t, id)
			require.NoError(t, store.EnsureKey(context.Background(), profile, testCertInfo))

			km, err := NewStoreKeyManager(context.Background(), slog.Default(), store, profile, 10*time.Minute)
			require.NoError(t, err)
			require.Equal(t, 10*time.Minute, km.Expiration())

			payload := `{"sub":"system:serviceaccount:default:fhir"}`
			encodedClaims := base64.RawURLEncoding.EncodeToString([]byte(payload))

			signed, err := km.Sign(context.Background(), encodedClaims)
			require.NoError(t, err)
			require.Equal(t, "kid-1", signed.KeyID)
			require.Equal(t, encodedClaims, signed.Payload)

			keys, err := km.PublicKeys(context.Background())
			require.NoError(t, err)
			require.Len(t, keys, 1)
			require.Equal(t, "kid-1", keys[0].KeyID)
			pub, err := x509.ParsePKIXPublicKey(keys[0].Key)
			require.NoError(t, err)

			compact := signed.Header + "." + signed.Payload + "." + signed.Signature
			tok, err := jwt.Parse(compact, func(tok *jwt.Token) (any, error) {
				require.Equal(t, "kid-1", tok.Header["kid"])
				return pub, nil
			}, jwt.WithValidMethods([]string{id}))
			require.NoError(t, err)
			require.True(t, tok.Valid)

			sub, err := tok.Claims.GetSubject()
			require.NoError(t, err)
			require.Equal(t, "system:serviceaccount:default:fhir", sub)

			require.False(t, km.LastRotatedAt().IsZero())
		})
	}

	t.Run("fails without a stored key", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t, testSpec(t.TempDir()))
		_, err := NewStoreKeyManager(context.Background(), slog.Default(), store, mustProfile(t, "RS384"), time.Minute)
		require.ErrorIs(t, err, ErrKeyAccess)
	})
}
