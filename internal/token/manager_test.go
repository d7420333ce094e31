package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/zarvd/fhir-auth/internal/assertion"
	"github.com/zarvd/fhir-auth/internal/key"
)

func unsignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}

func TestManager_Exchange(t *testing.T) {
	t.Parallel()

	t.Run("returns the bearer token on 200", func(t *testing.T) {
		t.Parallel()

		var form url.Values
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"access_token":"abc123","token_type":"bearer","expires_in":300}`)
		}))
		t.Cleanup(srv.Close)

		m := NewManager(slog.Default(), srv.Client())
		bearer, err := m.Exchange(context.Background(), srv.URL, "signed.jwt.value", []string{"system/Patient.read", "system/Observation.read"})
		require.NoError(t, err)
		require.Equal(t, "Bearer abc123", bearer)

		require.Equal(t, "client_credentials", form.Get("grant_type"))
		require.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", form.Get("client_assertion_type"))
		require.Equal(t, "signed.jwt.value", form.Get("client_assertion"))
		require.Equal(t, "system/Patient.read system/Observation.read", form.Get("scope"))
	})

	t.Run("passes non-200 responses through verbatim", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "invalid_client")
		}))
		t.Cleanup(srv.Close)

		_, err := NewManager(slog.Default(), srv.Client()).Exchange(context.Background(), srv.URL, "a", nil)
		var exErr *ExchangeError
		require.True(t, errors.As(err, &exErr))
		require.Equal(t, http.StatusUnauthorized, exErr.StatusCode)
		require.Equal(t, "invalid_client", exErr.Body)
		require.False(t, exErr.Truncated)
	})

	t.Run("flags error bodies cut at the read limit", func(t *testing.T) {
		t.Parallel()

		long := strings.Repeat("x", MaxResponseBytes+10)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, long)
		}))
		t.Cleanup(srv.Close)

		_, err := NewManager(slog.Default(), srv.Client()).Exchange(context.Background(), srv.URL, "a", nil)
		var exErr *ExchangeError
		require.True(t, errors.As(err, &exErr))
		require.True(t, exErr.Truncated)
		require.Equal(t, long[:MaxResponseBytes], exErr.Body)
		require.Contains(t, exErr.Error(), "(truncated)")
	})

	t.Run("fails when access_token is absent", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"token_type":"bearer"}`)
		}))
		t.Cleanup(srv.Close)

		bearer, err := NewManager(slog.Default(), srv.Client()).Exchange(context.Background(), srv.URL, "a", nil)
		require.ErrorIs(t, err, ErrMissingAccessToken)
		require.Empty(t, bearer)
	})

	t.Run("fails on a malformed body", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `not json`)
		}))
		t.Cleanup(srv.Close)

		_, err := NewManager(slog.Default(), srv.Client()).Exchange(context.Background(), srv.URL, "a", nil)
		require.Error(t, err)
	})

	t.Run("honours the context deadline", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() {
			close(release)
			srv.Close()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewManager(slog.Default(), srv.Client()).Exchange(ctx, srv.URL, "a", nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		exp     time.Time
		expired bool
	}{
		{name: "exp equal to now", exp: now, expired: true},
		{name: "exp in the past", exp: now.Add(-time.Minute), expired: true},
		{name: "exp one second ahead", exp: now.Add(time.Second), expired: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bearer := BearerPrefix + unsignedToken(t, jwt.MapClaims{"exp": tt.exp.Unix()})
			expired, err := IsExpired(bearer, now)
			require.NoError(t, err)
			require.Equal(t, tt.expired, expired)
		})
	}

	t.Run("sub-second remainder of now is ignored", func(t *testing.T) {
		t.Parallel()

		bearer := BearerPrefix + unsignedToken(t, jwt.MapClaims{"exp": now.Unix()})
		expired, err := IsExpired(bearer, now.Add(-time.Millisecond))
		require.NoError(t, err)
		require.False(t, expired)
	})

	t.Run("malformed tokens fail to parse", func(t *testing.T) {
		t.Parallel()

		for _, bearer := range []string{
			"",
			"Bearer ",
			"Bearer not-a-jwt",
			"Bearer " + unsignedToken(t, jwt.MapClaims{"sub": "no-exp"}),
			"Bearer " + unsignedToken(t, jwt.MapClaims{"exp": "tomorrow"}),
		} {
			_, err := IsExpired(bearer, now)
			require.ErrorIs(t, err, ErrTokenParse, fmt.Sprintf("%q", bearer))
		}
	})

	t.Run("fresh client assertion is not expired", func(t *testing.T) {
		t.Parallel()

		profile, err := key.ProfileFor("RS384")
		require.NoError(t, err)
		priv, err := profile.GenerateKey()
		require.NoError(t, err)
		entry := &key.SigningKeyEntry{KeyID: "kid-1", Family: profile.Family, PrivateKey: priv}

		signed, err := assertion.New().Sign(entry, profile, "client", "https://example.com/token", time.Minute)
		require.NoError(t, err)

		expired, err := IsExpired(BearerPrefix+signed, time.Now())
		require.NoError(t, err)
		require.False(t, expired)

		claims := jwt.MapClaims{}
		_, _, err = jwt.NewParser().ParseUnverified(signed, claims)
		require.NoError(t, err)
		nbf, err := claims.GetNotBefore()
		require.NoError(t, err)
		require.True(t, nbf.Before(time.Now()))
		require.WithinDuration(t, time.Now().Add(-60*time.Second), nbf.Time, 5*time.Second)
	})
}
