package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	grantTypeClientCredentials = "client_credentials"
	clientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// BearerPrefix precedes every token returned by Exchange.
	BearerPrefix = "Bearer "

	// DefaultTimeout bounds an exchange made with the default client.
	DefaultTimeout = 30 * time.Second

	// MaxResponseBytes bounds how much of a token endpoint response is read.
	MaxResponseBytes = 1 << 20
)

var (
	// ErrMissingAccessToken is returned when the token endpoint answers 200
	// without an access_token.
	ErrMissingAccessToken = errors.New("token response has no access_token")
	// ErrTokenParse is returned when a bearer token is not a well-formed JWT
	// with an exp claim.
	ErrTokenParse = errors.New("malformed bearer token")
)

// ExchangeError carries a non-200 token endpoint response. Body is the
// response verbatim up to MaxResponseBytes; Truncated reports that the
// response was longer and Body holds only its prefix.
type ExchangeError struct {
	StatusCode int
	Body       string
	Truncated  bool
}

func (e *ExchangeError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("token exchange failed with status %d: %s (truncated)", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Manager exchanges client assertions for bearer tokens.
type Manager struct {
	logger *slog.Logger
	client *http.Client
}

// NewManager returns a Manager using client, or a client with DefaultTimeout
// when nil.
func NewManager(logger *slog.Logger, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Manager{logger: logger, client: client}
}

// Exchange posts the client credentials grant to endpoint and returns the
// resulting "Bearer <token>" value.
func (m *Manager) Exchange(ctx context.Context, endpoint, assertion string, scopes []string) (string, error) {
	form := url.Values{
		"grant_type":            {grantTypeClientCredentials},
		"client_assertion_type": {clientAssertionTypeJWT},
		"client_assertion":      {assertion},
		"scope":                 {strings.Join(scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	logger := m.logger.With(slog.String("token-endpoint", endpoint))
	logger.Debug("Exchanging client assertion")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	truncated := len(body) > MaxResponseBytes
	if truncated {
		body = body[:MaxResponseBytes]
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warn("Token endpoint rejected the assertion",
			slog.Int("status", resp.StatusCode), slog.Bool("truncated", truncated))
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: string(body), Truncated: truncated}
	}
	if truncated {
		return "", fmt.Errorf("token response exceeds %d bytes", MaxResponseBytes)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrMissingAccessToken
	}

	logger.Debug("Obtained access token", slog.String("token-type", tr.TokenType), slog.Int64("expires-in", tr.ExpiresIn))
	return BearerPrefix + tr.AccessToken, nil
}

// Expiry returns the exp claim of a bearer token. The signature is not
// verified; the token is only inspected for its lifetime.
func Expiry(bearer string) (time.Time, error) {
	raw := strings.TrimPrefix(bearer, BearerPrefix)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty token", ErrTokenParse)
	}

	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrTokenParse, err)
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrTokenParse, err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrTokenParse)
	}
	return exp.Time, nil
}

// IsExpired reports whether the bearer token's exp is at or before now, at
// second resolution.
func IsExpired(bearer string, now time.Time) (bool, error) {
	exp, err := Expiry(bearer)
	if err != nil {
		return false, err
	}
	return exp.Unix() <= now.Unix(), nil
}
