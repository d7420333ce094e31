package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/zarvd/fhir-auth/internal/assertion"
	"github.com/zarvd/fhir-auth/internal/key"
	"github.com/zarvd/fhir-auth/internal/token"
)

// DefaultAssertionTTL is the lifetime of a client assertion when
// OAuthConfig.AssertionTTL is zero.
const DefaultAssertionTTL = 4 * time.Minute

// KeySource provides the signing key for client assertions. *key.Store
// implements it.
type KeySource interface {
	EnsureKey(ctx context.Context, profile key.Profile, info key.CertificateInfo) error
	SigningKey(ctx context.Context, profile key.Profile) (*key.SigningKeyEntry, error)
}

type OAuthConfig struct {
	Logger          *slog.Logger
	Keys            KeySource
	Profile         key.Profile
	CertificateInfo key.CertificateInfo
	ClientID        string
	TokenEndpoint   string
	Scopes          []string
	AssertionTTL    time.Duration

	Tokens     *token.Manager
	Assertions *assertion.Signer
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *OAuthConfig) validate() error {
	var missing []string
	if c.Keys == nil {
		missing = append(missing, "keys")
	}
	if c.ClientID == "" {
		missing = append(missing, "client-id")
	}
	if c.TokenEndpoint == "" {
		missing = append(missing, "token-endpoint")
	}
	if len(missing) > 0 {
		return errors.New("oauth: missing " + strings.Join(missing, ", "))
	}
	return nil
}

// OAuth authenticates with a bearer token obtained through the client
// credentials grant with a signed client assertion. The token is refreshed
// once it reaches its exp.
type OAuth struct {
	logger *slog.Logger
	cfg    OAuthConfig
	now    func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	token string
}

// NewOAuth builds the strategy and fetches the first token. It fails if
// that exchange fails.
func NewOAuth(ctx context.Context, cfg OAuthConfig) (*OAuth, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AssertionTTL <= 0 {
		cfg.AssertionTTL = DefaultAssertionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.NewManager(cfg.Logger, nil)
	}
	if cfg.Assertions == nil {
		cfg.Assertions = assertion.New(assertion.WithClock(cfg.Now))
	}

	o := &OAuth{
		logger: cfg.Logger.With(
			slog.String("client-id", cfg.ClientID),
			slog.String("token-endpoint", cfg.TokenEndpoint),
		),
		cfg: cfg,
		now: cfg.Now,
	}
	if _, err := o.refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial token exchange: %w", err)
	}
	return o, nil
}

func (o *OAuth) Attach(ctx context.Context, req Request) error {
	bearer, err := o.Token(ctx)
	if err != nil {
		return err
	}
	req.SetHeader(authorizationHeader, bearer)
	return nil
}

func (*OAuth) strategy() {}

// Token returns the cached "Bearer <token>" value, refreshing it when expired.
func (o *OAuth) Token(ctx context.Context) (string, error) {
	if bearer, ok := o.cached(); ok {
		return bearer, nil
	}
	return o.refresh(ctx)
}

// cached returns the current token if it has not expired. A token that
// cannot be parsed counts as expired.
func (o *OAuth) cached() (string, bool) {
	o.mu.RLock()
	bearer := o.token
	o.mu.RUnlock()

	if bearer == "" {
		return "", false
	}
	expired, err := token.IsExpired(bearer, o.now())
	if err != nil {
		o.logger.Debug("Cached token is unreadable, refreshing", slog.Any("error", err))
		return "", false
	}
	return bearer, !expired
}

// refresh coalesces concurrent callers into one exchange. The exchange runs
// detached from any single caller's cancellation and is bounded by the token
// manager's HTTP client timeout; each caller still stops waiting when its own
// ctx is done.
func (o *OAuth) refresh(ctx context.Context) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan("token", func() (any, error) {
		if bearer, ok := o.cached(); ok {
			return bearer, nil
		}
		bearer, err := o.exchange(shared)
		if err != nil {
			return "", err
		}
		o.mu.Lock()
		o.token = bearer
		o.mu.Unlock()
		return bearer, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *OAuth) exchange(ctx context.Context) (string, error) {
	cfg := o.cfg
	if err := cfg.Keys.EnsureKey(ctx, cfg.Profile, cfg.CertificateInfo); err != nil {
		return "", err
	}
	entry, err := cfg.Keys.SigningKey(ctx, cfg.Profile)
	if err != nil {
		return "", err
	}
	signed, err := cfg.Assertions.Sign(entry, cfg.Profile, cfg.ClientID, cfg.TokenEndpoint, cfg.AssertionTTL)
	if err != nil {
		return "", err
	}
	bearer, err := cfg.Tokens.Exchange(ctx, cfg.TokenEndpoint, signed, cfg.Scopes)
	if err != nil {
		return "", err
	}
	o.logger.Info("Refreshed access token", slog.String("key-id", entry.KeyID))
	return bearer, nil
}

// TokenSource exposes the strategy as an oauth2.TokenSource bound to ctx.
func (o *OAuth) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, tokenSource{ctx: ctx, oauth: o})
}

type tokenSource struct {
	ctx   context.Context
	oauth *OAuth
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	bearer, err := s.oauth.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	t := &oauth2.Token{
		AccessToken: strings.TrimPrefix(bearer, token.BearerPrefix),
		TokenType:   strings.TrimSpace(token.BearerPrefix),
	}
	if exp, err := token.Expiry(bearer); err == nil {
		t.Expiry = exp
	}
	return t, nil
}
