package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	v1 "k8s.io/externaljwt/apis/v1"

	"github.com/zarvd/fhir-auth/internal/assertion"
	"github.com/zarvd/fhir-auth/internal/auth"
	"github.com/zarvd/fhir-auth/internal/key"
	"github.com/zarvd/fhir-auth/internal/server"
	"github.com/zarvd/fhir-auth/internal/token"
)

// KeyStoreFlags locate the keystore and select the signing profile.
type KeyStoreFlags struct {
	Dir           string `name:"dir" required:"" env:"FHIR_KEYSTORE_DIR" help:"Directory holding the keystore."`
	File          string `name:"file" default:"fhir.keystore" env:"FHIR_KEYSTORE_FILE" help:"Keystore file name."`
	StorePassword string `name:"store-password" required:"" env:"FHIR_KEYSTORE_PASSWORD" help:"Password protecting the keystore."`
	KeyAlias      string `name:"key-alias" default:"fhir-client" env:"FHIR_KEY_ALIAS" help:"Alias of the signing key entry."`
	KeyPassword   string `name:"key-password" required:"" env:"FHIR_KEY_PASSWORD" help:"Password protecting the signing key entry."`
	KeyID         string `name:"key-id" required:"" env:"FHIR_KEY_ID" help:"Key id published in the kid header."`
	KeySetFile    string `name:"key-set-file" default:"jwks.json" env:"FHIR_KEY_SET_FILE" help:"Public key set file written next to the keystore."`
	Algorithm     string `name:"algorithm" default:"RS384" enum:"RS256,RS384,ES256,ES384" env:"FHIR_SIGNING_ALGORITHM" help:"JWS algorithm of the signing key."`

	Owner   string `name:"cert-owner" default:"fhir-client" env:"FHIR_CERT_OWNER" help:"Common name of the self-signed certificate."`
	Org     string `name:"cert-org" env:"FHIR_CERT_ORG" help:"Organization of the self-signed certificate."`
	Country string `name:"cert-country" env:"FHIR_CERT_COUNTRY" help:"Country of the self-signed certificate."`
}

func (f *KeyStoreFlags) spec() key.KeyStoreSpec {
	return key.KeyStoreSpec{
		Dir:            f.Dir,
		FileName:       f.File,
		StorePassword:  f.StorePassword,
		KeyAlias:       f.KeyAlias,
		KeyPassword:    f.KeyPassword,
		KeyID:          f.KeyID,
		KeySetFileName: f.KeySetFile,
	}
}

func (f *KeyStoreFlags) certificateInfo() key.CertificateInfo {
	return key.CertificateInfo{Owner: f.Owner, Org: f.Org, Country: f.Country}
}

// open returns the store and profile, creating the key when it is missing.
func (f *KeyStoreFlags) open(ctx context.Context, logger *slog.Logger) (*key.Store, key.Profile, error) {
	profile, err := key.ProfileFor(f.Algorithm)
	if err != nil {
		return nil, key.Profile{}, err
	}
	store, err := key.NewStore(logger, f.spec())
	if err != nil {
		return nil, key.Profile{}, err
	}
	if err := store.EnsureKey(ctx, profile, f.certificateInfo()); err != nil {
		return nil, key.Profile{}, fmt.Errorf("failed to ensure signing key: %w", err)
	}
	return store, profile, nil
}

type KeygenCmd struct {
	KeyStore KeyStoreFlags `embed:"" prefix:"keystore-"`
}

func (cmd *KeygenCmd) Run(ctx context.Context, logger *slog.Logger, stdout io.Writer) error {
	store, _, err := cmd.KeyStore.open(ctx, logger)
	if err != nil {
		return err
	}
	logger.Info("signing key ready", slog.Any("keystore", store.Spec()))
	_, err = fmt.Fprintln(stdout, store.Spec().KeySetPath())
	return err
}

type AssertionCmd struct {
	KeyStore KeyStoreFlags `embed:"" prefix:"keystore-"`

	ClientID string        `name:"client-id" required:"" env:"FHIR_CLIENT_ID" help:"OAuth client id, used as iss and sub."`
	Audience string        `name:"audience" required:"" env:"FHIR_TOKEN_ENDPOINT" help:"Token endpoint the assertion is intended for."`
	TTL      time.Duration `name:"ttl" default:"4m" env:"FHIR_ASSERTION_TTL" help:"Assertion lifetime."`
}

func (cmd *AssertionCmd) Run(ctx context.Context, logger *slog.Logger, stdout io.Writer) error {
	store, profile, err := cmd.KeyStore.open(ctx, logger)
	if err != nil {
		return err
	}
	entry, err := store.SigningKey(ctx, profile)
	if err != nil {
		return err
	}
	signed, err := assertion.New().Sign(entry, profile, cmd.ClientID, cmd.Audience, cmd.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, signed)
	return err
}

type TokenCmd struct {
	KeyStore KeyStoreFlags `embed:"" prefix:"keystore-"`

	ClientID      string        `name:"client-id" required:"" env:"FHIR_CLIENT_ID" help:"OAuth client id."`
	TokenEndpoint string        `name:"token-endpoint" required:"" env:"FHIR_TOKEN_ENDPOINT" help:"OAuth token endpoint."`
	Scopes        []string      `name:"scope" env:"FHIR_SCOPES" help:"Requested scopes. Repeatable."`
	TTL           time.Duration `name:"ttl" default:"4m" env:"FHIR_ASSERTION_TTL" help:"Client assertion lifetime."`
	Timeout       time.Duration `name:"timeout" default:"30s" env:"FHIR_HTTP_TIMEOUT" help:"Token endpoint request timeout."`
}

func (cmd *TokenCmd) Run(ctx context.Context, logger *slog.Logger, stdout io.Writer) error {
	store, profile, err := cmd.KeyStore.open(ctx, logger)
	if err != nil {
		return err
	}

	strategy, err := auth.NewOAuth(ctx, auth.OAuthConfig{
		Logger:          logger,
		Keys:            store,
		Profile:         profile,
		CertificateInfo: cmd.KeyStore.certificateInfo(),
		ClientID:        cmd.ClientID,
		TokenEndpoint:   cmd.TokenEndpoint,
		Scopes:          cmd.Scopes,
		AssertionTTL:    cmd.TTL,
		Tokens:          token.NewManager(logger, &http.Client{Timeout: cmd.Timeout}),
	})
	if err != nil {
		return err
	}

	bearer, err := strategy.Token(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, bearer)
	return err
}

type JWKSCmd struct {
	KeyStore KeyStoreFlags `embed:"" prefix:"keystore-"`
}

func (cmd *JWKSCmd) Run(ctx context.Context, logger *slog.Logger, stdout io.Writer) error {
	store, profile, err := cmd.KeyStore.open(ctx, logger)
	if err != nil {
		return err
	}
	set, err := store.PublicKeySet(ctx, profile)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(set))
	return err
}

type ServeCmd struct {
	KeyStore KeyStoreFlags `embed:"" prefix:"keystore-"`

	UnixDomainSocket string        `arg:"" required:"" help:"Unix domain socket to listen on."`
	MaxExpiration    time.Duration `name:"max-expiration" default:"10m" help:"Maximum lifetime of tokens signed through the API."`
}

func (cmd *ServeCmd) Run(ctx context.Context, logger *slog.Logger) error {
	store, profile, err := cmd.KeyStore.open(ctx, logger)
	if err != nil {
		return err
	}
	km, err := key.NewStoreKeyManager(ctx, logger, store, profile, cmd.MaxExpiration)
	if err != nil {
		return fmt.Errorf("failed to create key manager: %w", err)
	}

	grpcServer := grpc.NewServer()
	v1.RegisterExternalJWTSignerServer(grpcServer, server.NewV1Server(logger, km))

	listener, err := net.Listen("unix", cmd.UnixDomainSocket)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer listener.Close()

	go func() {
		logger.Info("serving on", slog.String("address", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("failed to serve", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	grpcServer.GracefulStop()
	logger.Info("shutting down")
	return nil
}
