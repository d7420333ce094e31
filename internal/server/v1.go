package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	v1 "k8s.io/externaljwt/apis/v1"

	"github.com/zarvd/fhir-auth/internal/key"
)

// refreshHint tells clients how often to poll FetchKeys.
const refreshHint = 5 * time.Minute

// V1Server publishes the client signing key over the external JWT signer API
// so relying parties can fetch it and sign with it.
type V1Server struct {
	v1.UnimplementedExternalJWTSignerServer

	logger *slog.Logger
	km     key.KeyManager
	now    func() time.Time
}

func NewV1Server(logger *slog.Logger, km key.KeyManager) *V1Server {
	return &V1Server{
		logger: logger,
		km:     km,
		now:    time.Now,
	}
}

func (svr *V1Server) Sign(ctx context.Context, req *v1.SignJWTRequest) (*v1.SignJWTResponse, error) {
	logger := svr.logger.With(slog.String("method", "Sign"))
	logger.Info("signing JWT")
	defer logger.Info("signed JWT")

	if err := svr.checkClaims(req.GetClaims()); err != nil {
		logger.Warn("rejected claims", slog.Any("error", err))
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	signed, err := svr.km.Sign(ctx, req.GetClaims())
	if err != nil {
		logger.Error("failed to sign JWT", slog.Any("error", err))
		return nil, status.Errorf(codes.Internal, "not able to sign JWT")
	}

	return &v1.SignJWTResponse{
		Header:    signed.Header,
		Signature: signed.Signature,
	}, nil
}

func (svr *V1Server) FetchKeys(ctx context.Context, req *v1.FetchKeysRequest) (*v1.FetchKeysResponse, error) {
	logger := svr.logger.With(slog.String("method", "FetchKeys"))
	logger.Info("fetching keys")
	defer logger.Info("fetched keys")

	publicKeys, err := svr.km.PublicKeys(ctx)
	if err != nil {
		logger.Error("failed to load public keys", slog.Any("error", err))
		return nil, status.Errorf(codes.Unavailable, "not able to load public keys")
	}

	keys := make([]*v1.Key, 0, len(publicKeys))
	for _, pk := range publicKeys {
		keys = append(keys, &v1.Key{
			KeyId:                    pk.KeyID,
			Key:                      pk.Key,
			ExcludeFromOidcDiscovery: false,
		})
	}

	return &v1.FetchKeysResponse{
		Keys:               keys,
		DataTimestamp:      timestamppb.New(svr.km.LastRotatedAt()),
		RefreshHintSeconds: int64(refreshHint.Seconds()),
	}, nil
}

func (svr *V1Server) Metadata(ctx context.Context, req *v1.MetadataRequest) (*v1.MetadataResponse, error) {
	logger := svr.logger.With(slog.String("method", "Metadata"))
	logger.Info("fetching metadata")
	defer logger.Info("fetched metadata")

	return &v1.MetadataResponse{
		MaxTokenExpirationSeconds: int64(svr.km.Expiration().Seconds()),
	}, nil
}

// checkClaims admits only tokens that expire within Expiration. Claim sets
// with iss equal to sub have the shape of a client assertion and are refused.
func (svr *V1Server) checkClaims(encoded string) error {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return errors.New("claims must be base64url encoded JSON")
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return errors.New("claims must be base64url encoded JSON")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("claims must carry a numeric exp")
	}
	now := svr.now()
	if !exp.After(now) {
		return errors.New("claims are already expired")
	}
	if lifetime, limit := exp.Sub(now), svr.km.Expiration(); lifetime > limit {
		return fmt.Errorf("token lifetime %s exceeds %s", lifetime.Truncate(time.Second), limit)
	}

	iss, err := claims.GetIssuer()
	if err != nil {
		return errors.New("iss must be a string")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return errors.New("sub must be a string")
	}
	if iss != "" && iss == sub {
		return errors.New("claims with iss equal to sub are not signed")
	}
	return nil
}
