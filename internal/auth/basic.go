package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	clientIDHeader   = "Epic-Client-ID"
	userIDHeader     = "Epic-User-ID"
	userIDTypeHeader = "Epic-User-IDType"
)

// UserType is sent in the Epic-User-IDType header.
type UserType string

const (
	UserTypeInternal UserType = "INTERNAL"
	UserTypeExternal UserType = "EXTERNAL"
)

// Basic authenticates every request with a fixed vendor basic credential.
type Basic struct {
	header   string
	username string
	clientID string
	userType UserType
}

// NewInternalBasic returns a Basic strategy for an internal user.
func NewInternalBasic(username, password, clientID string) (*Basic, error) {
	return newBasic(username, password, clientID, UserTypeInternal)
}

// NewExternalBasic returns a Basic strategy for an external user.
func NewExternalBasic(username, password, clientID string) (*Basic, error) {
	return newBasic(username, password, clientID, UserTypeExternal)
}

func newBasic(username, password, clientID string, userType UserType) (*Basic, error) {
	var missing []string
	if username == "" {
		missing = append(missing, "username")
	}
	if password == "" {
		missing = append(missing, "password")
	}
	if clientID == "" {
		missing = append(missing, "client-id")
	}
	if len(missing) > 0 {
		return nil, errors.New("basic auth: missing " + strings.Join(missing, ", "))
	}

	credential := fmt.Sprintf("emp$%s:%s", username, password)
	return &Basic{
		header:   "Basic " + base64.StdEncoding.EncodeToString([]byte(credential)),
		username: username,
		clientID: clientID,
		userType: userType,
	}, nil
}

func (b *Basic) Attach(_ context.Context, req Request) error {
	req.SetHeader(authorizationHeader, b.header)
	req.SetHeader(clientIDHeader, b.clientID)
	req.SetHeader(userIDHeader, b.username)
	req.SetHeader(userIDTypeHeader, string(b.userType))
	return nil
}

func (*Basic) strategy() {}
