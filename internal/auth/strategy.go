// Package auth attaches credentials to outbound FHIR requests.
package auth

import (
	"context"
	"net/http"
)

const authorizationHeader = "Authorization"

// Request is the part of an outbound request a Strategy writes to.
type Request interface {
	SetHeader(name, value string)
}

type httpRequest struct {
	r *http.Request
}

func (h httpRequest) SetHeader(name, value string) {
	h.r.Header.Set(name, value)
}

// HTTPRequest adapts an *http.Request.
func HTTPRequest(r *http.Request) Request {
	return httpRequest{r: r}
}

// Strategy adds authorization material to a request. A non-nil error means
// the request must not be sent. The set of strategies is closed: OAuth,
// Basic and None.
type Strategy interface {
	Attach(ctx context.Context, req Request) error

	strategy()
}

var (
	_ Strategy = (*OAuth)(nil)
	_ Strategy = (*Basic)(nil)
	_ Strategy = None{}
)

// None sends requests without credentials.
type None struct{}

func (None) Attach(context.Context, Request) error { return nil }

func (None) strategy() {}
