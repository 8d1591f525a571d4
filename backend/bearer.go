package backend

import (
	"fmt"
	"net/http"
	"time"
)

// bearerTransport wraps a RoundTripper and authenticates every backend call.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

// RoundTrip clones the request so the caller's headers stay untouched.
func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	return t.base.RoundTrip(reqClone)
}

// newHTTPClient returns the client used underneath the retrying client.
// An empty token leaves requests unauthenticated.
func newHTTPClient(token string, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if token != "" {
		transport = &bearerTransport{base: transport, token: token}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
