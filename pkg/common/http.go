package common

import (
	"crypto/tls"
	"net/http"
	"time"
)

const version = "1.2.0"

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "enphase-battery/" + version,
		},
		Timeout: timeout,
	}
}

// InsecureHTTPClient returns a client that skips TLS certificate validation.
// The IQ Gateway serves a self-signed certificate on the LAN, so its responses
// cannot be verified against a CA. Only use this client for the gateway host.
func InsecureHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &http.Client{
		Transport: &userAgentTransport{
			transport: transport,
			userAgent: "enphase-battery/" + version,
		},
		Timeout: timeout,
	}
}

// CookieHTTPClient returns a client like HTTPClient that also carries the
// provided cookie jar, used for the Enlighten session cookies.
func CookieHTTPClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	c := HTTPClient(timeout)
	c.Jar = jar
	return c
}
