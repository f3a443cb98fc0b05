package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "enphase-battery/"+version, r.Header.Get("User-Agent"), "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInsecureHTTPClient(t *testing.T) {
	// TLS server with a self-signed certificate, like the gateway presents
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := InsecureHTTPClient(5 * time.Second)

	resp, err := client.Get(server.URL)
	require.NoError(t, err, "self-signed certificate should be accepted")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The default client must refuse the same certificate
	_, err = HTTPClient(5 * time.Second).Get(server.URL)
	require.Error(t, err, "default client should reject a self-signed certificate")
}
