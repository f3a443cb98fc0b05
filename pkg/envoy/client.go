package envoy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foXaCe/enphase-battery/pkg/common"
	"github.com/foXaCe/enphase-battery/pkg/log"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

const (
	infoPath     = "/info"
	checkJWTPath = "/auth/check_jwt"

	ensembleStatusPath    = "/ivp/ensemble/status"
	metersReadingsPath    = "/ivp/meters/readings"
	ensembleInventoryPath = "/ivp/ensemble/inventory"
	ensemblePowerPath     = "/ivp/ensemble/power"
	tariffPath            = "/admin/lib/tariff"

	defaultTokenLoginURL = "https://enlighten.enphaseenergy.com/login/login.json"
	defaultTokenIssueURL = "https://entrez.enphaseenergy.com/tokens"

	defaultTimeout = 10 * time.Second
)

var (
	snTagRe       = regexp.MustCompile(`<sn>([^<]+)</sn>`)
	softwareTagRe = regexp.MustCompile(`<software>([^<]+)</software>`)
	firmwareRe    = regexp.MustCompile(`D?(\d+)\.`)
)

// Session is the authentication artifact for one gateway: the bearer token
// plus the serial and firmware major detected during authentication.
type Session struct {
	Token         string
	Serial        string
	FirmwareMajor int

	baseURL string
}

// Client talks to an Envoy gateway on the local network. The gateway
// presents a self-signed certificate, so all device traffic goes through the
// insecure-TLS client; the firmware 7+ token bootstrap against the cloud
// uses a normally-verifying client.
type Client struct {
	client      *http.Client
	cloudClient *http.Client

	tokenLoginURL string
	tokenIssueURL string
}

// NewClient returns a Client ready to authenticate against a gateway.
func NewClient() *Client {
	return &Client{
		client:        common.InsecureHTTPClient(defaultTimeout),
		cloudClient:   common.HTTPClient(defaultTimeout),
		tokenLoginURL: defaultTokenLoginURL,
		tokenIssueURL: defaultTokenIssueURL,
	}
}

// Authenticate probes the gateway's unauthenticated info endpoint, picks the
// authentication scheme for the detected firmware generation, and returns a
// validated session. Firmware 7+ requires cloud account credentials for the
// token bootstrap and fails fast without them.
func (c *Client) Authenticate(ctx context.Context, creds *types.LocalCredentials) (*Session, error) {
	if creds == nil || creds.Host == "" {
		return nil, types.NewAuthError("missing gateway host")
	}

	baseURL := creds.Host
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	serial, software, err := c.deviceInfo(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	if serial == "" {
		return nil, types.NewAuthError("gateway info response has no serial number")
	}

	s := &Session{
		Serial:        serial,
		FirmwareMajor: firmwareMajor(software),
		baseURL:       baseURL,
	}
	log.Ctx(ctx).InfoContext(ctx, "detected gateway",
		slog.String("serial", serial),
		slog.String("software", software),
		slog.Int("firmwareMajor", s.FirmwareMajor))

	if s.FirmwareMajor >= 7 {
		if err := c.authenticateFirmware7(ctx, s, creds); err != nil {
			return nil, err
		}
	} else {
		if err := c.authenticateLegacy(ctx, s, creds); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// deviceInfo reads /info, which answers as JSON on newer firmware and as
// XML-in-text on older firmware. Both forms are attempted.
func (c *Client) deviceInfo(ctx context.Context, baseURL string) (serial, software string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+infoPath, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", types.WrapConnectionError(err, "gateway unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", types.WrapConnectionError(err, "failed to read gateway info")
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", &types.ConnectionError{
			Message: fmt.Sprintf("gateway info returned status %d", resp.StatusCode)}
	}

	var info map[string]any
	if json.Unmarshal(body, &info) == nil {
		device, _ := info["device"].(map[string]any)
		for _, m := range []map[string]any{device, info} {
			if m == nil {
				continue
			}
			if serial == "" {
				serial, _ = m["sn"].(string)
			}
			if software == "" {
				software, _ = m["software"].(string)
			}
		}
	}
	if serial == "" {
		if m := snTagRe.FindSubmatch(body); m != nil {
			serial = string(m[1])
		}
	}
	if software == "" {
		if m := softwareTagRe.FindSubmatch(body); m != nil {
			software = string(m[1])
		}
	}
	return serial, software, nil
}

// firmwareMajor extracts the major version from strings like "D7.3.466".
// Anything unparsable is treated as pre-7 firmware.
func firmwareMajor(software string) int {
	m := firmwareRe.FindStringSubmatch(software)
	if m == nil {
		return 0
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return major
}

// authenticateLegacy handles pre-7 firmware: the local password is either
// supplied or derived as the last 6 characters of the serial, a documented
// vendor convention.
func (c *Client) authenticateLegacy(ctx context.Context, s *Session, creds *types.LocalCredentials) error {
	username := creds.Username
	if username == "" {
		username = "envoy"
	}
	password := creds.Password
	if password == "" && len(s.Serial) >= 6 {
		password = s.Serial[len(s.Serial)-6:]
	}

	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+checkJWTPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.WrapConnectionError(err, "gateway login failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError("gateway rejected local credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return &types.ConnectionError{
			Message: fmt.Sprintf("gateway login returned status %d", resp.StatusCode)}
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.WrapConnectionError(err, "failed to decode gateway login response")
	}
	if result.Token == "" {
		return types.NewAuthError("gateway login response has no token")
	}
	s.Token = result.Token
	return nil
}

// authenticateFirmware7 runs the two-step cloud token bootstrap and then
// validates the token against the gateway itself.
func (c *Client) authenticateFirmware7(ctx context.Context, s *Session, creds *types.LocalCredentials) error {
	if creds.CloudEmail == "" || creds.CloudPassword == "" {
		return types.NewAuthError(
			"firmware %d gateway requires cloud credentials for the token bootstrap", s.FirmwareMajor)
	}

	token := creds.Password
	if token == "" {
		sessionID, err := c.cloudSessionID(ctx, creds)
		if err != nil {
			return err
		}
		token, err = c.issueToken(ctx, sessionID, s.Serial, creds.CloudEmail)
		if err != nil {
			return err
		}
	}
	s.Token = token

	return c.validateToken(ctx, s)
}

func (c *Client) cloudSessionID(ctx context.Context, creds *types.LocalCredentials) (string, error) {
	data := url.Values{}
	data.Set("user[email]", creds.CloudEmail)
	data.Set("user[password]", creds.CloudPassword)

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenLoginURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cloudClient.Do(req)
	if err != nil {
		return "", types.WrapConnectionError(err, "cloud login for token bootstrap failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", types.NewAuthError("invalid cloud credentials for token bootstrap")
	}
	if resp.StatusCode != http.StatusOK {
		return "", &types.ConnectionError{
			Message: fmt.Sprintf("cloud login returned status %d", resp.StatusCode)}
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.WrapConnectionError(err, "failed to decode cloud login response")
	}
	if result.SessionID == "" {
		return "", types.NewAuthError("cloud login response has no session id")
	}
	return result.SessionID, nil
}

// issueToken exchanges the cloud session for a gateway bearer token. The
// issuance endpoint answers with the raw token as plain text.
func (c *Client) issueToken(ctx context.Context, sessionID, serial, email string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"serial_num": serial,
		"username":   email,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenIssueURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cloudClient.Do(req)
	if err != nil {
		return "", types.WrapConnectionError(err, "token issuance failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.WrapConnectionError(err, "failed to read issued token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewAuthError("token issuance returned status %d", resp.StatusCode)
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", types.NewAuthError("token issuance returned an empty token")
	}
	return token, nil
}

func (c *Client) validateToken(ctx context.Context, s *Session) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+checkJWTPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return types.WrapConnectionError(err, "token validation failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError("gateway rejected the bootstrapped token")
	}
	if resp.StatusCode != http.StatusOK {
		return &types.ConnectionError{
			Message: fmt.Sprintf("token validation returned status %d", resp.StatusCode)}
	}
	return nil
}

// FetchStatus reads the gateway endpoints concurrently and normalizes them
// into the canonical record. Each endpoint fails independently; a missing
// result only zeroes the fields it would have filled. The fetch as a whole
// fails only when both the ensemble status and the meter readings are
// unavailable, or when any endpoint reports the session expired.
func (c *Client) FetchStatus(ctx context.Context, s *Session) (*types.BatteryRecord, error) {
	if s == nil || s.Token == "" {
		return nil, types.ErrNotInitialized
	}

	var (
		wg sync.WaitGroup

		status    map[string]any
		meters    []any
		inventory []any
		power     map[string]any
		tariff    map[string]any

		statusErr, metersErr error
		authErr              error
		authMu               sync.Mutex
	)
	noteAuth := func(err error) {
		if types.IsAuthError(err) {
			authMu.Lock()
			if authErr == nil {
				authErr = err
			}
			authMu.Unlock()
		}
	}

	wg.Add(5)
	go func() {
		defer wg.Done()
		statusErr = c.getJSON(ctx, s, ensembleStatusPath, &status)
		noteAuth(statusErr)
	}()
	go func() {
		defer wg.Done()
		metersErr = c.getJSON(ctx, s, metersReadingsPath, &meters)
		noteAuth(metersErr)
	}()
	go func() {
		defer wg.Done()
		if err := c.getJSON(ctx, s, ensembleInventoryPath, &inventory); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "inventory unavailable", slog.Any("error", err))
			noteAuth(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.getJSON(ctx, s, ensemblePowerPath, &power); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "ensemble power unavailable", slog.Any("error", err))
			noteAuth(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.getJSON(ctx, s, tariffPath, &tariff); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "tariff unavailable", slog.Any("error", err))
		}
	}()
	wg.Wait()

	if authErr != nil {
		return nil, authErr
	}
	if statusErr != nil && metersErr != nil {
		return nil, types.WrapConnectionError(statusErr, "gateway refresh failed")
	}

	rec := normalizeLocal(status, meters, inventory, power, tariff, time.Now())
	log.Ctx(ctx).DebugContext(ctx, "gateway battery data",
		slog.Float64("soc", rec.SOC),
		slog.Float64("netPowerW", rec.NetPowerW),
		slog.Int("devices", len(rec.Devices)),
	)
	return rec, nil
}

func (c *Client) getJSON(ctx context.Context, s *Session, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.WrapConnectionError(err, "GET %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError("gateway session expired (401 from %s)", path)
	}
	if resp.StatusCode != http.StatusOK {
		return &types.ConnectionError{
			Message: fmt.Sprintf("GET %s returned status %d", path, resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return types.WrapConnectionError(err, "failed to decode %s response", path)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
