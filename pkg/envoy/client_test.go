package envoy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foXaCe/enphase-battery/pkg/common"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

func testClient() *Client {
	return &Client{
		client:      common.InsecureHTTPClient(5 * time.Second),
		cloudClient: common.HTTPClient(5 * time.Second),
	}
}

func TestFirmwareMajor(t *testing.T) {
	assert.Equal(t, 7, firmwareMajor("D7.3.466"))
	assert.Equal(t, 8, firmwareMajor("D8.2.4264"))
	assert.Equal(t, 5, firmwareMajor("D5.0.49"))
	assert.Equal(t, 4, firmwareMajor("R4.10.35"))
	assert.Equal(t, 0, firmwareMajor("unknown"))
	assert.Equal(t, 0, firmwareMajor(""))
}

func TestAuthenticate(t *testing.T) {
	t.Run("legacy firmware derives password from serial", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case infoPath:
				fmt.Fprint(w, `{"device": {"sn": "122107034125", "software": "D5.0.49"}}`)
			case checkJWTPath:
				require.Equal(t, "POST", r.Method)
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "envoy", body["username"])
				assert.Equal(t, "034125", body["password"])
				fmt.Fprint(w, `{"token": "legacy-tok"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		s, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{Host: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "122107034125", s.Serial)
		assert.Equal(t, 5, s.FirmwareMajor)
		assert.Equal(t, "legacy-tok", s.Token)
	})

	t.Run("xml info fallback", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case infoPath:
				fmt.Fprint(w, `<?xml version="1.0"?><envoy_info><device><sn>998877665544</sn><software>D5.0.62</software></device></envoy_info>`)
			case checkJWTPath:
				fmt.Fprint(w, `{"token": "tok"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		s, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{Host: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "998877665544", s.Serial)
		assert.Equal(t, 5, s.FirmwareMajor)
	})

	t.Run("firmware 7 without cloud credentials fails fast", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"device": {"sn": "122107034125", "software": "D7.3.466"}}`)
		}))
		defer srv.Close()

		_, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{Host: srv.URL})
		require.Error(t, err)
		assert.True(t, types.IsAuthError(err))
		assert.Contains(t, err.Error(), "cloud credentials")
	})

	t.Run("firmware 7 token bootstrap", func(t *testing.T) {
		cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/login/login.json":
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "me@example.com", r.PostFormValue("user[email]"))
				fmt.Fprint(w, `{"session_id": "sess-1"}`)
			case "/tokens":
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "sess-1", body["session_id"])
				assert.Equal(t, "122107034125", body["serial_num"])
				assert.Equal(t, "me@example.com", body["username"])
				fmt.Fprint(w, "jwt-abc")
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer cloud.Close()

		gateway := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case infoPath:
				fmt.Fprint(w, `{"device": {"sn": "122107034125", "software": "D7.3.466"}}`)
			case checkJWTPath:
				if r.Header.Get("Authorization") != "Bearer jwt-abc" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(http.StatusOK)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer gateway.Close()

		c := testClient()
		c.tokenLoginURL = cloud.URL + "/login/login.json"
		c.tokenIssueURL = cloud.URL + "/tokens"

		s, err := c.Authenticate(context.Background(), &types.LocalCredentials{
			Host:          gateway.URL,
			CloudEmail:    "me@example.com",
			CloudPassword: "hunter2",
		})
		require.NoError(t, err)
		assert.Equal(t, "jwt-abc", s.Token)
		assert.Equal(t, 7, s.FirmwareMajor)
	})

	t.Run("gateway rejecting the token is a hard auth error", func(t *testing.T) {
		gateway := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case infoPath:
				fmt.Fprint(w, `{"device": {"sn": "122107034125", "software": "D7.3.466"}}`)
			case checkJWTPath:
				w.WriteHeader(http.StatusUnauthorized)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer gateway.Close()

		_, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{
			Host:          gateway.URL,
			Password:      "pre-supplied-token",
			CloudEmail:    "me@example.com",
			CloudPassword: "hunter2",
		})
		require.Error(t, err)
		assert.True(t, types.IsAuthError(err))
	})

	t.Run("missing serial is fatal", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"device": {"software": "D7.3.466"}}`)
		}))
		defer srv.Close()

		_, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{Host: srv.URL})
		require.Error(t, err)
		assert.True(t, types.IsAuthError(err))
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := testClient().Authenticate(context.Background(), &types.LocalCredentials{})
		assert.True(t, types.IsAuthError(err))
	})
}

const (
	// readings-list meter ids: base | channel bits
	testEIDProduction  = 704643328 // channel 0x0100
	testEIDConsumption = 704643584 // channel 0x0200
	testEIDStorage     = 704643840 // channel 0x0300
)

func gatewaySession(srv *httptest.Server) *Session {
	return &Session{Token: "tok", Serial: "122107034125", FirmwareMajor: 7, baseURL: srv.URL}
}

func TestFetchStatus(t *testing.T) {
	fullHandler := func(storageActivePower, ensembleMW float64) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			switch r.URL.Path {
			case ensembleStatusPath:
				fmt.Fprint(w, `{"percentage": 81.5, "state": "idle", "available_energy": 8150, "max_available_capacity": 10000}`)
			case metersReadingsPath:
				fmt.Fprintf(w, `[
					{"eid": %d, "activePower": 1500, "actEnergyDlvd": 9000000},
					{"eid": %d, "activePower": 900, "actEnergyDlvd": 2500000},
					{"eid": %d, "activePower": %v, "actEnergyDlvd": 1200000, "actEnergyRcvd": 1500000}
				]`, testEIDProduction, testEIDConsumption, testEIDStorage, storageActivePower)
			case ensembleInventoryPath:
				fmt.Fprint(w, `[{"type": "ENCHARGE", "devices": [
					{"serial_num": "492208003311", "part_num": "830-01760-r37", "img_pnum_running": "2.0.6973_rel/22.11", "temperature": 21},
					{"serial_num": "492208003322", "part_num": "830-01760-r37", "img_pnum_running": "2.0.6973_rel/22.11", "temperature": 25}
				]}]`)
			case ensemblePowerPath:
				fmt.Fprintf(w, `{"devices:": [{"serial_num": "492208003311", "real_power_mw": %v}]}`, ensembleMW)
			case tariffPath:
				fmt.Fprint(w, `{"tariff": {"storage_settings": {"mode": "self-consumption", "reserved_soc": 30, "very_low_soc": 10, "charge_from_grid": true}}}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}
	}

	t.Run("storage meter wins", func(t *testing.T) {
		srv := httptest.NewTLSServer(fullHandler(-250, -99999))
		defer srv.Close()

		rec, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.NoError(t, err)

		assert.Equal(t, types.SourceLocal, rec.Source)
		assert.Equal(t, 81.5, rec.SOC)
		assert.Equal(t, "idle", rec.Status)
		assert.Equal(t, 8150.0, rec.AvailableEnergyWh)
		assert.Equal(t, 10000.0, rec.MaxCapacityWh)
		assert.Equal(t, -250.0, rec.NetPowerW)
		assert.Equal(t, 250.0, rec.ChargePowerW)
		assert.Equal(t, 0.0, rec.DischargePowerW)
		assert.Equal(t, 1500.0, rec.CumulativeChargedKWH)
		assert.Equal(t, 1200.0, rec.CumulativeDischargedKWH)
		assert.Equal(t, 2500.0, rec.CumulativeConsumptionKWH)
		require.Len(t, rec.Devices, 2)
		assert.Equal(t, "492208003311", rec.Devices[0].Serial)
		assert.Equal(t, "830-01760-r37", rec.Devices[0].PartNumber)
		assert.Equal(t, 23.0, rec.TemperatureC)
		assert.Equal(t, "self-consumption", rec.Mode)
		assert.Equal(t, 30.0, rec.BackupReservePercent)
		assert.Equal(t, 10.0, rec.VeryLowSOCPercent)
		assert.True(t, rec.ChargeFromGrid)
	})

	t.Run("zero storage meter falls back to ensemble power", func(t *testing.T) {
		srv := httptest.NewTLSServer(fullHandler(0, -3500))
		defer srv.Close()

		rec, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.NoError(t, err)
		assert.Equal(t, -3.5, rec.NetPowerW)
		assert.Equal(t, 3.5, rec.ChargePowerW)
	})

	t.Run("last resort is production minus consumption", func(t *testing.T) {
		srv := httptest.NewTLSServer(fullHandler(0, 0))
		defer srv.Close()

		rec, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.NoError(t, err)
		assert.Equal(t, 600.0, rec.NetPowerW)
		assert.Equal(t, 600.0, rec.DischargePowerW)
	})

	t.Run("failed branches degrade to defaults", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case ensembleStatusPath:
				fmt.Fprint(w, `{"percentage": 50, "state": "charging"}`)
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		}))
		defer srv.Close()

		rec, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.NoError(t, err)
		assert.Equal(t, 50.0, rec.SOC)
		assert.Equal(t, 0.0, rec.NetPowerW)
		assert.Empty(t, rec.Devices)
		assert.Empty(t, rec.Mode)
	})

	t.Run("status and meters both failing fails the fetch", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.Error(t, err)
		assert.True(t, types.IsConnectionError(err))
	})

	t.Run("expired token is an auth error", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := testClient().FetchStatus(context.Background(), gatewaySession(srv))
		require.Error(t, err)
		assert.True(t, types.IsAuthError(err))
	})

	t.Run("no session", func(t *testing.T) {
		_, err := testClient().FetchStatus(context.Background(), nil)
		assert.ErrorIs(t, err, types.ErrNotInitialized)
	})
}
