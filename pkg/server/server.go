package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foXaCe/enphase-battery/pkg/coordinator"
	"github.com/foXaCe/enphase-battery/pkg/log"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

// Battery is the coordinator surface the HTTP API consumes.
type Battery interface {
	Latest() *types.BatteryRecord
	State() coordinator.State
	Refresh()
	SetMode(ctx context.Context, mode string) error
	SetBackupReserve(ctx context.Context, percent float64) error
	SetVeryLowSOC(ctx context.Context, percent float64) error
	SetChargeFromGrid(ctx context.Context, enabled bool) error
	SetDischargeToGrid(ctx context.Context, enabled bool) error
	SetReserveDischarge(ctx context.Context, enabled bool) error
}

// Server exposes the latest battery record, a refresh trigger and the
// settings mutations over HTTP, plus Prometheus metrics.
type Server struct {
	battery    Battery
	listenAddr string
	registry   *prometheus.Registry
	httpServer *http.Server
}

// Configured sets up the server and registers its flags.
func Configured(battery Battery) *Server {
	listenAddr := lflag.String("http-listen", ":8095", "HTTP server listen address")

	s := &Server{battery: battery}
	lflag.Do(func() {
		s.listenAddr = *listenAddr
	})
	return s
}

func (s *Server) setupHandler() http.Handler {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(newBatteryCollector(s.battery.Latest))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/battery", s.handleBattery)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/mode", s.handleSetMode)
	mux.HandleFunc("POST /api/backup-reserve", s.handleSetBackupReserve)
	mux.HandleFunc("POST /api/very-low-soc", s.handleSetVeryLowSOC)
	mux.HandleFunc("POST /api/charge-from-grid", s.handleSetChargeFromGrid)
	mux.HandleFunc("POST /api/discharge-to-grid", s.handleSetDischargeToGrid)
	mux.HandleFunc("POST /api/reserve-discharge", s.handleSetReserveDischarge)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return gziphandler.GzipHandler(mux)
}

// Run starts the server and blocks until ctx is canceled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	rec := s.battery.Latest()
	if rec == nil {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.battery.Refresh()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "refreshing"}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: string(s.battery.State())})
}

// mutate runs one settings change and maps the error taxonomy onto HTTP
// status codes. Mutation failures are reported to the caller only; they
// never affect the refresh loop.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) error) {
	err := op(r.Context())
	switch {
	case err == nil:
		writeJSON(w, struct {
			Status string `json:"status"`
		}{Status: "ok"})
	case errors.Is(err, types.ErrNotInitialized):
		writeJSONError(w, "source not initialized", http.StatusServiceUnavailable)
	case errors.Is(err, coordinator.ErrUnsupportedMutation):
		writeJSONError(w, err.Error(), http.StatusNotImplemented)
	case types.IsAuthError(err):
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
	default:
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !types.ValidMode(body.Mode) {
		writeJSONError(w, fmt.Sprintf("unknown mode %q", body.Mode), http.StatusBadRequest)
		return
	}
	s.mutate(w, r, func(ctx context.Context) error {
		return s.battery.SetMode(ctx, body.Mode)
	})
}

func (s *Server) percentHandler(op func(ctx context.Context, percent float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Percent float64 `json:"percent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Percent < 0 || body.Percent > 100 {
			writeJSONError(w, "percent must be between 0 and 100", http.StatusBadRequest)
			return
		}
		s.mutate(w, r, func(ctx context.Context) error {
			return op(ctx, body.Percent)
		})
	}
}

func (s *Server) toggleHandler(op func(ctx context.Context, enabled bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		s.mutate(w, r, func(ctx context.Context) error {
			return op(ctx, body.Enabled)
		})
	}
}

func (s *Server) handleSetBackupReserve(w http.ResponseWriter, r *http.Request) {
	s.percentHandler(s.battery.SetBackupReserve)(w, r)
}

func (s *Server) handleSetVeryLowSOC(w http.ResponseWriter, r *http.Request) {
	s.percentHandler(s.battery.SetVeryLowSOC)(w, r)
}

func (s *Server) handleSetChargeFromGrid(w http.ResponseWriter, r *http.Request) {
	s.toggleHandler(s.battery.SetChargeFromGrid)(w, r)
}

func (s *Server) handleSetDischargeToGrid(w http.ResponseWriter, r *http.Request) {
	s.toggleHandler(s.battery.SetDischargeToGrid)(w, r)
}

func (s *Server) handleSetReserveDischarge(w http.ResponseWriter, r *http.Request) {
	s.toggleHandler(s.battery.SetReserveDischarge)(w, r)
}
