// Package api is the HTTP surface of the focus: health and version probes,
// the Prometheus scrape endpoint and the REST mirror of the conference IQ.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/focus"
	"github.com/riverine/focus/pkg/metrics"
	"github.com/riverine/focus/pkg/telemetry"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr to listen on, e.g. ":8888".
	Addr string `yaml:"addr"`
	// RateLimit is the per-client request rate (requests per second) applied
	// to the mutating endpoints. Zero disables throttling.
	RateLimit float64 `yaml:"rateLimit"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `yaml:"rateBurst"`
}

func DefaultConfig() Config {
	return Config{
		Addr:      ":8888",
		RateLimit: 10,
		RateBurst: 20,
	}
}

// Server serves the focus HTTP API.
type Server struct {
	logger  *logrus.Entry
	service *focus.Service
	server  *http.Server
}

func NewServer(service *focus.Service, m *metrics.Metrics, version string, config Config) *Server {
	s := &Server{
		logger:  logrus.WithField("component", "api"),
		service: service,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/about/health", func(w http.ResponseWriter, r *http.Request) {
		m.HealthRequests.Inc()
		if !service.Healthy() {
			http.Error(w, "no operational bridges", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	router.Get("/about/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	})

	router.Method(http.MethodGet, "/metrics", m.Handler())

	// The mutating endpoints share a per-client throttle.
	router.Group(func(r chi.Router) {
		r.Use(newThrottle(config, m).middleware)

		r.Post("/conference-request/v1", s.handleConferenceRequest(m))
		r.Get("/move-endpoints", s.handleMoveEndpoints)

		r.Get("/pins", s.handleListPins)
		r.Post("/pins", s.handlePin)
		r.Delete("/pins", s.handleUnpin)
	})

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("http api listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("http api failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleConferenceRequest(m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ConferenceRequests.Inc()

		var request xmpp.ConferenceRequestJSON
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if request.Room == "" {
			http.Error(w, "room is required", http.StatusBadRequest)
			return
		}

		tel := telemetry.NewTelemetry(r.Context(), "conference-request",
			attribute.String("room", request.Room))
		defer tel.End()

		response, err := s.service.HandleConferenceRequest(request.ToXML())
		if err != nil {
			tel.Fail(err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		var body xmpp.ConferenceRequestJSON
		body.FromXML(response)
		writeJSON(w, http.StatusOK, &body)
	}
}

func (s *Server) handleMoveEndpoints(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("bridge")
	if id == "" {
		http.Error(w, "bridge is required", http.StatusBadRequest)
		return
	}
	affected := s.service.MoveEndpoints(bridge.ID(id))
	writeJSON(w, http.StatusOK, map[string]int{"conferences": affected})
}

type pinRequest struct {
	Room            string `json:"room"`
	Version         string `json:"version"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (s *Server) handleListPins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Pins().Snapshot())
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var request pinRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if request.Room == "" || request.Version == "" || request.DurationMinutes <= 0 {
		http.Error(w, "room, version and durationMinutes are required", http.StatusBadRequest)
		return
	}
	s.service.Pins().Pin(
		xmpp.JID(request.Room),
		request.Version,
		time.Duration(request.DurationMinutes)*time.Minute,
	)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	s.service.Pins().Unpin(xmpp.JID(room))
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
