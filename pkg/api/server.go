// Package api is the control HTTP surface: starting and stopping camera
// streams and enumerating sessions and viewers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ethan/hivecam-gateway/pkg/config"
	"github.com/ethan/hivecam-gateway/pkg/signaling"
	"github.com/ethan/hivecam-gateway/pkg/stream"
)

// StreamController is the slice of the stream manager the API exposes.
type StreamController interface {
	StartStream(ctx context.Context, cameraID, targetIP string, maxBW, minBW int) (*stream.Session, error)
	StopStream(ctx context.Context, cameraID string) (stream.Stats, error)
	Stats(cameraID string) (stream.Stats, error)
	Snapshot() []stream.Stats
	ActiveCount() int
}

// ViewerRegistry is the slice of the signaling hub the API exposes.
type ViewerRegistry interface {
	Snapshot() []signaling.ViewerInfo
	SnapshotFor(cameraID string) []signaling.ViewerInfo
	TotalCount() int
}

// MediaHealth reports media-server connectivity for /health.
type MediaHealth interface {
	Connected() bool
}

// Server is the control API.
type Server struct {
	cfg        *config.Config
	streams    StreamController
	viewers    ViewerRegistry
	media      MediaHealth
	log        zerolog.Logger
	httpServer *http.Server
}

// NewServer creates the control API server.
func NewServer(cfg *config.Config, streams StreamController, viewers ViewerRegistry, media MediaHealth, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		streams: streams,
		viewers: viewers,
		media:   media,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Start begins serving on addr. It returns an error if the listener fails
// immediately (port in use, bad address).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info().Str("address", addr).Msg("Starting control API")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Control API server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info().Msg("Stopping control API")
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/streams", s.handleListStreams).Methods(http.MethodGet)
	r.HandleFunc("/streams/{camera}", s.handleGetStream).Methods(http.MethodGet)
	r.HandleFunc("/streams/{camera}/start", s.handleStartStream).Methods(http.MethodPost)
	r.HandleFunc("/streams/{camera}/stop", s.handleStopStream).Methods(http.MethodPost)
	r.HandleFunc("/viewers", s.handleListViewers).Methods(http.MethodGet)
	r.HandleFunc("/viewers/{camera}", s.handleGetViewers).Methods(http.MethodGet)
	return s.withCORS(s.withLogging(r))
}

type startRequest struct {
	MaxBandwidth int `json:"max_bandwidth"`
	MinBandwidth int `json:"min_bandwidth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.media.Connected()
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 status,
		"media_server_connected": connected,
		"active_streams":         s.streams.ActiveCount(),
		"total_viewers":          s.viewers.TotalCount(),
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	snap := s.streams.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"streams": snap, "count": len(snap)})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	camera := mux.Vars(r)["camera"]
	stats, err := s.streams.Stats(camera)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Session detail includes the per-session viewer list.
	writeJSON(w, http.StatusOK, map[string]any{
		"stream":  stats,
		"viewers": s.viewers.SnapshotFor(camera),
	})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	camera := mux.Vars(r)["camera"]

	maxBW := s.cfg.MaxVideoRecvBandwidth
	minBW := s.cfg.MinVideoRecvBandwidth
	if r.Body != nil && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MaxBandwidth > 0 {
			maxBW = req.MaxBandwidth
		}
		if req.MinBandwidth > 0 {
			minBW = req.MinBandwidth
		}
	}

	targetIP := s.selectTargetIP(r)
	s.log.Info().Str("camera_id", camera).Str("target_ip", targetIP).Msg("Start stream requested")

	if _, err := s.streams.StartStream(r.Context(), camera, targetIP, maxBW, minBW); err != nil {
		if errors.Is(err, stream.ErrAlreadyActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats, err := s.streams.Stats(camera)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	camera := mux.Vars(r)["camera"]
	stats, err := s.streams.StopStream(r.Context(), camera)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListViewers(w http.ResponseWriter, r *http.Request) {
	snap := s.viewers.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"viewers": snap, "count": len(snap)})
}

func (s *Server) handleGetViewers(w http.ResponseWriter, r *http.Request) {
	camera := mux.Vars(r)["camera"]
	snap := s.viewers.SnapshotFor(camera)
	writeJSON(w, http.StatusOK, map[string]any{"viewers": snap, "count": len(snap)})
}

// selectTargetIP decides which IP gets written into the camera's SDP: the
// LAN address when the start request came from inside the local network or
// loopback, the external address otherwise. Proxied requests are classified
// by the first X-Forwarded-For hop.
func (s *Server) selectTargetIP(r *http.Request) string {
	client := clientAddress(r)
	if strings.HasPrefix(client, s.cfg.LocalNetworkPrefix) || isLoopback(client) {
		return s.cfg.LocalIP
	}
	return s.cfg.ExternalIP
}

func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withCORS adds permissive CORS headers; the dashboard runs on another origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging logs each request with its final status code.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
