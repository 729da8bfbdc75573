package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/parser"

	"github.com/gorilla/mux"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Ingester is the accept path for HTTP reports.
type Ingester interface {
	Ingest(raw models.RawReport, transport string) (models.PositionUpdate, error)
}

// PositionReader reads the latest-position table.
type PositionReader interface {
	Get(deviceID string) (models.PositionUpdate, bool)
	Snapshot() []models.PositionUpdate
}

// HistoryReader reads the Position Store.
type HistoryReader interface {
	History(ctx context.Context, q models.HistoryQuery) ([]models.PositionRecord, error)
}

// StatsSource computes pipeline stats.
type StatsSource interface {
	Stats() models.Stats
	Window() time.Duration
	Now() time.Time
}

// Options wires a Server.
type Options struct {
	Ingester    Ingester
	Positions   PositionReader
	History     HistoryReader
	Stats       StatsSource
	Limiter     *FixedWindowLimiter
	DeviceToken string
	TokenHeader string
	Realtime    http.Handler // websocket endpoint
	Metrics     http.Handler
	Logger      *slog.Logger
}

// Server represents the API server
type Server struct {
	opts    Options
	router  *mux.Router
	logger  *slog.Logger
	started time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.TokenHeader == "" {
		opts.TokenHeader = "X-Device-Token"
	}
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		logger:  opts.Logger.With("component", "http"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	if s.opts.Realtime != nil {
		s.router.Handle("/ws", s.opts.Realtime).Methods("GET")
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/track", s.handleTrack).Methods("POST")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/positions/{device_id}", s.handlePosition).Methods("GET")
	api.HandleFunc("/history/{device_id}", s.handleHistory).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status. It passes Hijack through so
// websocket upgrades work behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Response helpers
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, errorResponse{Error: kind, Message: message})
}

// Handlers
type trackResponse struct {
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}

	if s.opts.Limiter != nil {
		if ok, retry := s.opts.Limiter.Allow(); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			respondError(w, http.StatusTooManyRequests, "RateLimited", "too many requests, retry later")
			return
		}
	}

	var raw models.RawReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil || raw == nil {
		respondError(w, http.StatusBadRequest, "InvalidJSON", "request body must be a JSON object")
		return
	}

	u, err := s.opts.Ingester.Ingest(raw, parser.TransportHTTP)
	if err != nil {
		var verr *parser.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, string(verr.Kind), verr.Error())
			return
		}
		s.logger.Error("ingest failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal", "internal error")
		return
	}

	respondJSON(w, http.StatusOK, trackResponse{Status: "ok", DeviceID: u.DeviceID, Timestamp: u.ReceivedAt})
}

// authorized compares the credential header against the configured secret.
// An empty secret rejects everything.
func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get(s.opts.TokenHeader)
	if s.opts.DeviceToken == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.DeviceToken)) == 1
}

type positionsResponse struct {
	Positions []models.PositionUpdate `json:"positions"`
	Timestamp int64                   `json:"timestamp"`
	Count     int                     `json:"count"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Positions.Snapshot()
	respondJSON(w, http.StatusOK, positionsResponse{
		Positions: snap,
		Timestamp: time.Now().UnixMilli(),
		Count:     len(snap),
	})
}

type positionResponse struct {
	Position models.PositionUpdate `json:"position"`
	Online   bool                  `json:"online"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	u, ok := s.opts.Positions.Get(deviceID)
	if !ok {
		respondError(w, http.StatusNotFound, "NotFound", "device not found")
		return
	}
	respondJSON(w, http.StatusOK, positionResponse{
		Position: u,
		Online:   u.Online(s.opts.Stats.Now(), s.opts.Stats.Window()),
	})
}

type historyResponse struct {
	DeviceID  string                  `json:"device_id"`
	Positions []models.PositionRecord `json:"positions"`
	Count     int                     `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "InvalidLimit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := s.opts.History.History(r.Context(), models.HistoryQuery{DeviceID: deviceID, Limit: limit})
	if err != nil {
		s.logger.Error("history query failed", "device_id", deviceID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal", "history unavailable")
		return
	}

	respondJSON(w, http.StatusOK, historyResponse{DeviceID: deviceID, Positions: rows, Count: len(rows)})
}

type statsResponse struct {
	models.Stats
	OnlineWindowMs int64 `json:"online_window_ms"`
	Timestamp      int64 `json:"timestamp"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Stats:          s.opts.Stats.Stats(),
		OnlineWindowMs: s.opts.Stats.Window().Milliseconds(),
		Timestamp:      time.Now().UnixMilli(),
	})
}

type healthResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Subscribers     int     `json:"subscribers"`
	Devices         int     `json:"devices"`
	BrokerConnected bool    `json:"broker_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Stats.Stats()
	respondJSON(w, http.StatusOK, healthResponse{
		Status:          "healthy",
		UptimeSeconds:   time.Since(s.started).Seconds(),
		Subscribers:     st.Subscribers,
		Devices:         st.Devices,
		BrokerConnected: st.BrokerConnected,
	})
}

// ListenAndServe runs the server on addr until ctx is done, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
