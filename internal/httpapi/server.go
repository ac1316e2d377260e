// Package httpapi serves datum queries, queue statistics and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strings"
	"time"

	"wisefido-datum/internal/datumservice"
	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxHistoryCount = 100

// Config configures the HTTP server.
type Config struct {
	Addr string `yaml:"addr"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `yaml:"token"`
}

// StatsProvider is implemented by *queue.Queue.
type StatsProvider interface {
	Stats() queue.Stats
}

// Server is the HTTP API of the datum service.
type Server struct {
	cfg      Config
	datums   *datumservice.Service
	stats    StatsProvider
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	router   *httprouter.Router
	server   *http.Server
	listener net.Listener
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, datums *datumservice.Service, stats StatsProvider, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		datums:   datums,
		stats:    stats,
		gatherer: gatherer,
		logger:   logger,
		router:   httprouter.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/api/v1/datum/latest", s.auth(s.handleLatest))
	s.router.GET("/api/v1/datum/history", s.auth(s.handleHistory))
	s.router.GET("/api/v1/datum/unfiltered/latest", s.auth(s.handleUnfilteredLatest))
	s.router.GET("/api/v1/queue/stats", s.auth(s.handleQueueStats))
	s.router.GET("/health", s.handleHealth)
	s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	})
}

// Handler returns the router, with a request ID on every response.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.router.ServeHTTP(w, r)
	})
}

// Start binds the configured address and serves in the background. Bind
// failures are returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	if s.cfg.Token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, Fail("unauthorized"))
			return
		}
		h(w, r, ps)
	}
}

func parseKind(w http.ResponseWriter, r *http.Request) (models.Kind, bool) {
	kind, err := models.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return kind, false
	}
	return kind, true
}

func messages(seq iter.Seq[*models.Datum]) []*models.DatumMessage {
	out := []*models.DatumMessage{}
	for d := range seq {
		out = append(out, d.ToMessage())
	}
	return out
}

// GET /api/v1/datum/latest?sourceIds=&kind=&offset=
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := datumservice.ParseSourceFilter(q.Get("sourceIds"))

	offset := parseInt(q.Get("offset"), 0)
	if offset < 0 {
		writeJSON(w, http.StatusBadRequest, Fail("offset must not be negative"))
		return
	}
	if offset > 0 {
		writeJSON(w, http.StatusOK, Ok(messages(s.datums.Offset(filter, offset, kind))))
		return
	}
	writeJSON(w, http.StatusOK, Ok(messages(s.datums.Latest(filter, kind))))
}

// GET /api/v1/datum/history?sourceId=&offset=&count=&kind=&at=
// at (RFC3339) anchors the window at the newest datum at or before it.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	sourceID := strings.TrimSpace(q.Get("sourceId"))
	if sourceID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("sourceId is required"))
		return
	}
	offset := parseInt(q.Get("offset"), 0)
	count := min(parseInt(q.Get("count"), s.datums.HistoryRawCount()), maxHistoryCount)
	if offset < 0 || count < 1 {
		writeJSON(w, http.StatusBadRequest, Fail("invalid offset or count"))
		return
	}

	window := s.datums.Slice
	if at := q.Get("at"); at != "" {
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("at must be an RFC3339 timestamp"))
			return
		}
		window = func(sourceID string, offset, count int, kind models.Kind) []*models.Datum {
			return s.datums.SliceAt(sourceID, ts, offset, count, kind)
		}
	}

	out := []*models.DatumMessage{}
	for _, d := range window(sourceID, offset, count, kind) {
		out = append(out, d.ToMessage())
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// GET /api/v1/datum/unfiltered/latest?sourceIds=&kind=
func (s *Server) handleUnfilteredLatest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	filter := datumservice.ParseSourceFilter(r.URL.Query().Get("sourceIds"))
	writeJSON(w, http.StatusOK, Ok(messages(s.datums.Unfiltered().Latest(filter, kind))))
}

// GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, Ok(s.stats.Stats()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
}
