// Package api serves read access to the station table over HTTP.
//
//	GET /stations        all entries, sorted by key
//	GET /stations/{key}  one entry, 404 when absent
//	GET /healthz         200 once the table is recovered, 503 before
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/edgeflare/stationstream/pkg/station"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Store is the read side of the station table. *stream.Processor and
// *stream.Table implement it.
type Store interface {
	Ready() bool
	Lookup(key string) (station.Transformed, bool, error)
	Entries() ([]stream.KeyValue, error)
}

// Options configures the server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server is the lookup HTTP server.
type Server struct {
	store      Store
	logger     *zap.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer builds the router. It does not start listening.
func NewServer(store Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	s := &Server{store: store, logger: logger, router: r}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/stations", func(r chi.Router) {
		r.Get("/", s.listStations)
		r.Get("/{key}", s.getStation)
	})

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting lookup API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down lookup API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.store.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "recovering"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listStations(w http.ResponseWriter, r *http.Request) {
	kvs, err := s.store.Entries()
	if err != nil {
		s.storeError(w, err)
		return
	}
	if kvs == nil {
		kvs = []stream.KeyValue{}
	}
	writeJSON(w, http.StatusOK, kvs)
}

func (s *Server) getStation(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid station key")
		return
	}
	v, ok, err := s.store.Lookup(key)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !ok {
		errorResponse(w, http.StatusNotFound, "station not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, stream.KeyValue{Key: key, Value: v})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, stream.ErrNotReady) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "recovering"})
		return
	}
	s.logger.Error("table read failed", zap.Error(err))
	errorResponse(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
