package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/namehu/PixiShelf-sub001/internal/config"
	"github.com/namehu/PixiShelf-sub001/internal/ingest"
	"github.com/namehu/PixiShelf-sub001/internal/media"
	"github.com/namehu/PixiShelf-sub001/internal/scanstatus"
	"github.com/namehu/PixiShelf-sub001/internal/store"
	"github.com/namehu/PixiShelf-sub001/internal/swaggerui"
)

//go:embed openapi.yaml
var openapiSpec []byte

type Server struct {
	cfg     *config.Config
	store   *store.Store
	scanner *ingest.Scanner
	library *media.Library
	status  scanstatus.Recorder
	hub     *Hub
	logger  *slog.Logger
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type health struct {
	Status string `json:"status"`
}

func NewRouter(cfg *config.Config, st *store.Store, scanner *ingest.Scanner, lib *media.Library, status scanstatus.Recorder, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if status == nil {
		status = scanstatus.NewMemory()
	}
	s := &Server{cfg: cfg, store: st, scanner: scanner, library: lib, status: status, hub: NewHub(cfg.CORSAllowedOrigins), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(logger))

	if len(cfg.CORSAllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Accept", "If-None-Match", "Range"},
			ExposedHeaders:   []string{"ETag", "Content-Range"},
			AllowCredentials: true,
		})
		r.Use(c.Handler)
	}

	// streaming endpoints live as long as the scan or the socket
	r.Post("/api/scan", s.PostScan)
	r.Get("/api/scan/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", s.GetHealthz)
		r.Get("/readyz", s.GetReadyz)
		r.Get(cfg.OpenAPIPath, s.serveOpenAPI)
		r.Mount(cfg.SwaggerUIPath, swaggerui.Handler(cfg.OpenAPIPath, cfg.SwaggerUIPath))

		r.Post("/api/scan/cancel", s.CancelScan)
		r.Get("/api/scan/status", s.GetScanStatus)
		r.Get("/images/*", s.GetImage)
	})

	return r
}

func (s *Server) serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}

func (s *Server) GetHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, health{Status: "ok"})
}

func (s *Server) GetReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable", map[string]any{"error": err.Error()})
		return
	}
	if err := s.library.IsReadable(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "library root not readable", map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, health{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, apiError{Code: code, Message: message, Details: details})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
