package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxMessageBytes bounds a POSTed message body.
const maxMessageBytes = 1 << 20

// HTTPOptions configures the HTTP surface.
type HTTPOptions struct {
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// Bridge accepts the extension's websocket at /bridge; nil leaves the
	// route out.
	Bridge http.Handler
}

// Router returns the HTTP routes:
//
//	POST /api/message              one protocol message, answered as a Response
//	POST /api/cancel/{requestID}   cancel an in-flight request
//	GET  /healthz                  liveness and in-flight count
//	GET  /metrics                  Prometheus counters
//	GET  /bridge                   browser extension websocket
func (s *Server) Router(opts HTTPOptions) http.Handler {
	router := chi.NewRouter()
	router.Use(s.logRequests)

	router.Post("/api/message", s.handleMessage)
	router.Post("/api/cancel/{requestID}", s.handleCancel)
	router.Get("/healthz", s.handleHealthz)
	if opts.Gatherer != nil {
		router.Get("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if opts.Bridge != nil {
		router.Handle("/bridge", opts.Bridge)
	}
	return router
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("failed to read message: %w", err))
		return
	}
	if len(raw) > maxMessageBytes {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("message exceeds %d bytes", maxMessageBytes))
		return
	}
	if !json.Valid(raw) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("message is not valid JSON"))
		return
	}
	respondJSON(w, s.Handle(r.Context(), raw))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	respondJSON(w, cancelReply{OK: true, Cancelled: s.Cancel(requestID)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"inFlight": s.InFlight(),
		"tabs":     s.index.Counts().Total,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		response.Message = err.Error()
	}
	_ = json.NewEncoder(w).Encode(response)
}
