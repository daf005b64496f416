package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

//go:embed templates/index.html
var templateFiles embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFiles, "templates/index.html"))

const defaultEventsLimit = 50

// eventLister is the read side of the event store.
type eventLister interface {
	Recent(ctx context.Context, limit int) ([]EventRecord, error)
	Count(ctx context.Context) (int64, error)
}

// Server exposes the live feed and the daemon state over HTTP.
type Server struct {
	cfg      *Config
	exchange *FrameExchange
	stream   *StreamPublisher
	encoder  Encoder
	// events is nil when no event store is configured.
	events  eventLister
	metrics *PipelineMetrics
	logger  *slog.Logger
}

// NewServer builds a server; events may be nil.
func NewServer(cfg *Config, exchange *FrameExchange, stream *StreamPublisher, encoder Encoder, events eventLister, metrics *PipelineMetrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		exchange: exchange,
		stream:   stream,
		encoder:  encoder,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.homeHandler)
	mux.Handle("GET /video_feed", s.stream)
	mux.HandleFunc("GET /snapshot.jpg", s.snapshotHandler)
	mux.HandleFunc("GET /events", s.listEvents)
	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// Run serves on addr until ctx is cancelled, then shuts down within timeout.
// Request contexts derive from ctx so open streams end with it.
func (s *Server) Run(ctx context.Context, addr string, timeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Debug("HTTP server stopped")
	return nil
}

type indexData struct {
	Title     string
	Device    string
	StreamFPS int
	HasEvents bool
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, indexData{
		Title:     "Home Surveillance",
		Device:    s.cfg.Device,
		StreamFPS: s.cfg.StreamFPS,
		HasEvents: s.events != nil,
	})
	if err != nil {
		s.logger.Error("Failed to render index", "error", err)
	}
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.exchange.Latest()
	if !ok {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "No frame captured yet", http.StatusServiceUnavailable)
		return
	}

	data, err := s.encoder.Encode(frame)
	if err != nil {
		s.metrics.encodeErrors.Add(1)
		s.logger.Error("Failed to encode snapshot", "frame_seq", frame.Seq, "error", err)
		http.Error(w, "Failed to encode frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.encoder.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

type eventsResponse struct {
	Count  int64         `json:"count"`
	Events []EventRecord `json:"events"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "Event store is disabled", http.StatusNotFound)
		return
	}

	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentEvents)
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list events", "error", err)
		http.Error(w, "Failed to retrieve events", http.StatusInternalServerError)
		return
	}
	count, err := s.events.Count(r.Context())
	if err != nil {
		s.logger.Error("Failed to count events", "error", err)
		http.Error(w, "Failed to retrieve events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []EventRecord{}
	}

	writeJSON(w, s.logger, eventsResponse{Count: count, Events: events})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, s.metrics.Snapshot())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write JSON response", "error", err)
	}
}
