package dashboard

import (
	"compress/gzip"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/boringbot/config"
	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/report"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

const (
	eventPollInterval = 3 * time.Second
	heartbeatInterval = 20 * time.Second

	defaultEventLimit = 200
	maxEventLimit     = 1000
	// streamBacklog events replayed to a client connecting without Last-Event-ID.
	streamBacklog = 50
)

type reporter interface {
	Summary(ctx context.Context) (report.Summary, error)
	Purchases(ctx context.Context, limit int) ([]report.PurchaseView, error)
	Purchase(ctx context.Context, id int64) (report.PurchaseView, error)
}

type eventReader interface {
	Events(ctx context.Context, q ledger.EventQuery) ([]domain.Event, error)
}

// Server read-only HTTP view of the ledger: a JSON API, an SSE stream of the event log and a small HTML page.
type Server struct {
	l       *zap.Logger
	cfg     config.DashboardConfig
	reports reporter
	events  eventReader

	pollInterval time.Duration
}

func NewServer(l *zap.Logger, cfg config.DashboardConfig, reports reporter, events eventReader) *Server {
	return &Server{l: l, cfg: cfg, reports: reports, events: events, pollInterval: eventPollInterval}
}

// Handler routes of the dashboard behind basic auth. /healthz stays public.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	private := r.NewRoute().Subrouter()
	private.Use(s.basicAuth)
	private.Handle("/", gzipHandler(http.HandlerFunc(s.handleIndex))).Methods(http.MethodGet)
	private.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	api := private.PathPrefix("/api").Subrouter()
	api.Use(gzipHandler)
	api.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/purchases", s.handlePurchases).Methods(http.MethodGet)
	api.HandleFunc("/purchases/{id:[0-9]+}", s.handlePurchase).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("dashboard listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "dashboard server")
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates for cfg.TLSDomains.
// It also serves HTTP-01 challenges on port 80.
func (s *Server) StartWithAutoTLS(ctx context.Context) error {
	if len(s.cfg.TLSDomains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	cacheDir := s.cfg.CertDir
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("acme http server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme http server", zap.Error(err))
		}
	}()

	s.l.Info("dashboard listening with TLS", zap.String("addr", s.cfg.Addr), zap.Strings("domains", s.cfg.TLSDomains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "dashboard tls server")
	}
	return nil
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Pass == "" {
			http.Error(w, "dashboard password is not configured", http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !equal(user, s.cfg.User) || !equal(pass, s.cfg.Pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="boringbot", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reports.Summary(r.Context())
	if err != nil {
		s.internalError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	views, err := s.reports.Purchases(r.Context(), limit)
	if err != nil {
		s.internalError(w, "purchases", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid purchase id", http.StatusBadRequest)
		return
	}
	view, err := s.reports.Purchase(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, fmt.Sprintf("purchase %d not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultEventLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.events.Events(r.Context(), ledger.EventQuery{
		Type:   domain.EventType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		Limit:  limit,
		Newest: true,
	})
	if err != nil {
		s.internalError(w, "events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))

	backlog, err := s.initialEvents(ctx, lastID)
	if err != nil {
		s.internalError(w, "event stream initial load", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(events []domain.Event) error {
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", ev.ID)
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastID = ev.ID
		}
		flusher.Flush()
		return nil
	}

	if err := send(backlog); err != nil {
		s.l.Warn("event stream initial send", zap.Error(err))
		return
	}
	if lastID == 0 {
		fmt.Fprint(w, "event: no_data\ndata: {}\n\n")
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			events, err := s.events.Events(ctx, ledger.EventQuery{AfterID: lastID, Limit: maxEventLimit})
			if err != nil {
				s.l.Warn("event stream poll", zap.Error(err))
				continue
			}
			if len(events) == 0 {
				continue
			}
			if err := send(events); err != nil {
				s.l.Warn("event stream send", zap.Error(err))
				return
			}
		}
	}
}

// initialEvents everything after lastID, or the most recent backlog for a fresh client.
func (s *Server) initialEvents(ctx context.Context, lastID int64) ([]domain.Event, error) {
	if lastID > 0 {
		return s.events.Events(ctx, ledger.EventQuery{AfterID: lastID, Limit: maxEventLimit})
	}
	events, err := s.events.Events(ctx, ledger.EventQuery{Limit: streamBacklog, Newest: true})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.l.Error("dashboard request failed", zap.String("handler", what), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid limit %q", raw)
	}
	if n > maxEventLimit {
		n = maxEventLimit
	}
	return n, nil
}

// parseLastEventID SSE resume point from the Last-Event-ID header or the last_event_id query parameter.
// The header wins.
func parseLastEventID(headerVal, queryVal string) int64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func gzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}
