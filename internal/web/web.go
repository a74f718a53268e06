package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"epdagenda/internal/battery"
	"epdagenda/internal/config"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/message"
	"epdagenda/internal/refresh"
)

// maxMessageBytes bounds a POSTed schedule line.
const maxMessageBytes = 1 << 20

// Display is the part of *refresh.Loop served over HTTP.
type Display interface {
	Status() refresh.Status
	WritePreview(w io.Writer) (bool, error)
	RequestRedraw()
}

// Queue is implemented by *message.Inbox.
type Queue interface {
	Offer(line string) bool
}

// Schedule is implemented by *feed.Feed. It may be nil when no calendar
// source is configured.
type Schedule interface {
	Build(ctx context.Context) (message.Message, error)
	Refresh(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Schedule and Battery are
// optional; their routes answer 404 when nil.
type Deps struct {
	Display  Display
	Queue    Queue
	Schedule Schedule
	Battery  battery.Reader
}

// Server provides the HTTP API for inspecting and feeding the display.
type Server struct {
	cfg      *config.Config
	display  Display
	queue    Queue
	schedule Schedule
	battery  battery.Reader
	mux      *http.ServeMux

	// In-memory cache for /api/schedule responses to avoid refetching the
	// calendars on every HTTP request.
	scheduleMu    sync.RWMutex
	scheduleCache *scheduleCache
}

// scheduleCache holds a cached /api/schedule response and its timestamp.
type scheduleCache struct {
	body      json.RawMessage
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		display:  deps.Display,
		queue:    deps.Queue,
		schedule: deps.Schedule,
		battery:  deps.Battery,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdagenda", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	s.mux.HandleFunc("POST /api/message", s.handleMessage)
	s.mux.HandleFunc("POST /api/redraw", s.handleRedraw)
	s.mux.HandleFunc("GET /api/schedule", s.handleSchedule)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.display.Status())
}

// handlePreview serves the last frame pushed to the panel.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	ok, err := s.display.WritePreview(w)
	if err != nil {
		appLog.Error("preview encode failed", err)
		return
	}
	if !ok {
		w.Header().Del("Content-Type")
		writeError(w, http.StatusNotFound, "nothing drawn yet")
	}
}

// handleMessage accepts one schedule message, in the same JSON form as the
// input line, and queues it for the display loop.
//
// POST /api/message
//   - 202: queued
//   - 400: not a message
//   - 503: the loop is behind; retry later
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxMessageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	line := strings.TrimSpace(string(body))
	m, err := message.Parse(line)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.queue.Offer(line) {
		writeError(w, http.StatusServiceUnavailable, "inbox full")
		return
	}

	appLog.Info("api message queued", "entries", len(m.Dates), "dropped", len(m.Dropped))
	writeJSON(w, http.StatusAccepted, messageResponse{
		Queued:  true,
		Entries: len(m.Dates),
		Dropped: len(m.Dropped),
	})
}

// messageResponse is the JSON response shape for /api/message.
type messageResponse struct {
	Queued  bool `json:"queued"`
	Entries int  `json:"entries"`
	Dropped int  `json:"dropped"`
}

// handleRedraw forces a full redraw of the last schedule.
func (s *Server) handleRedraw(w http.ResponseWriter, _ *http.Request) {
	s.display.RequestRedraw()
	w.WriteHeader(http.StatusAccepted)
}

// handleSchedule returns the message the calendar feed would send now.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusNotFound, "no calendar feed configured")
		return
	}

	const scheduleCacheTTL = 30 * time.Second
	now := time.Now()

	s.scheduleMu.RLock()
	sc := s.scheduleCache
	s.scheduleMu.RUnlock()
	if sc != nil && now.Sub(sc.updatedAt) < scheduleCacheTTL {
		writeJSON(w, http.StatusOK, sc.body)
		return
	}

	body, err := s.buildSchedule(r.Context())
	if err != nil {
		appLog.Error("api schedule: build failed", err)
		writeError(w, http.StatusBadGateway, "failed to build schedule")
		return
	}

	s.scheduleMu.Lock()
	s.scheduleCache = &scheduleCache{body: body, updatedAt: time.Now()}
	s.scheduleMu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) buildSchedule(ctx context.Context) (json.RawMessage, error) {
	m, err := s.schedule.Build(ctx)
	if err != nil {
		return nil, err
	}
	return message.Encode(m)
}

// handleRefresh runs a feed refresh now instead of waiting for cron.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusNotFound, "no calendar feed configured")
		return
	}
	if err := s.schedule.Refresh(r.Context()); err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.scheduleMu.Lock()
	s.scheduleCache = nil
	s.scheduleMu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

// handleBattery exposes the battery controller reading.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusNotFound, "battery monitoring disabled")
		return
	}
	st, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
