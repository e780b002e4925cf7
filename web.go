package moltgate

import (
	"bufio"
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

//go:embed web/setup.html
var setupPageHTML []byte

// ServerConfig wires the HTTP surface. Supervisor, Proxy, Onboarder,
// Journal and Hub may each be nil depending on the role this instance
// plays; a nil Metrics is replaced with a fresh instance.
type ServerConfig struct {
	Config     *Config
	Paths      Paths
	Oracle     *Oracle
	Supervisor *Supervisor
	Proxy      *GatewayProxy
	Onboarder  *Onboarder
	Backend    *url.URL
	Journal    *Journal
	Metrics    *Metrics
	Hub        *EventHub
	Version    string
}

// Server is the HTTP face of the wrapper: the password-gated setup
// surface, the operational endpoints, and the catch-all gateway proxy.
type Server struct {
	cfg     *Config
	paths   Paths
	oracle  *Oracle
	sup     *Supervisor
	proxy   *GatewayProxy
	onboard *Onboarder
	backend *url.URL
	journal *Journal
	metrics *Metrics
	hub     *EventHub
	version string

	// probeCache keeps backend reachability checks off the hot path of
	// the status endpoint, which the setup page polls aggressively.
	probeCache  *ttlcache.Cache[string, bool]
	postLimiter *rate.Limiter
	upgrader    websocket.Upgrader
}

// NewServer builds a Server. Call Close when done to stop the probe
// cache's janitor.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](5*time.Second),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()
	return &Server{
		cfg:         cfg.Config,
		paths:       cfg.Paths,
		oracle:      cfg.Oracle,
		sup:         cfg.Supervisor,
		proxy:       cfg.Proxy,
		onboard:     cfg.Onboarder,
		backend:     cfg.Backend,
		journal:     cfg.Journal,
		metrics:     cfg.Metrics,
		hub:         cfg.Hub,
		version:     cfg.Version,
		probeCache:  cache,
		postLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Close stops background workers owned by the server.
func (s *Server) Close() {
	s.probeCache.Stop()
}

// Handler assembles the route table for this instance's role. The setup
// surface only exists when an Onboarder is wired; the proxy only when a
// backend proxy is wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.onboard != nil {
		mux.HandleFunc("GET /setup/", s.requireSetupAuth(s.handleSetupPage))
		mux.HandleFunc("GET /setup/api/status", s.requireSetupAuth(s.handleStatus))
		mux.HandleFunc("POST /setup/api/run", s.requireSetupAuth(s.limitWrites(s.handleRun)))
		mux.HandleFunc("POST /setup/api/reset", s.requireSetupAuth(s.limitWrites(s.handleReset)))
		mux.HandleFunc("POST /setup/api/pairing/approve", s.requireSetupAuth(s.limitWrites(s.handlePairing)))
		mux.HandleFunc("GET /setup/api/export", s.requireSetupAuth(s.handleExport))
		mux.HandleFunc("GET /setup/api/journal", s.requireSetupAuth(s.handleJournal))
		mux.HandleFunc("GET /setup/api/events", s.requireSetupAuth(s.handleEvents))
		mux.HandleFunc("GET /setup/api/openapi.json", s.requireSetupAuth(s.handleOpenAPI))
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /internal/token", s.handleInternalToken)
	mux.HandleFunc("GET /internal/metrics", s.handleMetrics)
	mux.HandleFunc("GET /internal/journal", s.handleJournal)
	if s.proxy != nil {
		mux.Handle("/", s.proxy)
	}
	return s.withRequestID(s.withRecovery(s.withLogging(mux)))
}

// ---------- middleware ----------

// statusRecorder captures the response code for the access log while
// passing Hijacker and Flusher through, which WebSocket upgrades and
// streamed proxy responses depend on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("moltgate: response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.Printf("web: %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("web: panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireSetupAuth gates a handler behind HTTP basic auth. The username
// is ignored; only the password counts, compared in constant time. With
// no password configured the whole surface answers 503 so a bare
// deployment is closed rather than open.
func (s *Server) requireSetupAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SetupPassword == "" {
			http.Error(w, "setup authentication is not configured; set setup_password or MOLTGATE_SETUP_PASSWORD", http.StatusServiceUnavailable)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.SetupPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="moltgate setup", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// limitWrites rate-limits the state-changing setup endpoints as a unit.
func (s *Server) limitWrites(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.postLimiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many setup requests"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: failed to encode response: %v", err)
	}
}

// ---------- setup surface ----------

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(setupPageHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Configured:       s.oracle.IsConfigured(),
		BackendReachable: s.backendReachable(r.Context()),
		Version:          s.version,
	}
	if s.sup != nil {
		st := s.sup.Status()
		resp.Process = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// backendReachable probes the backend at most once per cache TTL.
func (s *Server) backendReachable(ctx context.Context) bool {
	if s.backend == nil {
		return false
	}
	if item := s.probeCache.Get("backend"); item != nil {
		return item.Value()
	}
	ok := probeBackend(ctx, s.backend)
	s.probeCache.Set("backend", ok, ttlcache.DefaultTTL)
	return ok
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	resp, err := s.onboard.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrOnboardBusy) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	resp, err := s.onboard.Reset(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	var req PairingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	resp, err := s.onboard.ApprovePairing(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := exportName(time.Now())
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	dirs := map[string]string{
		stateDirName:     s.paths.StateDir,
		workspaceDirName: s.paths.WorkspaceDir,
	}
	if err := WriteArchive(w, dirs); err != nil {
		// Headers are out the door; all we can do is log.
		log.Printf("web: export failed: %v", err)
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read journal"})
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	writeJSON(w, http.StatusOK, JournalResponse{Entries: entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: events upgrade: %v", err)
		return
	}
	s.metrics.RecordWSSession()
	s.hub.Add(conn)
	defer func() {
		s.hub.Remove(conn)
		conn.Close()
	}()
	conn.SetReadLimit(4096)
	for {
		// Clients only listen; reading just detects the close.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(BuildOpenAPISpec(s.version, s.cfg))
}

// ---------- operational surface ----------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	token, err := s.oracle.ResolveToken()
	if err != nil {
		log.Printf("web: failed to resolve token: %v", err)
	}
	running := false
	if s.sup != nil {
		running = s.sup.Running()
	} else {
		running = s.backendReachable(r.Context())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Configured:     s.oracle.IsConfigured(),
		ProcessRunning: running,
		TokenPrefix:    TokenPrefix(token),
	})
}

func (s *Server) handleInternalToken(w http.ResponseWriter, r *http.Request) {
	if secret := s.cfg.InternalSecret; secret != "" {
		got := r.Header.Get("X-Moltgate-Internal")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
			return
		}
	}
	token, err := s.oracle.ResolveToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to resolve token"})
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
