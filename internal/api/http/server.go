package httpapi

import (
	stdcontext "context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/metrics"
)

const (
	defaultAddr             = config.DefaultAPIAddr
	defaultReadHeader       = 5 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
	defaultTerminateTimeout = 10 * time.Second
	eventBuffer             = 256
	maxBodyBytes            = 1 << 20
)

// eventIdleTimeout bounds how long a non-follow stream for a stopped process
// waits for more events.
var eventIdleTimeout = 250 * time.Millisecond

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	TLS               *tls.Config
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	TerminateTimeout  time.Duration
}

// Server wraps an http.Server exposing supervisor controls.
type Server struct {
	ctrl             api.Controller
	srv              *http.Server
	listener         net.Listener
	logger           *zap.Logger
	shutdownTimeout  time.Duration
	terminateTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNilController(cfg.Controller) {
		if cfg.Controller == nil {
			return nil, fmt.Errorf("controller is required")
		}
		return nil, fmt.Errorf("controller is required, got typed nil %T", cfg.Controller)
	}
	addr := normalizeAddr(cfg.Addr)
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		TLSConfig:         cfg.TLS,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:             cfg.Controller,
		srv:              srv,
		listener:         cfg.Listener,
		logger:           cfg.Logger,
		shutdownTimeout:  cfg.ShutdownTimeout,
		terminateTimeout: cfg.TerminateTimeout,
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	if server.terminateTimeout == 0 {
		server.terminateTimeout = defaultTerminateTimeout
	}
	server.registerRoutes(mux)
	return server, nil
}

func isNilController(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		errCh <- s.serve()
	}()

	s.logger.Info("api listening", zap.String("addr", s.Addr()), zap.Bool("tls", s.srv.TLSConfig != nil))
	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serve() error {
	tlsEnabled := s.srv.TLSConfig != nil
	switch {
	case s.listener != nil && tlsEnabled:
		return s.srv.ServeTLS(s.listener, "", "")
	case s.listener != nil:
		return s.srv.Serve(s.listener)
	case tlsEnabled:
		return s.srv.ListenAndServeTLS("", "")
	default:
		return s.srv.ListenAndServe()
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/processes", s.handleProcesses)
	mux.HandleFunc("/api/v1/processes/", s.handleProcess)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/version", s.handleVersion)
	mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, api.ProcessList{
			GeneratedAt: time.Now().UTC(),
			Processes:   s.ctrl.List(),
		})
	case http.MethodPost:
		var req api.LaunchRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.ctrl.Launch(r.Context(), req.Spec()); err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"id": req.ID})
			return
		}
		s.writeJSON(w, http.StatusCreated, api.ProcessStatus{ID: req.ID, Running: s.ctrl.Running(req.ID)})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/v1/processes/"))
	if id == "" || strings.Contains(id, "/") {
		s.writeErrorWithDetails(w, fmt.Errorf("%w: invalid process path", api.ErrInvalidRequest), map[string]any{"id": id})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, api.ProcessStatus{ID: id, Running: s.ctrl.Running(id)})
	case http.MethodDelete:
		ctx, cancel := stdcontext.WithTimeout(r.Context(), s.terminateTimeout)
		defer cancel()
		if err := s.ctrl.Terminate(ctx, id); err != nil {
			if errors.Is(err, api.ErrKillFailed) {
				s.logger.Error("terminate failed", zap.String("id", id), zap.Error(err))
			}
			s.writeErrorWithDetails(w, err, map[string]any{"id": id})
			return
		}
		s.writeJSON(w, http.StatusOK, api.ProcessStatus{ID: id, Running: s.ctrl.Running(id)})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming unsupported"))
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("id"))

	events, release, ok := s.ctrl.Subscribe(eventBuffer)
	defer release()
	if !ok {
		s.writeError(w, api.ErrEventsClosed)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A bounded stream for a process that is not running has nothing live to
	// wait for: it ends once the replayed history and any exit still in
	// flight have been idle for eventIdleTimeout.
	bounded := filter != "" && r.URL.Query().Get("follow") == "false"
	var idle *time.Timer
	var idleC <-chan time.Time
	if bounded && !s.ctrl.Running(filter) {
		idle = time.NewTimer(eventIdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-idleC:
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if filter != "" && evt.ID != filter {
				continue
			}
			if err := enc.Encode(cliutil.NewLogRecord(evt)); err != nil {
				return
			}
			flusher.Flush()
			if bounded && evt.Type == event.TypeExited {
				return
			}
			if idle != nil {
				idle.Reset(eventIdleTimeout)
			}
		}
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.VersionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, fmt.Errorf("%w: path is required", api.ErrInvalidRequest))
		return
	}
	version, err := s.ctrl.ProbeVersion(r.Context(), req.Path)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"path": req.Path})
		return
	}
	s.writeJSON(w, http.StatusOK, api.VersionResult{Path: req.Path, Version: version})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", api.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, methods ...string) {
	allow := strings.Join(methods, ", ")
	w.Header().Set("Allow", allow)
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method not allowed, use %s", allow),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		details[k] = v
	}
	body := errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
	s.writeJSON(w, status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, api.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, api.ErrNotRunning):
		return http.StatusNotFound, "not_running"
	case errors.Is(err, api.ErrUnknownProcess):
		return http.StatusNotFound, "unknown_process"
	case errors.Is(err, api.ErrInvalidSpec):
		return http.StatusBadRequest, "invalid_spec"
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, api.ErrStartFailed):
		return http.StatusUnprocessableEntity, "start_failed"
	case errors.Is(err, api.ErrProbeFailed):
		return http.StatusUnprocessableEntity, "probe_failed"
	case errors.Is(err, api.ErrNoVersion):
		return http.StatusUnprocessableEntity, "no_version"
	case errors.Is(err, api.ErrKillFailed):
		return http.StatusInternalServerError, "kill_failed"
	case errors.Is(err, api.ErrEventsClosed):
		return http.StatusServiceUnavailable, "events_closed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
