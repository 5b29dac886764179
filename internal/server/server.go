// Package server is the call dispatcher: it accepts client sessions, checks
// logons, and routes METADATA and CALL requests to installed functions.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/auth"
	"github.com/danmuck/rfcctl/internal/logging"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/transport"
)

var (
	ErrServerClosed  = errors.New("server: closed")
	ErrNoProgramID   = errors.New("server: program id required")
	ErrTooManyErrors = errors.New("server: restart limit reached")
)

// Handler serves one installed function. Returning an *rfc.Error sends that
// error to the caller; any other error is reported as SYSTEM_ERROR.
type Handler interface {
	Handle(ctx context.Context, call *rfc.FunctionCall) error
}

type HandlerFunc func(ctx context.Context, call *rfc.FunctionCall) error

func (f HandlerFunc) Handle(ctx context.Context, call *rfc.FunctionCall) error {
	return f(ctx, call)
}

// LogonInfo describes a logon attempt for the logon hook.
type LogonInfo struct {
	Client        string
	User          string
	Language      string
	ProgramID     string
	ClientVersion string
	RemoteAddr    string
	PeerIdentity  string
}

// Config identifies the server and its endpoints.
type Config struct {
	ProgramID   string
	ListenAddr  string
	AdminAddr   string
	CORSOrigins []string
	SystemID    string
	Release     string
	TraceFile   string
	MaxRestarts int
	Transport   transport.Config
}

func DefaultConfig() Config {
	return Config{
		ProgramID:  "ZRFCCTEST",
		ListenAddr: ":3342",
		SystemID:   "NPL",
		Release:    "1.0",
		Transport:  transport.DefaultConfig(),
	}
}

// Server dispatches remote function calls to installed handlers.
type Server struct {
	cfg      Config
	registry *rfc.Registry
	listen   func(addr string, cfg transport.Config) (net.Listener, error)

	hooksMu   sync.RWMutex
	handlers  map[string]Handler
	fallback  Handler
	onLogon   func(LogonInfo) bool
	onError   func(error) bool
	validator auth.Validator

	mu       sync.Mutex
	ln       net.Listener
	admin    *http.Server
	closed   bool
	done     chan struct{}
	started  time.Time
	restarts int

	connsMu sync.Mutex
	conns   map[*transport.Conn]struct{}

	inflight sync.WaitGroup
	sessions atomic.Int64
	ready    atomic.Bool
	trace    *logging.Trace
}

func New(cfg Config) *Server {
	d := DefaultConfig()
	cfg.ProgramID = strings.TrimSpace(cfg.ProgramID)
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.SystemID == "" {
		cfg.SystemID = d.SystemID
	}
	if cfg.Release == "" {
		cfg.Release = d.Release
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	return &Server{
		cfg:      cfg,
		registry: rfc.NewRegistry(),
		listen:   transport.Listen,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		conns:    make(map[*transport.Conn]struct{}),
		started:  time.Now(),
	}
}

func (s *Server) Config() Config {
	return s.cfg
}

// Registry holds the descriptors of installed functions.
func (s *Server) Registry() *rfc.Registry {
	return s.registry
}

// InstallFunction registers desc and its handler. A nil handler routes calls
// to the IncomingCall fallback.
func (s *Server) InstallFunction(desc rfc.FunctionDescriptor, h Handler) error {
	if err := s.registry.Install(desc); err != nil {
		return err
	}
	name := rfc.NormalizeName(desc.Name)
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	if h == nil {
		delete(s.handlers, name)
	} else {
		s.handlers[name] = h
	}
	log.Info().Str("program", s.cfg.ProgramID).Str("function", name).Msg("function installed")
	return nil
}

func (s *Server) RemoveFunction(name string) bool {
	name = rfc.NormalizeName(name)
	s.hooksMu.Lock()
	delete(s.handlers, name)
	s.hooksMu.Unlock()
	return s.registry.Remove(name)
}

// IncomingCall sets the handler for installed functions without their own.
func (s *Server) IncomingCall(h Handler) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.fallback = h
}

// OnLogon sets the hook that allows or refuses a logon.
func (s *Server) OnLogon(fn func(LogonInfo) bool) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onLogon = fn
}

// OnServerError sets the hook consulted when the listener fails. Returning
// true restarts the listener.
func (s *Server) OnServerError(fn func(error) bool) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onError = fn
}

// SetValidator checks logon credentials after the logon hook allows them.
func (s *Server) SetValidator(v auth.Validator) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.validator = v
}

func (s *Server) handler(name string) (Handler, bool) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	if h, ok := s.handlers[name]; ok {
		return h, true
	}
	if s.fallback != nil {
		return s.fallback, true
	}
	return nil, false
}

// Addr returns the listening address, or nil before Serve has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Ready reports whether the server is accepting sessions.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// ActiveSessions is the number of connected sessions.
func (s *Server) ActiveSessions() int64 {
	return s.sessions.Load()
}

// Serve listens on ListenAddr and accepts sessions until ctx ends or
// Shutdown is called. Listener failures go to the server-error hook, which
// may ask for a restart.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.ProgramID == "" {
		return ErrNoProgramID
	}
	if err := s.cfg.Transport.ValidateServer(); err != nil {
		return err
	}
	trace, err := logging.OpenTrace(s.cfg.TraceFile)
	if err != nil {
		return err
	}
	s.trace = trace
	defer trace.Close()

	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go s.serveAdmin(addr)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if s.isClosed() {
			return nil
		}
		ln, err := s.listen(s.cfg.ListenAddr, s.cfg.Transport)
		if err == nil {
			log.Info().
				Str("program", s.cfg.ProgramID).
				Str("addr", ln.Addr().String()).
				Msg("server listening")
			err = s.ServeListener(ctx, ln)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		if !s.restart(err) {
			return err
		}
		wctx, cancel := s.untilClosed(ctx)
		err = s.cfg.Transport.Backoff.Wait(wctx, s.Restarts(), rng)
		cancel()
		if err != nil {
			return nil
		}
	}
}

// restart consults the server-error hook and the restart budget.
func (s *Server) restart(err error) bool {
	s.hooksMu.RLock()
	hook := s.onError
	s.hooksMu.RUnlock()
	log.Error().Err(err).Str("program", s.cfg.ProgramID).Msg("server error")
	if hook == nil || !hook(err) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxRestarts > 0 && s.restarts >= s.cfg.MaxRestarts {
		log.Error().Int("restarts", s.restarts).Msg("server restart limit reached")
		return false
	}
	s.restarts++
	log.Warn().Int("restart", s.restarts).Str("program", s.cfg.ProgramID).Msg("server restarting")
	return true
}

// Restarts is the number of restarts performed so far.
func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// ServeListener runs the accept loop on ln. It returns nil when stopped by
// ctx or Shutdown and the accept error otherwise.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.ready.Store(true)
	defer s.ready.Store(false)
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAllConns()
			_ = ln.Close()
		case <-s.done:
			_ = ln.Close()
		case <-stop:
		}
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return err
		}
		conn := transport.NewConn(raw, s.cfg.Transport)
		if s.trace.Enabled() {
			conn.SetTrace(s.trace.Logger)
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// Shutdown stops accepting, closes sessions and waits for running handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	admin := s.admin
	s.mu.Unlock()

	var adminErr error
	if admin != nil {
		adminErr = admin.Shutdown(ctx)
	}
	s.closeAllConns()

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info().Str("program", s.cfg.ProgramID).Msg("server stopped")
	return adminErr
}

// untilClosed returns a context that also ends when Shutdown is called.
func (s *Server) untilClosed(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// beginCall counts a handler run unless Shutdown has started. The count and
// the closed flag change under the same lock, so Shutdown's Wait never races
// an Add from zero.
func (s *Server) beginCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackConn(c *transport.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrackConn(c *transport.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

func faultFor(err error) (group, key, message string) {
	re := rfc.AsError(err)
	msg := re.Message
	if msg == "" && re.Err != nil {
		msg = re.Err.Error()
	}
	return string(re.Group), re.Key, msg
}

func panicError(v any) error {
	return rfc.SystemError(fmt.Sprintf("handler panic: %v", v))
}
