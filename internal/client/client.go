// Package client is the calling side of a session: it logs on to a
// destination, imports function signatures and runs remote calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/logging"
	"github.com/danmuck/rfcctl/internal/observability"
	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/wire"
	"github.com/danmuck/rfcctl/internal/repository"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/transport"
)

const (
	Version         = "rfcctl/0.1"
	DefaultLanguage = "EN"

	// KeyLogonRejected is the error key of a logon the server refused.
	KeyLogonRejected = "LOGON_REJECTED"
)

var (
	ErrAddressRequired = errors.New("client: destination address required")
	ErrNotConnected    = errors.New("client: session not connected")
	ErrNilCall         = errors.New("client: nil function call")
)

// Destination names a server and the logon data used there.
type Destination struct {
	Name      string
	Address   string
	ProgramID string
	Client    string
	User      string
	Password  string
	Language  string
	TraceFile string
}

type Config struct {
	Destination Destination
	Transport   transport.Config
	// MaxConnectAttempts bounds dial retries; 0 dials once.
	MaxConnectAttempts int
	// Cache holds imported descriptors. Nil uses a private in-memory cache.
	Cache repository.Cache
}

func DefaultConfig() Config {
	return Config{Transport: transport.DefaultConfig()}
}

// SystemInfo describes the server a session is logged on to.
type SystemInfo struct {
	SystemID   string
	Release    string
	ServerTime time.Time
	Address    string
}

// Session is one logged-on connection. Calls on a session are serialized.
type Session struct {
	cfg   Config
	cache repository.Cache
	rng   *rand.Rand

	mu      sync.Mutex
	conn    *transport.Conn
	ticket  []byte
	info    SystemInfo
	lastErr error
	nextID  uint64
	trace   *logging.Trace
}

func New(cfg Config) *Session {
	cfg.Transport = cfg.Transport.WithDefaults()
	d := &cfg.Destination
	d.Address = strings.TrimSpace(d.Address)
	if strings.TrimSpace(d.Language) == "" {
		d.Language = DefaultLanguage
	}
	if d.Name == "" {
		d.Name = d.Address
	}
	cache := cfg.Cache
	if cache == nil {
		mem, err := repository.NewMemory(0)
		if err != nil {
			cache = repository.Nop{}
		} else {
			cache = mem
		}
	}
	return &Session{
		cfg:   cfg,
		cache: cache,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Session) Destination() Destination {
	return s.cfg.Destination
}

// Connect dials the destination and logs on. It is a no-op when connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	err := s.connect(ctx)
	s.lastErr = err
	return err
}

func (s *Session) connect(ctx context.Context) error {
	dest := s.cfg.Destination
	if dest.Address == "" {
		return rfc.CommunicationError(ErrAddressRequired)
	}
	var (
		conn    *transport.Conn
		err     error
		attempt int
	)
	for {
		attempt++
		conn, err = transport.Dial(ctx, dest.Address, s.cfg.Transport)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("destination", dest.Name).Msg("dial failed")
		if attempt >= s.cfg.MaxConnectAttempts || ctx.Err() != nil {
			return rfc.CommunicationError(fmt.Errorf("dial %s: %w", dest.Address, err))
		}
		if err := s.cfg.Transport.Backoff.Wait(ctx, attempt, s.rng); err != nil {
			return rfc.CommunicationError(err)
		}
	}

	trace, err := logging.OpenTrace(dest.TraceFile)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if trace.Enabled() {
		conn.SetTrace(trace.Logger)
	}

	if err := s.logon(ctx, conn); err != nil {
		_ = conn.Close()
		_ = trace.Close()
		return err
	}
	s.conn = conn
	s.trace = trace
	log.Info().
		Str("destination", dest.Name).
		Str("system_id", s.info.SystemID).
		Str("user", dest.User).
		Msg("logged on")
	return nil
}

func (s *Session) logon(ctx context.Context, conn *transport.Conn) error {
	dest := s.cfg.Destination
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Transport.HandshakeTimeout)
	defer cancel()

	s.nextID++
	f, err := wire.EncodeLogon(s.nextID, wire.Logon{
		Client:        dest.Client,
		User:          dest.User,
		Password:      dest.Password,
		Language:      dest.Language,
		ProgramID:     dest.ProgramID,
		ClientVersion: Version,
	})
	if err != nil {
		return rfc.LogonError(KeyLogonRejected, err.Error())
	}
	if err := conn.Send(hctx, f); err != nil {
		return rfc.CommunicationError(err)
	}
	resp, err := conn.Receive(hctx)
	if err != nil {
		return rfc.CommunicationError(err)
	}
	if resp.IsError() {
		return faultError(resp)
	}
	ack, err := wire.DecodeLogonAck(resp)
	if err != nil {
		return rfc.ProtocolError(err)
	}
	if !ack.Accepted() {
		return rfc.LogonError(KeyLogonRejected, fmt.Sprintf("%s (code %d)", ack.Message, ack.Code))
	}
	s.ticket = []byte(ack.Ticket)
	s.info = SystemInfo{
		SystemID:   ack.SystemID,
		Release:    ack.Release,
		ServerTime: time.UnixMilli(int64(ack.ServerTimeMS)),
		Address:    dest.Address,
	}
	return nil
}

// Disconnect logs off and closes the connection.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.nextID++
	var err error
	if f, encErr := wire.EncodeLogoff(s.nextID, s.ticket); encErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Transport.WriteTimeout)
		err = s.conn.Send(ctx, f)
		cancel()
	}
	s.closeLocked()
	log.Debug().Str("destination", s.cfg.Destination.Name).Msg("logged off")
	return err
}

func (s *Session) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.ticket = nil
	if s.trace != nil {
		_ = s.trace.Close()
		s.trace = nil
	}
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// LastError is the error of the most recent operation, nil when it succeeded.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Failed reports whether the most recent operation failed.
func (s *Session) Failed() bool {
	return s.LastError() != nil
}

func (s *Session) SystemInfo() SystemInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ImportCall returns an empty call for name, fetching its signature from the
// server unless the cache holds it.
func (s *Session) ImportCall(ctx context.Context, name string) (*rfc.FunctionCall, error) {
	name = rfc.NormalizeName(name)
	if desc, err := s.cache.Get(name); err == nil {
		s.setLastErr(nil)
		return desc.NewCall(), nil
	} else if !errors.Is(err, repository.ErrMiss) {
		log.Warn().Err(err).Str("function", name).Msg("descriptor cache read failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	desc, err := s.metadata(ctx, name)
	s.lastErr = err
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(desc); err != nil {
		log.Warn().Err(err).Str("function", name).Msg("descriptor cache write failed")
	}
	return desc.NewCall(), nil
}

func (s *Session) metadata(ctx context.Context, name string) (rfc.FunctionDescriptor, error) {
	if s.conn == nil {
		return rfc.FunctionDescriptor{}, rfc.CommunicationError(ErrNotConnected)
	}
	s.nextID++
	f, err := wire.EncodeMetadata(s.nextID, s.ticket, wire.Metadata{Function: name})
	if err != nil {
		return rfc.FunctionDescriptor{}, rfc.ProtocolError(err)
	}
	resp, err := s.roundTrip(ctx, f)
	if err != nil {
		return rfc.FunctionDescriptor{}, err
	}
	m, err := wire.DecodeMetadataResult(resp)
	if err != nil {
		return rfc.FunctionDescriptor{}, rfc.ProtocolError(err)
	}
	desc, err := rfc.DecodeDescriptor(m.Descriptor)
	if err != nil {
		return rfc.FunctionDescriptor{}, rfc.ProtocolError(err)
	}
	return desc, nil
}

// CallFunction runs call on the server and fills its exporting, changing
// and tables values from the reply. Server faults come back as *rfc.Error.
func (s *Session) CallFunction(ctx context.Context, call *rfc.FunctionCall) error {
	if call == nil {
		return ErrNilCall
	}
	start := time.Now()
	s.mu.Lock()
	err := s.call(ctx, call)
	s.lastErr = err
	s.mu.Unlock()

	outcome := observability.OutcomeOK
	switch {
	case errors.Is(err, rfc.ErrABAPException):
		outcome = observability.OutcomeException
	case err != nil:
		outcome = observability.OutcomeFailure
	}
	observability.RecordClientCall(s.cfg.Destination.Name, call.Function(), outcome, time.Since(start))
	log.Debug().
		Str("destination", s.cfg.Destination.Name).
		Str("function", call.Function()).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Msg("call")
	return err
}

func (s *Session) call(ctx context.Context, call *rfc.FunctionCall) error {
	if s.conn == nil {
		return rfc.CommunicationError(ErrNotConnected)
	}
	if err := call.CheckRequired(); err != nil {
		return err
	}
	params, err := rfc.EncodeRequest(call)
	if err != nil {
		return err
	}
	s.nextID++
	f, err := wire.EncodeCall(s.nextID, s.ticket, wire.Call{Function: call.Function(), Params: params})
	if err != nil {
		return rfc.ProtocolError(err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Transport.CallTimeout+s.cfg.Transport.ReadTimeout)
		defer cancel()
	}
	resp, err := s.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	res, err := wire.DecodeCallResult(resp)
	if err != nil {
		return rfc.ProtocolError(err)
	}
	return rfc.ApplyResponse(call, res.Params)
}

// Ping checks the session and returns the round-trip time.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.lastErr = rfc.CommunicationError(ErrNotConnected)
		return 0, s.lastErr
	}
	start := time.Now()
	s.nextID++
	f, err := wire.EncodePing(s.nextID, s.ticket, wire.Ping{TimestampMS: uint64(start.UnixMilli())})
	if err != nil {
		return 0, err
	}
	resp, err := s.roundTrip(ctx, f)
	if err == nil {
		_, err = wire.DecodePong(resp)
	}
	s.lastErr = err
	return time.Since(start), err
}

// roundTrip sends f and waits for its reply. Transport failures drop the
// connection; faults are returned as *rfc.Error. Callers hold s.mu.
func (s *Session) roundTrip(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	if err := s.conn.Send(ctx, f); err != nil {
		s.drop(err)
		return frame.Frame{}, rfc.CommunicationError(err)
	}
	resp, err := s.conn.Receive(ctx)
	if err != nil {
		s.drop(err)
		return frame.Frame{}, rfc.CommunicationError(err)
	}
	if resp.Header.MessageID != f.Header.MessageID {
		err := fmt.Errorf("reply id %d does not match request %d", resp.Header.MessageID, f.Header.MessageID)
		s.drop(err)
		return frame.Frame{}, rfc.ProtocolError(err)
	}
	if resp.IsError() {
		return frame.Frame{}, faultError(resp)
	}
	return resp, nil
}

func (s *Session) drop(err error) {
	log.Warn().Err(err).Str("destination", s.cfg.Destination.Name).Msg("session connection lost")
	s.closeLocked()
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func faultError(f frame.Frame) error {
	fl, err := wire.DecodeFault(f)
	if err != nil {
		return rfc.ProtocolError(err)
	}
	return &rfc.Error{Group: rfc.Group(fl.Group), Key: fl.Key, Message: fl.Message}
}
