package server

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/auth"
	"github.com/danmuck/rfcctl/internal/observability"
	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/schema"
	"github.com/danmuck/rfcctl/internal/protocol/wire"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/transport"
)

// Logon rejection codes carried in LOGON_ACK.
const (
	CodeInvalidLogon       uint32 = 1001
	CodeProgramMismatch    uint32 = 1002
	CodeLogonRefused       uint32 = 1003
	CodeInvalidCredentials uint32 = 1004
)

// session is the server side of one client connection.
type session struct {
	srv    *Server
	conn   *transport.Conn
	info   LogonInfo
	ticket []byte
}

func (s *Server) handleConn(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr()
	active := s.sessions.Add(1)
	observability.SessionOpened(s.cfg.ProgramID)
	log.Debug().Str("remote", remote).Int64("active_sessions", active).Msg("session connected")
	defer func() {
		remaining := s.sessions.Add(-1)
		observability.SessionClosed(s.cfg.ProgramID)
		log.Debug().Str("remote", remote).Int64("active_sessions", remaining).Msg("session disconnected")
	}()

	peer, err := conn.Authenticate(ctx)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("transport auth failed")
		return
	}

	sess := &session{srv: s, conn: conn}
	if !sess.logon(ctx, peer) {
		return
	}
	sess.serve(ctx)
}

func (ss *session) logon(ctx context.Context, peer transport.PeerAuth) bool {
	s := ss.srv
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Transport.HandshakeTimeout)
	defer cancel()

	f, err := ss.conn.Receive(hctx)
	if err != nil {
		log.Warn().Err(err).Str("remote", ss.conn.RemoteAddr()).Msg("logon read failed")
		return false
	}
	if f.Header.MessageType != schema.MsgLogon {
		ss.fault(hctx, f.Header.MessageID, rfc.LogonError(rfc.KeyNotLoggedOn, "logon required"))
		return false
	}
	l, err := wire.DecodeLogon(f)
	if err == nil {
		err = l.Validate()
	}
	if err != nil {
		ss.reject(hctx, f.Header.MessageID, CodeInvalidLogon, "invalid logon payload")
		return false
	}

	ss.info = LogonInfo{
		Client:        l.Client,
		User:          strings.ToUpper(strings.TrimSpace(l.User)),
		Language:      l.Language,
		ProgramID:     l.ProgramID,
		ClientVersion: l.ClientVersion,
		RemoteAddr:    ss.conn.RemoteAddr(),
		PeerIdentity:  peer.PeerIdentity,
	}
	if pid := strings.TrimSpace(l.ProgramID); pid != "" && !strings.EqualFold(pid, s.cfg.ProgramID) {
		ss.reject(hctx, f.Header.MessageID, CodeProgramMismatch, "program id "+pid+" not served here")
		return false
	}

	s.hooksMu.RLock()
	hook, validator := s.onLogon, s.validator
	s.hooksMu.RUnlock()
	if hook != nil && !hook(ss.info) {
		ss.reject(hctx, f.Header.MessageID, CodeLogonRefused, "logon refused")
		return false
	}
	if validator != nil {
		err := validator.Validate(auth.Credentials{Client: l.Client, User: l.User, Password: l.Password})
		if err != nil {
			log.Warn().Err(err).Str("user", ss.info.User).Str("client", l.Client).Msg("logon credentials rejected")
			ss.reject(hctx, f.Header.MessageID, CodeInvalidCredentials, "name or password is incorrect")
			return false
		}
	}

	ticket := uuid.New().String()
	ss.ticket = []byte(ticket)
	ack, err := wire.EncodeLogonAck(f.Header.MessageID, wire.LogonAck{
		Status:       wire.StatusAccepted,
		Message:      "logged on",
		Ticket:       ticket,
		SystemID:     s.cfg.SystemID,
		Release:      s.cfg.Release,
		ServerTimeMS: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		log.Error().Err(err).Msg("encode logon ack")
		return false
	}
	if err := ss.conn.Send(hctx, ack); err != nil {
		log.Warn().Err(err).Msg("write logon ack")
		return false
	}
	observability.RecordLogon(s.cfg.ProgramID, observability.OutcomeAccepted)
	log.Info().
		Str("user", ss.info.User).
		Str("client", ss.info.Client).
		Str("remote", ss.info.RemoteAddr).
		Msg("logon accepted")
	return true
}

func (ss *session) reject(ctx context.Context, messageID uint64, code uint32, message string) {
	s := ss.srv
	observability.RecordLogon(s.cfg.ProgramID, observability.OutcomeRejected)
	log.Warn().
		Uint32("code", code).
		Str("user", ss.info.User).
		Str("remote", ss.conn.RemoteAddr()).
		Str("reason", message).
		Msg("logon rejected")
	ack, err := wire.EncodeLogonAck(messageID, wire.LogonAck{
		Status:       wire.StatusRejected,
		Code:         code,
		Message:      message,
		SystemID:     s.cfg.SystemID,
		Release:      s.cfg.Release,
		ServerTimeMS: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		return
	}
	_ = ss.conn.Send(ctx, ack)
}

// serve handles requests one at a time until LOGOFF, idle timeout or close.
func (ss *session) serve(ctx context.Context) {
	s := ss.srv
	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.Transport.IdleTimeout)
		f, err := ss.conn.Receive(rctx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded), transport.IsTimeout(err):
				log.Info().Str("user", ss.info.User).Msg("session idle timeout")
			case errors.Is(err, transport.ErrConnClosed), ctx.Err() != nil:
			default:
				log.Warn().Err(err).Str("user", ss.info.User).Msg("session read failed")
			}
			return
		}
		id := f.Header.MessageID
		if f.IsResponse() {
			ss.fault(ctx, id, rfc.ProtocolError(errors.New("unexpected response frame")))
			continue
		}
		if f.Header.MessageType == schema.MsgLogoff {
			if bytes.Equal(f.Auth, ss.ticket) {
				log.Debug().Str("user", ss.info.User).Msg("logoff")
				return
			}
		}
		if !bytes.Equal(f.Auth, ss.ticket) {
			ss.fault(ctx, id, rfc.LogonError(rfc.KeyNotLoggedOn, "missing or invalid session ticket"))
			continue
		}

		var resp frame.Frame
		switch f.Header.MessageType {
		case schema.MsgMetadata:
			resp, err = ss.metadata(f)
		case schema.MsgCall:
			resp, err = ss.call(ctx, f)
		case schema.MsgPing:
			resp, err = ss.ping(f)
		default:
			err = rfc.ProtocolError(errors.New("unsupported message " + schema.MessageName(f.Header.MessageType)))
		}
		if err != nil {
			ss.fault(ctx, id, err)
			continue
		}
		if err := ss.conn.Send(ctx, resp); err != nil {
			log.Warn().Err(err).Str("user", ss.info.User).Msg("write response")
			return
		}
	}
}

func (ss *session) metadata(f frame.Frame) (frame.Frame, error) {
	m, err := wire.DecodeMetadata(f)
	if err != nil {
		return frame.Frame{}, rfc.ProtocolError(err)
	}
	desc, ok := ss.srv.registry.Lookup(m.Function)
	if !ok {
		return frame.Frame{}, rfc.FunctionNotFound(rfc.NormalizeName(m.Function))
	}
	data, err := rfc.EncodeDescriptor(desc)
	if err != nil {
		return frame.Frame{}, err
	}
	return wire.EncodeMetadataResult(f.Header.MessageID, wire.MetadataResult{
		Function:   desc.Name,
		Descriptor: data,
	})
}

func (ss *session) call(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	s := ss.srv
	c, err := wire.DecodeCall(f)
	if err != nil {
		return frame.Frame{}, rfc.ProtocolError(err)
	}
	name := rfc.NormalizeName(c.Function)
	start := time.Now()
	resp, err := s.dispatch(ctx, name, c.Params)
	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeFailure
		if errors.Is(err, rfc.ErrABAPException) {
			outcome = observability.OutcomeException
		}
	}
	observability.RecordServerCall(s.cfg.ProgramID, name, outcome, time.Since(start))
	log.Debug().
		Str("function", name).
		Str("user", ss.info.User).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Msg("call")
	if err != nil {
		return frame.Frame{}, err
	}
	return wire.EncodeCallResult(f.Header.MessageID, wire.CallResult{Function: name, Params: resp})
}

// dispatch decodes params, runs the handler and encodes the response.
func (s *Server) dispatch(ctx context.Context, name string, params []byte) ([]byte, error) {
	desc, ok := s.registry.Lookup(name)
	if !ok {
		return nil, rfc.FunctionNotFound(name)
	}
	h, ok := s.handler(name)
	if !ok {
		return nil, rfc.SystemError("no handler installed for " + name)
	}
	call, err := rfc.DecodeRequest(desc, params)
	if err != nil {
		return nil, rfc.ProtocolError(err)
	}
	if err := call.ApplyDefaults(); err != nil {
		return nil, rfc.SystemError(err.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Transport.CallTimeout)
	defer cancel()
	if err := s.invoke(cctx, h, call); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && cctx.Err() != nil {
			return nil, &rfc.Error{Group: rfc.GroupSystem, Key: rfc.KeyTimeout, Message: name + " exceeded call timeout", Err: err}
		}
		return nil, rfc.AsError(err)
	}
	return rfc.EncodeResponse(call)
}

func (s *Server) invoke(ctx context.Context, h Handler, call *rfc.FunctionCall) (err error) {
	if !s.beginCall() {
		return rfc.SystemError("server is shutting down")
	}
	defer s.inflight.Done()
	defer func() {
		if v := recover(); v != nil {
			log.Error().Interface("panic", v).Str("function", call.Function()).Msg("handler panic")
			err = panicError(v)
		}
	}()
	return h.Handle(ctx, call)
}

func (ss *session) ping(f frame.Frame) (frame.Frame, error) {
	if _, err := wire.DecodePing(f); err != nil {
		return frame.Frame{}, rfc.ProtocolError(err)
	}
	return wire.EncodePong(f.Header.MessageID, wire.Pong{TimestampMS: uint64(time.Now().UnixMilli())})
}

func (ss *session) fault(ctx context.Context, messageID uint64, err error) {
	group, key, message := faultFor(err)
	f, encErr := wire.EncodeFault(messageID, wire.Fault{Group: group, Key: key, Message: message})
	if encErr != nil {
		log.Error().Err(encErr).Msg("encode fault")
		return
	}
	if sendErr := ss.conn.Send(ctx, f); sendErr != nil {
		log.Warn().Err(sendErr).Msg("write fault")
	}
}
