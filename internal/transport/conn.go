package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrConnClosed = errors.New("transport: connection closed")

// PeerAuth is the transport-level identity of the remote end.
type PeerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Conn is a framed connection. Send and Receive may run concurrently with
// each other; concurrent Sends are serialized.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	cfg    Config

	writeMu sync.Mutex
	trace   zerolog.Logger
	tracing bool

	closeOnce sync.Once
}

func NewConn(raw net.Conn, cfg Config) *Conn {
	return &Conn{
		raw:    raw,
		reader: bufio.NewReader(raw),
		cfg:    cfg.WithDefaults(),
		trace:  zerolog.Nop(),
	}
}

// Dial connects to addr over TCP or TLS according to cfg.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewConn(rawConn, cfg), nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return NewConn(conn, cfg), nil
}

// Listen opens a TCP or TLS listener according to cfg.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// SetTrace logs every frame at trace level to logger.
func (c *Conn) SetTrace(logger zerolog.Logger) {
	c.trace = logger
	c.tracing = true
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

func (c *Conn) Config() Config {
	return c.cfg
}

// Authenticate completes a server-side TLS handshake and extracts the peer
// identity. Plain TCP connections are unauthenticated unless production mode
// forbids them.
func (c *Conn) Authenticate(ctx context.Context) (PeerAuth, error) {
	mode := NormalizeSecurityMode(c.cfg.SecurityMode)
	tlsConn, ok := c.raw.(*tls.Conn)
	if !ok {
		if mode == SecurityModeProduction {
			return PeerAuth{}, ErrTLSRequired
		}
		return PeerAuth{}, nil
	}
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return PeerAuth{}, err
	}
	state := tlsConn.ConnectionState()

	needPeer := c.cfg.TLS.Mutual || mode == SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return PeerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return PeerAuth{}, ErrMTLSRequired
	}
	peerID := PeerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return PeerAuth{}, fmt.Errorf("transport: empty peer identity from certificate")
	}
	return PeerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

// Send writes one frame. The deadline is the earlier of ctx's deadline and
// WriteTimeout.
func (c *Conn) Send(ctx context.Context, f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.raw.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return c.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := frame.WriteFrame(c.raw, f, c.cfg.Limits, c.cfg.CompressThreshold); err != nil {
		return c.mapErr(ctx, err)
	}
	c.traceFrame("send", f)
	return nil
}

// Receive reads one frame. It waits until ctx's deadline when one is set,
// otherwise for ReadTimeout.
func (c *Conn) Receive(ctx context.Context) (frame.Frame, error) {
	dl := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		dl = d
	} else if c.cfg.ReadTimeout > 0 {
		dl = time.Now().Add(c.cfg.ReadTimeout)
	}
	if err := c.raw.SetReadDeadline(dl); err != nil {
		return frame.Frame{}, c.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	f, err := frame.ReadFrame(c.reader, c.cfg.Limits)
	if err != nil {
		return frame.Frame{}, c.mapErr(ctx, err)
	}
	c.traceFrame("recv", f)
	return f, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return err
}

func (c *Conn) traceFrame(dir string, f frame.Frame) {
	if !c.tracing {
		return
	}
	c.trace.Trace().
		Str("dir", dir).
		Str("remote", c.RemoteAddr()).
		Str("type", schema.MessageName(f.Header.MessageType)).
		Uint64("message_id", f.Header.MessageID).
		Uint32("flags", f.Header.Flags).
		Int("payload_bytes", len(f.Payload)).
		Msg("frame")
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var dl time.Time
	if timeout > 0 {
		dl = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
		dl = d
	}
	return dl
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
