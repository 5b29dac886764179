package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/rfcctl/internal/auth"
	"github.com/danmuck/rfcctl/internal/flights"
	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/wire"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/testutil/testlog"
	"github.com/danmuck/rfcctl/internal/transport"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport.CallTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ln.Addr().String()
}

func flightServer(t *testing.T) *Server {
	t.Helper()
	s := New(testConfig())
	err := s.InstallFunction(flights.GetListDescriptor(), HandlerFunc(flights.GetList(func() time.Time { return fixedNow })))
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return s
}

type testClient struct {
	t      *testing.T
	conn   *transport.Conn
	ticket []byte
	nextID uint64
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := transport.Dial(context.Background(), addr, transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) roundTrip(f frame.Frame) frame.Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.conn.Send(ctx, f); err != nil {
		c.t.Fatalf("send: %v", err)
	}
	resp, err := c.conn.Receive(ctx)
	if err != nil {
		c.t.Fatalf("receive: %v", err)
	}
	if resp.Header.MessageID != f.Header.MessageID {
		c.t.Fatalf("message id mismatch: sent=%d got=%d", f.Header.MessageID, resp.Header.MessageID)
	}
	return resp
}

func (c *testClient) id() uint64 {
	c.nextID++
	return c.nextID
}

func (c *testClient) logon(l wire.Logon) wire.LogonAck {
	c.t.Helper()
	f, err := wire.EncodeLogon(c.id(), l)
	if err != nil {
		c.t.Fatalf("encode logon: %v", err)
	}
	ack, err := wire.DecodeLogonAck(c.roundTrip(f))
	if err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	c.ticket = []byte(ack.Ticket)
	return ack
}

func defaultLogon() wire.Logon {
	return wire.Logon{Client: "001", User: "demo", Password: "secret", Language: "EN", ProgramID: "ZRFCCTEST"}
}

func (c *testClient) call(call *rfc.FunctionCall) (wire.CallResult, *wire.Fault) {
	c.t.Helper()
	params, err := rfc.EncodeRequest(call)
	if err != nil {
		c.t.Fatalf("encode request: %v", err)
	}
	f, err := wire.EncodeCall(c.id(), c.ticket, wire.Call{Function: call.Function(), Params: params})
	if err != nil {
		c.t.Fatalf("encode call: %v", err)
	}
	return c.expectResult(c.roundTrip(f))
}

func (c *testClient) expectResult(resp frame.Frame) (wire.CallResult, *wire.Fault) {
	c.t.Helper()
	if resp.IsError() {
		fl, err := wire.DecodeFault(resp)
		if err != nil {
			c.t.Fatalf("decode fault: %v", err)
		}
		return wire.CallResult{}, &fl
	}
	r, err := wire.DecodeCallResult(resp)
	if err != nil {
		c.t.Fatalf("decode result: %v", err)
	}
	return r, nil
}

func TestLogonAcceptedIssuesTicket(t *testing.T) {
	testlog.Start(t)
	s := flightServer(t)
	c := dial(t, startServer(t, s))
	ack := c.logon(defaultLogon())
	if !ack.Accepted() || ack.Ticket == "" {
		t.Fatalf("expected accepted logon with ticket, got %+v", ack)
	}
	if ack.SystemID != "NPL" || ack.Release != "1.0" || ack.ServerTimeMS == 0 {
		t.Fatalf("unexpected system info: %+v", ack)
	}
}

func TestLogonRejections(t *testing.T) {
	testlog.Start(t)
	users := auth.NewUsers()
	if err := users.AddPassword("001", "DEMO", "secret"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	s := flightServer(t)
	s.SetValidator(users)
	s.OnLogon(func(info LogonInfo) bool { return info.User != "BLOCKED" })
	addr := startServer(t, s)

	cases := []struct {
		name  string
		logon wire.Logon
		code  uint32
	}{
		{"program", wire.Logon{Client: "001", User: "demo", Password: "secret", Language: "EN", ProgramID: "OTHER"}, CodeProgramMismatch},
		{"hook", wire.Logon{Client: "001", User: "blocked", Password: "secret", Language: "EN"}, CodeLogonRefused},
		{"password", wire.Logon{Client: "001", User: "demo", Password: "wrong", Language: "EN"}, CodeInvalidCredentials},
		{"client", wire.Logon{Client: "002", User: "demo", Password: "secret", Language: "EN"}, CodeInvalidCredentials},
	}
	for _, tc := range cases {
		c := dial(t, addr)
		ack := c.logon(tc.logon)
		if ack.Accepted() || ack.Code != tc.code || ack.Ticket != "" {
			t.Fatalf("%s: expected rejection %d, got %+v", tc.name, tc.code, ack)
		}
	}

	c := dial(t, addr)
	if ack := c.logon(defaultLogon()); !ack.Accepted() {
		t.Fatalf("valid credentials rejected: %+v", ack)
	}
}

func TestRequestBeforeLogonFaults(t *testing.T) {
	testlog.Start(t)
	c := dial(t, startServer(t, flightServer(t)))
	f, _ := wire.EncodePing(c.id(), nil, wire.Ping{TimestampMS: 1})
	resp := c.roundTrip(f)
	fl, err := wire.DecodeFault(resp)
	if err != nil {
		t.Fatalf("expected fault: %v", err)
	}
	if fl.Group != string(rfc.GroupLogon) || fl.Key != rfc.KeyNotLoggedOn {
		t.Fatalf("unexpected fault: %+v", fl)
	}
}

func TestMetadataReturnsDescriptor(t *testing.T) {
	testlog.Start(t)
	c := dial(t, startServer(t, flightServer(t)))
	c.logon(defaultLogon())

	f, _ := wire.EncodeMetadata(c.id(), c.ticket, wire.Metadata{Function: "bapi_flight_getlist"})
	m, err := wire.DecodeMetadataResult(c.roundTrip(f))
	if err != nil {
		t.Fatalf("metadata result: %v", err)
	}
	desc, err := rfc.DecodeDescriptor(m.Descriptor)
	if err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if desc.Name != flights.GetListFunction {
		t.Fatalf("unexpected descriptor %q", desc.Name)
	}
	if _, ok := desc.Parameter("FLIGHT_LIST"); !ok {
		t.Fatalf("descriptor missing FLIGHT_LIST")
	}

	f, _ = wire.EncodeMetadata(c.id(), c.ticket, wire.Metadata{Function: "Z_MISSING"})
	fl, err := wire.DecodeFault(c.roundTrip(f))
	if err != nil {
		t.Fatalf("expected fault: %v", err)
	}
	if fl.Key != rfc.KeyFunctionNotFound {
		t.Fatalf("unexpected fault: %+v", fl)
	}
}

func TestCallFlightList(t *testing.T) {
	testlog.Start(t)
	c := dial(t, startServer(t, flightServer(t)))
	c.logon(defaultLogon())

	call := flights.GetListDescriptor().NewCall()
	_ = call.Importing.SetValue("AIRLINE", "UA")
	_ = call.Importing.SetValue("MAX_ROWS", 4)
	res, fl := c.call(call)
	if fl != nil {
		t.Fatalf("unexpected fault: %+v", fl)
	}
	if err := rfc.ApplyResponse(call, res.Params); err != nil {
		t.Fatalf("apply response: %v", err)
	}
	list, _ := call.Tables.GetTable("FLIGHT_LIST")
	if list.Len() != 4 {
		t.Fatalf("expected 4 flights, got %d", list.Len())
	}
	if got := list.Row(0).GetString("AIRLINEID"); got != "UA" {
		t.Fatalf("unexpected airline %q", got)
	}
	ret, _ := call.Exporting.GetStructure("RETURN")
	if ret.GetString("TYPE") != "S" {
		t.Fatalf("unexpected return %v", ret.Map())
	}
}

func TestCallFaults(t *testing.T) {
	testlog.Start(t)
	s := flightServer(t)
	boom := rfc.FunctionDescriptor{Name: "Z_PANIC", Parameters: []rfc.ParameterDescriptor{{Name: "X", Direction: rfc.Importing, Kind: rfc.KindInt, Optional: true}}}
	_ = s.InstallFunction(boom, HandlerFunc(func(context.Context, *rfc.FunctionCall) error { panic("boom") }))
	plain := rfc.FunctionDescriptor{Name: "Z_PLAIN"}
	_ = s.InstallFunction(plain, nil)
	c := dial(t, startServer(t, s))
	c.logon(defaultLogon())

	call := flights.GetListDescriptor().NewCall()
	_ = call.Importing.SetValue("MAX_ROWS", 0)
	if _, fl := c.call(call); fl == nil || fl.Group != string(rfc.GroupABAPException) || fl.Key != "NO_FLIGHTS" {
		t.Fatalf("expected NO_FLIGHTS exception, got %+v", fl)
	}

	if _, fl := c.call(boom.NewCall()); fl == nil || fl.Key != rfc.KeySystemError || !strings.Contains(fl.Message, "boom") {
		t.Fatalf("expected panic system error, got %+v", fl)
	}

	if _, fl := c.call(plain.NewCall()); fl == nil || fl.Key != rfc.KeySystemError {
		t.Fatalf("expected missing handler system error, got %+v", fl)
	}

	missing := rfc.FunctionDescriptor{Name: "Z_UNKNOWN"}
	if _, fl := c.call(missing.NewCall()); fl == nil || fl.Key != rfc.KeyFunctionNotFound {
		t.Fatalf("expected FUNCTION_NOT_FOUND, got %+v", fl)
	}

	// session survives faults
	f, _ := wire.EncodePing(c.id(), c.ticket, wire.Ping{TimestampMS: 1})
	if _, err := wire.DecodePong(c.roundTrip(f)); err != nil {
		t.Fatalf("ping after faults: %v", err)
	}
}

func TestIncomingCallFallback(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())
	desc := rfc.FunctionDescriptor{
		Name: "Z_ECHO",
		Parameters: []rfc.ParameterDescriptor{
			{Name: "IN", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 10},
			{Name: "OUT", Direction: rfc.Exporting, Kind: rfc.KindChar, Length: 10},
		},
	}
	_ = s.InstallFunction(desc, nil)
	var seen atomic.Value
	s.IncomingCall(HandlerFunc(func(_ context.Context, call *rfc.FunctionCall) error {
		seen.Store(call.Function())
		return call.Exporting.SetValue("OUT", call.Importing.GetString("IN"))
	}))
	c := dial(t, startServer(t, s))
	c.logon(defaultLogon())

	call := desc.NewCall()
	_ = call.Importing.SetValue("IN", "hello")
	res, fl := c.call(call)
	if fl != nil {
		t.Fatalf("unexpected fault %+v", fl)
	}
	_ = rfc.ApplyResponse(call, res.Params)
	if got := call.Exporting.GetString("OUT"); got != "hello" {
		t.Fatalf("unexpected echo %q", got)
	}
	if seen.Load() != "Z_ECHO" {
		t.Fatalf("fallback not used: %v", seen.Load())
	}
}

func TestCallTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Transport.CallTimeout = 50 * time.Millisecond
	s := New(cfg)
	slow := rfc.FunctionDescriptor{Name: "Z_SLOW"}
	_ = s.InstallFunction(slow, HandlerFunc(func(ctx context.Context, _ *rfc.FunctionCall) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	c := dial(t, startServer(t, s))
	c.logon(defaultLogon())
	_, fl := c.call(slow.NewCall())
	if fl == nil || fl.Group != string(rfc.GroupSystem) || fl.Key != rfc.KeyTimeout {
		t.Fatalf("expected timeout fault, got %+v", fl)
	}
}

func TestWrongTicketAndLogoff(t *testing.T) {
	testlog.Start(t)
	c := dial(t, startServer(t, flightServer(t)))
	c.logon(defaultLogon())

	f, _ := wire.EncodePing(c.id(), []byte("forged"), wire.Ping{TimestampMS: 1})
	fl, err := wire.DecodeFault(c.roundTrip(f))
	if err != nil || fl.Key != rfc.KeyNotLoggedOn {
		t.Fatalf("expected NOT_LOGGED_ON, got %+v err=%v", fl, err)
	}

	f, _ = wire.EncodeLogoff(c.id(), c.ticket)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.conn.Send(ctx, f); err != nil {
		t.Fatalf("send logoff: %v", err)
	}
	if _, err := c.conn.Receive(ctx); !errors.Is(err, transport.ErrConnClosed) {
		t.Fatalf("expected closed connection after logoff, got %v", err)
	}
}

func TestServeRestartsOnListenerError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxRestarts = 2
	cfg.Transport.Backoff = transport.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	s := New(cfg)
	listenErr := errors.New("address in use")
	var attempts atomic.Int32
	s.listen = func(string, transport.Config) (net.Listener, error) {
		attempts.Add(1)
		return nil, listenErr
	}
	var hookCalls atomic.Int32
	s.OnServerError(func(err error) bool {
		hookCalls.Add(1)
		return errors.Is(err, listenErr)
	})
	err := s.Serve(context.Background())
	if !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
	if s.Restarts() != 2 || attempts.Load() != 3 || hookCalls.Load() != 3 {
		t.Fatalf("restarts=%d attempts=%d hook=%d", s.Restarts(), attempts.Load(), hookCalls.Load())
	}
}

func TestShutdownInterruptsRestartBackoff(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Transport.Backoff = transport.BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	s := New(cfg)
	s.listen = func(string, transport.Config) (net.Listener, error) {
		return nil, errors.New("address in use")
	}
	s.OnServerError(func(error) bool { return true })

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for s.Restarts() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Restarts() != 1 {
		t.Fatalf("server never entered restart backoff")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve still waiting in backoff after shutdown")
	}
}

func TestInvokeAfterShutdownIsRefused(t *testing.T) {
	testlog.Start(t)
	s := flightServer(t)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var ran atomic.Bool
	h := HandlerFunc(func(context.Context, *rfc.FunctionCall) error {
		ran.Store(true)
		return nil
	})
	err := s.invoke(context.Background(), h, flights.GetListDescriptor().NewCall())
	if !errors.Is(err, &rfc.Error{Group: rfc.GroupSystem}) {
		t.Fatalf("expected system failure, got %v", err)
	}
	if ran.Load() {
		t.Fatalf("handler ran after shutdown")
	}
}

func TestServeWithoutHookStopsOnError(t *testing.T) {
	testlog.Start(t)
	s := New(testConfig())
	s.listen = func(string, transport.Config) (net.Listener, error) {
		return nil, errors.New("no socket")
	}
	if err := s.Serve(context.Background()); err == nil || s.Restarts() != 0 {
		t.Fatalf("expected immediate failure, err=%v restarts=%d", err, s.Restarts())
	}
}

func TestServeRequiresProgramID(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ProgramID = " "
	if err := New(cfg).Serve(context.Background()); !errors.Is(err, ErrNoProgramID) {
		t.Fatalf("expected ErrNoProgramID, got %v", err)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	testlog.Start(t)
	s := flightServer(t)
	c := dial(t, startServer(t, s))
	c.logon(defaultLogon())
	deadline := time.Now().Add(time.Second)
	for s.ActiveSessions() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := c.conn.Receive(ctx); err == nil {
		t.Fatalf("expected session to be closed")
	}
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("serve after shutdown should return nil, got %v", err)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	s := flightServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ZRFCCTEST") {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before serving, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/functions", nil))
	var list struct {
		Functions []string `json:"functions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("functions body: %v", err)
	}
	if len(list.Functions) != 1 || list.Functions[0] != flights.GetListFunction {
		t.Fatalf("unexpected functions: %v", list.Functions)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/functions/bapi_flight_getlist", nil))
	var desc rfc.FunctionDescriptor
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil || desc.Name != flights.GetListFunction {
		t.Fatalf("descriptor: %v %+v", err, desc)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/functions/Z_NONE", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestFaultForClassifiesErrors(t *testing.T) {
	testlog.Start(t)
	group, key, msg := faultFor(errors.New("disk full"))
	if group != string(rfc.GroupSystem) || key != rfc.KeySystemError || msg != "disk full" {
		t.Fatalf("plain error: %s %s %s", group, key, msg)
	}
	group, key, _ = faultFor(rfc.ProtocolError(errors.New("bad tlv")))
	if group != string(rfc.GroupProtocol) || key != "" {
		t.Fatalf("protocol error: %s %s", group, key)
	}
}
