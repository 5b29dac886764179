package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/testutil/testlog"
)

func descriptor(name string) rfc.FunctionDescriptor {
	return rfc.FunctionDescriptor{
		Name: name,
		Parameters: []rfc.ParameterDescriptor{
			{Name: "AIRLINE", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 3},
		},
	}
}

func TestMemoryPutGet(t *testing.T) {
	testlog.Start(t)
	m, err := NewMemory(4)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if _, err := m.Get("BAPI_FLIGHT_GETLIST"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := m.Put(descriptor("bapi_flight_getlist")); err != nil {
		t.Fatalf("put: %v", err)
	}
	d, err := m.Get("Bapi_Flight_GetList")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Name != "BAPI_FLIGHT_GETLIST" || len(d.Parameters) != 1 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	d.Parameters[0].Name = "CHANGED"
	again, _ := m.Get("BAPI_FLIGHT_GETLIST")
	if again.Parameters[0].Name != "AIRLINE" {
		t.Fatalf("cached descriptor was mutated through a returned copy")
	}
	if err := m.Invalidate("bapi_flight_getlist"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := m.Get("BAPI_FLIGHT_GETLIST"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	testlog.Start(t)
	m, err := NewMemory(2)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Put(descriptor(fmt.Sprintf("Z_FN_%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if _, err := m.Get("Z_FN_0"); !errors.Is(err, ErrMiss) {
		t.Fatalf("oldest entry should be evicted, got %v", err)
	}
}

func TestMemoryRejectsInvalidDescriptor(t *testing.T) {
	testlog.Start(t)
	m, _ := NewMemory(0)
	if err := m.Put(rfc.FunctionDescriptor{}); !errors.Is(err, rfc.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestNopAlwaysMisses(t *testing.T) {
	var c Cache = Nop{}
	_ = c.Put(descriptor("Z_FN"))
	if _, err := c.Get("Z_FN"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	r := NewRedis(nil, "", time.Minute)
	if got := r.key(" bapi_flight_getlist"); got != DefaultRedisPrefix+"BAPI_FLIGHT_GETLIST" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func newRedisCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := DialRedis(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("dial redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewRedis(c, "test:", ttl), mr
}

func TestRedisPutGetInvalidate(t *testing.T) {
	testlog.Start(t)
	r, mr := newRedisCache(t, time.Minute)
	if _, err := r.Get("BAPI_FLIGHT_GETLIST"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	desc := descriptor("bapi_flight_getlist")
	desc.Parameters = append(desc.Parameters, rfc.ParameterDescriptor{
		Name: "flight_list", Direction: rfc.Tables, Kind: rfc.KindTable,
		Fields: []rfc.FieldDescriptor{
			{Name: "CONNID", Kind: rfc.KindNumc, Length: 4},
			{Name: "PRICE", Kind: rfc.KindDec, Length: 15, Decimals: 2},
		},
	})
	desc.Exceptions = []rfc.ExceptionDescriptor{{Key: "no_flights", Message: "no flights found"}}
	if err := r.Put(desc); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("test:BAPI_FLIGHT_GETLIST") {
		t.Fatalf("descriptor not stored under prefixed key: %v", mr.Keys())
	}
	if ttl := mr.TTL("test:BAPI_FLIGHT_GETLIST"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	got, err := r.Get(" Bapi_Flight_GetList")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "BAPI_FLIGHT_GETLIST" || len(got.Parameters) != 2 {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
	table, ok := got.Parameter("FLIGHT_LIST")
	if !ok || table.Kind != rfc.KindTable || len(table.Fields) != 2 {
		t.Fatalf("table parameter lost: %+v", table)
	}
	if price := table.Fields[1]; price.Kind != rfc.KindDec || price.Length != 15 || price.Decimals != 2 {
		t.Fatalf("field layout lost: %+v", price)
	}
	if exc, ok := got.Exception("NO_FLIGHTS"); !ok || exc.Message != "no flights found" {
		t.Fatalf("exception lost: %+v", got.Exceptions)
	}

	if err := r.Invalidate("bapi_flight_getlist"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := r.Get("BAPI_FLIGHT_GETLIST"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	testlog.Start(t)
	r, mr := newRedisCache(t, time.Second)
	if err := r.Put(descriptor("Z_SHORT")); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := r.Get("Z_SHORT"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}

	forever, mr2 := newRedisCache(t, 0)
	if err := forever.Put(descriptor("Z_KEEP")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr2.TTL("test:Z_KEEP"); ttl != 0 {
		t.Fatalf("zero ttl should not expire, got %v", ttl)
	}
}

func TestRedisRejectsInvalidAndCorrupt(t *testing.T) {
	testlog.Start(t)
	r, mr := newRedisCache(t, time.Minute)
	if err := r.Put(descriptor(" ")); !errors.Is(err, rfc.ErrInvalidDescriptor) {
		t.Fatalf("expected invalid descriptor, got %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("invalid descriptor was stored: %v", mr.Keys())
	}
	if err := mr.Set("test:Z_BROKEN", "not msgpack"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.Get("Z_BROKEN"); err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestDialRedisUnreachable(t *testing.T) {
	testlog.Start(t)
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := DialRedis(addr, "", 0); err == nil {
		t.Fatalf("expected dial failure")
	}
}
