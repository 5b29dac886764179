package rfc

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rfcctl/internal/testutil/testlog"
)

func flightDescriptor() FunctionDescriptor {
	airport := []FieldDescriptor{
		{Name: "airportid", Kind: KindChar, Length: 3},
		{Name: "city", Kind: KindChar, Length: 20},
	}
	return FunctionDescriptor{
		Name: "bapi_flight_getlist",
		Parameters: []ParameterDescriptor{
			{Name: "AIRLINE", Direction: Importing, Kind: KindChar, Length: 3, Optional: true},
			{Name: "DESTINATION_FROM", Direction: Importing, Kind: KindStructure, Fields: airport, Optional: true},
			{Name: "MAX_ROWS", Direction: Importing, Kind: KindInt, Default: "10"},
			{Name: "CARRIER", Direction: Importing, Kind: KindChar, Length: 3},
			{Name: "RETURN_CODE", Direction: Exporting, Kind: KindInt},
			{Name: "FLIGHT_LIST", Direction: Tables, Fields: []FieldDescriptor{
				{Name: "AIRLINEID", Kind: KindChar, Length: 3},
				{Name: "CONNECTID", Kind: KindNumc, Length: 4},
				{Name: "FLIGHTDATE", Kind: KindDate},
				{Name: "PRICE", Kind: KindDec, Length: 12, Decimals: 2},
			}},
		},
		Exceptions: []ExceptionDescriptor{{Key: "no_flights", Message: "no flights found"}},
	}
}

func TestCoerceScalars(t *testing.T) {
	testlog.Start(t)
	day := time.Date(2026, 10, 18, 9, 30, 5, 0, time.UTC)
	cases := []struct {
		f    FieldDescriptor
		in   any
		want any
	}{
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 4}, 7, "0007"},
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 4}, "12", "0012"},
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 4}, "000123", "0123"},
		{FieldDescriptor{Name: "C", Kind: KindChar, Length: 3}, "LUFTHANSA", "LUF"},
		{FieldDescriptor{Name: "C", Kind: KindChar, Length: 5}, "LH  ", "LH"},
		{FieldDescriptor{Name: "C", Kind: KindChar, Length: 1}, true, "X"},
		{FieldDescriptor{Name: "D", Kind: KindDate}, day, "20261018"},
		{FieldDescriptor{Name: "D", Kind: KindDate}, "2026-10-18", "20261018"},
		{FieldDescriptor{Name: "D", Kind: KindDate}, "", "00000000"},
		{FieldDescriptor{Name: "T", Kind: KindTime}, day, "093005"},
		{FieldDescriptor{Name: "T", Kind: KindTime}, "09:30:05", "093005"},
		{FieldDescriptor{Name: "I", Kind: KindInt}, " 42 ", int64(42)},
		{FieldDescriptor{Name: "I", Kind: KindInt}, uint8(200), int64(200)},
		{FieldDescriptor{Name: "I", Kind: KindInt}, float64(3), int64(3)},
		{FieldDescriptor{Name: "F", Kind: KindFloat}, "1.5", 1.5},
		{FieldDescriptor{Name: "P", Kind: KindDec, Decimals: 2}, "1234.5", "1234.50"},
		{FieldDescriptor{Name: "P", Kind: KindDec, Decimals: 2}, 99, "99.00"},
		{FieldDescriptor{Name: "S", Kind: KindString}, int16(-5), "-5"},
	}
	for _, tc := range cases {
		got, err := Coerce(tc.f, tc.in)
		if err != nil {
			t.Fatalf("coerce %s %v: %v", tc.f.Kind, tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("coerce %s %v: got %#v want %#v", tc.f.Kind, tc.in, got, tc.want)
		}
	}
}

func TestCoerceRejectsInvalidInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		f  FieldDescriptor
		in any
	}{
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 2}, 123},
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 4}, "12a"},
		{FieldDescriptor{Name: "N", Kind: KindNumc, Length: 4}, -1},
		{FieldDescriptor{Name: "I", Kind: KindInt}, "forty"},
		{FieldDescriptor{Name: "I", Kind: KindInt}, 1.25},
		{FieldDescriptor{Name: "D", Kind: KindDate}, "20261340"},
		{FieldDescriptor{Name: "P", Kind: KindDec, Decimals: 2}, "1,5"},
		{FieldDescriptor{Name: "P", Kind: KindDec, Decimals: 2}, "1/3"},
		{FieldDescriptor{Name: "X", Kind: KindBytes}, 5},
	}
	for _, tc := range cases {
		if _, err := Coerce(tc.f, tc.in); !errors.Is(err, ErrConversion) {
			t.Fatalf("coerce %s %v: expected ErrConversion, got %v", tc.f.Kind, tc.in, err)
		}
	}
}

func TestDescriptorValidateNormalizes(t *testing.T) {
	testlog.Start(t)
	d := flightDescriptor()
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Name != "BAPI_FLIGHT_GETLIST" {
		t.Fatalf("name not normalized: %s", d.Name)
	}
	p, ok := d.Parameter("destination_from")
	if !ok || p.Fields[0].Name != "AIRPORTID" {
		t.Fatalf("field names not normalized: %+v", p)
	}
	if tbl, _ := d.Parameter("FLIGHT_LIST"); tbl.Kind != KindTable {
		t.Fatalf("tables parameter kind not defaulted: %s", tbl.Kind)
	}
	if e, ok := d.Exception("NO_FLIGHTS"); !ok || e.Message != "no flights found" {
		t.Fatalf("exception lookup failed: %+v", e)
	}
}

func TestDescriptorValidateRejectsBadShapes(t *testing.T) {
	testlog.Start(t)
	cases := []FunctionDescriptor{
		{Name: " "},
		{Name: "Z_DUP", Parameters: []ParameterDescriptor{
			{Name: "A", Direction: Importing, Kind: KindChar},
			{Name: "a", Direction: Exporting, Kind: KindChar},
		}},
		{Name: "Z_EMPTY", Parameters: []ParameterDescriptor{{Name: "S", Direction: Importing, Kind: KindStructure}}},
		{Name: "Z_SCALAR", Parameters: []ParameterDescriptor{
			{Name: "C", Direction: Importing, Kind: KindChar, Fields: []FieldDescriptor{{Name: "X", Kind: KindChar}}},
		}},
		{Name: "Z_DIR", Parameters: []ParameterDescriptor{{Name: "C", Direction: "SIDEWAYS", Kind: KindChar}}},
		{Name: "Z_KIND", Parameters: []ParameterDescriptor{{Name: "C", Direction: Importing, Kind: "BLOB"}}},
	}
	for _, d := range cases {
		if c, err := d.BuildCall(); c != nil || !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: BuildCall expected ErrInvalidDescriptor, got %v", d.Name, err)
		}
		if _, err := DecodeRequest(d, nil); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: DecodeRequest expected ErrInvalidDescriptor, got %v", d.Name, err)
		}
		if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", d.Name, err)
		}
	}
	if c := cases[0].NewCall(); c == nil || c.Function() != "" {
		t.Fatalf("NewCall should still return a call for an invalid descriptor")
	}
}

func TestFunctionCallValues(t *testing.T) {
	testlog.Start(t)
	call := flightDescriptor().NewCall()
	if call.Function() != "BAPI_FLIGHT_GETLIST" {
		t.Fatalf("unexpected function: %s", call.Function())
	}
	if call.Importing.HasKey("AIRLINE") {
		t.Fatalf("fresh call must have no keys")
	}
	if err := call.Importing.SetValue("airline", "AA"); err != nil {
		t.Fatalf("set airline: %v", err)
	}
	from, err := call.Importing.GetStructure("DESTINATION_FROM")
	if err != nil {
		t.Fatalf("get structure: %v", err)
	}
	if err := from.SetValue("AIRPORTID", "SFO"); err != nil {
		t.Fatalf("set airportid: %v", err)
	}
	if !call.Importing.HasKey("DESTINATION_FROM") || call.Importing.GetString("AIRLINE") != "AA" {
		t.Fatalf("values not recorded")
	}
	if err := call.Importing.SetValue("NOPE", 1); !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
	if _, err := call.Importing.GetTable("AIRLINE"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion for non-table, got %v", err)
	}

	tbl, err := call.Tables.GetTable("FLIGHT_LIST")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	row := tbl.AddRow()
	if err := row.SetValue("CONNECTID", 17); err != nil {
		t.Fatalf("set connectid: %v", err)
	}
	if tbl.Len() != 1 || tbl.Row(0).GetString("CONNECTID") != "0017" {
		t.Fatalf("unexpected row: %v", tbl.Row(0).Map())
	}
	if tbl.Row(0).GetString("FLIGHTDATE") != "00000000" {
		t.Fatalf("unset date should be initial")
	}
}

func TestCheckRequiredAndDefaults(t *testing.T) {
	testlog.Start(t)
	call := flightDescriptor().NewCall()
	if err := call.CheckRequired(); !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected ErrMissingParameter, got %v", err)
	}
	if err := call.Importing.SetValue("CARRIER", "LH"); err != nil {
		t.Fatalf("set carrier: %v", err)
	}
	if err := call.CheckRequired(); err != nil {
		t.Fatalf("check required: %v", err)
	}
	if err := call.ApplyDefaults(); err != nil {
		t.Fatalf("apply defaults: %v", err)
	}
	if call.Importing.GetInt("MAX_ROWS") != 10 || !call.Importing.HasKey("MAX_ROWS") {
		t.Fatalf("default not applied")
	}
}

func TestRaiseExceptionUsesDeclaredMessage(t *testing.T) {
	testlog.Start(t)
	call := flightDescriptor().NewCall()
	err := call.RaiseException("no_flights", "")
	if !errors.Is(err, &Error{Group: GroupABAPException, Key: "NO_FLIGHTS"}) {
		t.Fatalf("unexpected error identity: %v", err)
	}
	if err.Message != "no flights found" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
}

func TestErrorMatching(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("call: %w", FunctionNotFound("Z_MISSING"))
	if !errors.Is(err, ErrFunctionNotFound) || !errors.Is(err, ErrSystemFailure) {
		t.Fatalf("expected function-not-found system failure: %v", err)
	}
	if errors.Is(err, ErrCommunicationFailure) {
		t.Fatalf("group mismatch must not match")
	}
	plain := AsError(errors.New("disk full"))
	if plain.Group != GroupSystem || plain.Key != KeySystemError || plain.Message != "disk full" {
		t.Fatalf("unexpected wrap: %+v", plain)
	}
	if got := Exception("NO_DATA", "").Error(); got != "rfc: ABAP_EXCEPTION/NO_DATA" {
		t.Fatalf("unexpected text: %s", got)
	}
}

func TestRegistryInstallLookupRemove(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if err := r.Install(flightDescriptor()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Install(FunctionDescriptor{Name: "Z_PING"}); err != nil {
		t.Fatalf("install ping: %v", err)
	}
	if err := r.Install(FunctionDescriptor{}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
	d, ok := r.Lookup("bapi_flight_getlist")
	if !ok || d.Name != "BAPI_FLIGHT_GETLIST" {
		t.Fatalf("lookup failed: %+v", d)
	}
	d.Parameters[0].Name = "MUTATED"
	again, _ := r.Lookup("BAPI_FLIGHT_GETLIST")
	if again.Parameters[0].Name != "AIRLINE" {
		t.Fatalf("registry leaked internal state")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "BAPI_FLIGHT_GETLIST" || names[1] != "Z_PING" {
		t.Fatalf("unexpected names: %v", names)
	}
	if !r.Remove("z_ping") || r.Remove("z_ping") || r.Len() != 1 {
		t.Fatalf("remove semantics broken")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("Z_FN_%d", i)
			_ = r.Install(FunctionDescriptor{Name: name})
			_, _ = r.Lookup(name)
			_ = r.Names()
		}(i)
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Fatalf("expected 8 functions, got %d", r.Len())
	}
}

func TestParameterCodecRoundTrip(t *testing.T) {
	testlog.Start(t)
	desc := flightDescriptor()
	if err := desc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	client := desc.NewCall()
	_ = client.Importing.SetValue("AIRLINE", "LH")
	_ = client.Importing.SetValue("MAX_ROWS", 3)
	from, _ := client.Importing.GetStructure("DESTINATION_FROM")
	_ = from.SetValue("AIRPORTID", "FRA")

	req, err := EncodeRequest(client)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	server, err := DecodeRequest(desc, req)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if server.Importing.GetString("AIRLINE") != "LH" || server.Importing.GetInt("MAX_ROWS") != 3 {
		t.Fatalf("importing mismatch: %v", server.Importing.Keys())
	}
	if server.Importing.HasKey("CARRIER") {
		t.Fatalf("unset parameter must stay unset across the wire")
	}
	sfrom, _ := server.Importing.GetStructure("DESTINATION_FROM")
	if sfrom.GetString("AIRPORTID") != "FRA" {
		t.Fatalf("structure mismatch: %v", sfrom.Map())
	}

	list, _ := server.Tables.GetTable("FLIGHT_LIST")
	for i := 1; i <= 3; i++ {
		row := list.AddRow()
		_ = row.SetValue("AIRLINEID", "LH")
		_ = row.SetValue("CONNECTID", i)
		_ = row.SetValue("FLIGHTDATE", time.Date(2026, 10, 18+i, 0, 0, 0, 0, time.UTC))
		_ = row.SetValue("PRICE", 199.5)
	}
	_ = server.Exporting.SetValue("RETURN_CODE", 0)

	resp, err := EncodeResponse(server)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	if err := ApplyResponse(client, resp); err != nil {
		t.Fatalf("apply response: %v", err)
	}
	rows, _ := client.Tables.GetTable("FLIGHT_LIST")
	if rows.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", rows.Len())
	}
	last := rows.Row(2)
	if last.GetString("CONNECTID") != "0003" || last.GetString("FLIGHTDATE") != "20261021" || last.GetString("PRICE") != "199.50" {
		t.Fatalf("unexpected row: %v", last.Map())
	}
	if !client.Exporting.HasKey("RETURN_CODE") {
		t.Fatalf("exporting value missing")
	}
}

func TestDescriptorCodecRoundTrip(t *testing.T) {
	testlog.Start(t)
	data, err := EncodeDescriptor(flightDescriptor())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := DecodeDescriptor(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Name != "BAPI_FLIGHT_GETLIST" || len(d.Parameters) != 6 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	p, _ := d.Parameter("FLIGHT_LIST")
	if len(p.Fields) != 4 || p.Fields[3].Decimals != 2 {
		t.Fatalf("line type lost: %+v", p)
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"c": KindChar, "N": KindNumc, "dats": KindDate, "STRING": KindString} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%v,%v", raw, got, err)
		}
	}
	if _, err := ParseKind("blob"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
