// Package flights is the flight-booking demo: the BAPI_FLIGHT_GETLIST
// function and the SFLIGHT sample table.
package flights

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/rfc"
)

const (
	GetListFunction = "BAPI_FLIGHT_GETLIST"

	DefaultAirline = "LH"
	DefaultFrom    = "SFO"
	DefaultTo      = "JFK"
	DefaultRows    = 10
)

var carriers = map[string]string{
	"AA": "American Airlines",
	"AZ": "Alitalia",
	"DL": "Delta Airlines",
	"LH": "Lufthansa",
	"SQ": "Singapore Airlines",
	"UA": "United Airlines",
}

var cities = map[string]string{
	"FRA": "FRANKFURT",
	"JFK": "NEW YORK",
	"SFO": "SAN FRANCISCO",
	"SIN": "SINGAPORE",
	"FCO": "ROME",
	"TYO": "TOKYO",
}

// CarrierName returns the airline name for id, or id when unknown.
func CarrierName(id string) string {
	if name, ok := carriers[rfc.NormalizeName(id)]; ok {
		return name
	}
	return id
}

func airportFields() []rfc.FieldDescriptor {
	return []rfc.FieldDescriptor{
		{Name: "AIRPORTID", Kind: rfc.KindChar, Length: 3, Description: "Airport code"},
		{Name: "CITY", Kind: rfc.KindChar, Length: 20},
		{Name: "COUNTR", Kind: rfc.KindChar, Length: 3},
	}
}

// GetListDescriptor is the signature of BAPI_FLIGHT_GETLIST.
func GetListDescriptor() rfc.FunctionDescriptor {
	return rfc.FunctionDescriptor{
		Name:        GetListFunction,
		Description: "Find list of flights",
		Parameters: []rfc.ParameterDescriptor{
			{Name: "AIRLINE", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 3, Optional: true, Description: "Airline code"},
			{Name: "DESTINATION_FROM", Direction: rfc.Importing, Kind: rfc.KindStructure, Fields: airportFields(), Optional: true},
			{Name: "DESTINATION_TO", Direction: rfc.Importing, Kind: rfc.KindStructure, Fields: airportFields(), Optional: true},
			{Name: "MAX_ROWS", Direction: rfc.Importing, Kind: rfc.KindInt, Default: "10"},
			{Name: "RETURN", Direction: rfc.Exporting, Kind: rfc.KindStructure, Fields: []rfc.FieldDescriptor{
				{Name: "TYPE", Kind: rfc.KindChar, Length: 1},
				{Name: "MESSAGE", Kind: rfc.KindChar, Length: 220},
			}},
			{Name: "FLIGHT_LIST", Direction: rfc.Tables, Kind: rfc.KindTable, Fields: []rfc.FieldDescriptor{
				{Name: "AIRLINEID", Kind: rfc.KindChar, Length: 3},
				{Name: "AIRLINE", Kind: rfc.KindChar, Length: 20},
				{Name: "CONNECTID", Kind: rfc.KindNumc, Length: 4},
				{Name: "FLIGHTDATE", Kind: rfc.KindDate},
				{Name: "AIRPORTFR", Kind: rfc.KindChar, Length: 3},
				{Name: "CITYFROM", Kind: rfc.KindChar, Length: 20},
				{Name: "AIRPORTTO", Kind: rfc.KindChar, Length: 3},
				{Name: "CITYTO", Kind: rfc.KindChar, Length: 20},
				{Name: "DEPTIME", Kind: rfc.KindTime},
				{Name: "PRICE", Kind: rfc.KindDec, Length: 12, Decimals: 2},
				{Name: "CURR", Kind: rfc.KindChar, Length: 5},
			}},
		},
		Exceptions: []rfc.ExceptionDescriptor{
			{Key: "NO_FLIGHTS", Message: "no flights match the selection"},
		},
	}
}

// GetList returns the BAPI_FLIGHT_GETLIST handler. now is the clock used for
// flight dates; nil means time.Now.
func GetList(now func() time.Time) func(context.Context, *rfc.FunctionCall) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, call *rfc.FunctionCall) error {
		airline := rfc.NormalizeName(stringOr(call.Importing.GetString("AIRLINE"), DefaultAirline))
		from := airport(call.Importing, "DESTINATION_FROM", DefaultFrom)
		to := airport(call.Importing, "DESTINATION_TO", DefaultTo)
		rows := int(call.Importing.GetInt("MAX_ROWS"))
		if !call.Importing.HasKey("MAX_ROWS") {
			rows = DefaultRows
		}
		if rows <= 0 {
			return call.RaiseException("NO_FLIGHTS", "")
		}

		list, err := call.Tables.GetTable("FLIGHT_LIST")
		if err != nil {
			return err
		}
		list.Clear()
		day := now()
		for i := 1; i <= rows; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := list.AppendRow(map[string]any{
				"AIRLINEID":  airline,
				"AIRLINE":    CarrierName(airline),
				"CONNECTID":  i,
				"FLIGHTDATE": day.AddDate(0, 0, i),
				"AIRPORTFR":  from,
				"CITYFROM":   cities[from],
				"AIRPORTTO":  to,
				"CITYTO":     cities[to],
				"DEPTIME":    time.Date(0, 1, 1, 6+i%12, 0, 0, 0, time.UTC),
				"PRICE":      "420.00",
				"CURR":       "USD",
			}); err != nil {
				return err
			}
		}

		ret, err := call.Exporting.GetStructure("RETURN")
		if err != nil {
			return err
		}
		_ = ret.SetValue("TYPE", "S")
		_ = ret.SetValue("MESSAGE", "flight list returned")
		log.Debug().
			Str("airline", airline).
			Str("from", from).
			Str("to", to).
			Int("rows", rows).
			Msg("flight list")
		return nil
	}
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func airport(params *rfc.ParameterList, name, def string) string {
	if !params.HasKey(name) {
		return def
	}
	s, err := params.GetStructure(name)
	if err != nil {
		return def
	}
	return rfc.NormalizeName(stringOr(s.GetString("AIRPORTID"), def))
}
