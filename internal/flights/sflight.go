package flights

import (
	"time"

	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/tables"
)

const FlightTable = "SFLIGHT"

// SFlightFields is the SFLIGHT layout.
func SFlightFields() []rfc.FieldDescriptor {
	return []rfc.FieldDescriptor{
		{Name: "MANDT", Kind: rfc.KindChar, Length: 3, Description: "Client"},
		{Name: "CARRID", Kind: rfc.KindChar, Length: 3, Description: "Airline code"},
		{Name: "CONNID", Kind: rfc.KindNumc, Length: 4, Description: "Flight connection number"},
		{Name: "FLDATE", Kind: rfc.KindDate, Description: "Flight date"},
		{Name: "PRICE", Kind: rfc.KindDec, Length: 15, Decimals: 2, Description: "Airfare"},
		{Name: "CURRENCY", Kind: rfc.KindChar, Length: 5, Description: "Local currency of airline"},
		{Name: "PLANETYPE", Kind: rfc.KindChar, Length: 10, Description: "Aircraft type"},
		{Name: "SEATSMAX", Kind: rfc.KindInt, Length: 10, Description: "Maximum capacity in economy class"},
		{Name: "SEATSOCC", Kind: rfc.KindInt, Length: 10, Description: "Occupied seats in economy class"},
	}
}

type connection struct {
	carrid   string
	connid   int
	price    string
	currency string
	plane    string
	seats    int
}

var connections = []connection{
	{"AA", 17, "422.94", "USD", "747-400", 385},
	{"AA", 64, "422.94", "USD", "A310-300", 280},
	{"AZ", 555, "185.00", "EUR", "737-200", 130},
	{"DL", 1699, "422.94", "USD", "A319", 115},
	{"LH", 400, "666.00", "EUR", "A340-600", 330},
	{"LH", 401, "666.00", "EUR", "A340-600", 330},
	{"LH", 2402, "245.00", "EUR", "A321", 200},
	{"SQ", 15, "849.00", "SGD", "747-400", 385},
	{"UA", 941, "879.82", "USD", "DC-10-10", 380},
}

// SFlightRows builds sample rows: each connection flies weekly for weeks
// weeks starting at start.
func SFlightRows(start time.Time, weeks int) []map[string]any {
	rows := make([]map[string]any, 0, len(connections)*weeks)
	for w := 0; w < weeks; w++ {
		for i, c := range connections {
			rows = append(rows, map[string]any{
				"MANDT":     "001",
				"CARRID":    c.carrid,
				"CONNID":    c.connid,
				"FLDATE":    start.AddDate(0, 0, 7*w+i%7),
				"PRICE":     c.price,
				"CURRENCY":  c.currency,
				"PLANETYPE": c.plane,
				"SEATSMAX":  c.seats,
				"SEATSOCC":  (c.seats * (40 + 7*w + i)) / 100 % (c.seats + 1),
			})
		}
	}
	return rows
}

// RegisterSFlight loads the sample SFLIGHT table into src.
func RegisterSFlight(src *tables.MemorySource, start time.Time, weeks int) error {
	return src.Register(FlightTable, SFlightFields(), SFlightRows(start, weeks)...)
}
