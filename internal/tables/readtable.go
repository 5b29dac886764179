package tables

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/rfc"
)

const (
	ReadTableFunction = "RFC_READ_TABLE"

	// MaxLineWidth is the width of one DATA line.
	MaxLineWidth = 512
	// OptionWidth is the width of one OPTIONS line.
	OptionWidth = 72
)

// Exception keys raised by RFC_READ_TABLE.
const (
	ExcTableNotAvailable  = "TABLE_NOT_AVAILABLE"
	ExcTableWithoutData   = "TABLE_WITHOUT_DATA"
	ExcOptionNotValid     = "OPTION_NOT_VALID"
	ExcFieldNotValid      = "FIELD_NOT_VALID"
	ExcDataBufferExceeded = "DATA_BUFFER_EXCEEDED"
)

// ReadTableDescriptor is the signature of RFC_READ_TABLE.
func ReadTableDescriptor() rfc.FunctionDescriptor {
	return rfc.FunctionDescriptor{
		Name:        ReadTableFunction,
		Description: "External access to table rows",
		Parameters: []rfc.ParameterDescriptor{
			{Name: "QUERY_TABLE", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 30},
			{Name: "DELIMITER", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 1, Optional: true},
			{Name: "NO_DATA", Direction: rfc.Importing, Kind: rfc.KindChar, Length: 1, Optional: true},
			{Name: "ROWSKIPS", Direction: rfc.Importing, Kind: rfc.KindInt, Default: "0"},
			{Name: "ROWCOUNT", Direction: rfc.Importing, Kind: rfc.KindInt, Default: "0"},
			{Name: "OPTIONS", Direction: rfc.Tables, Kind: rfc.KindTable, Fields: []rfc.FieldDescriptor{
				{Name: "TEXT", Kind: rfc.KindChar, Length: OptionWidth},
			}},
			{Name: "FIELDS", Direction: rfc.Tables, Kind: rfc.KindTable, Fields: []rfc.FieldDescriptor{
				{Name: "FIELDNAME", Kind: rfc.KindChar, Length: 30},
				{Name: "OFFSET", Kind: rfc.KindNumc, Length: 6},
				{Name: "LENGTH", Kind: rfc.KindNumc, Length: 6},
				{Name: "TYPE", Kind: rfc.KindChar, Length: 1},
				{Name: "FIELDTEXT", Kind: rfc.KindChar, Length: 60},
			}},
			{Name: "DATA", Direction: rfc.Tables, Kind: rfc.KindTable, Fields: []rfc.FieldDescriptor{
				{Name: "WA", Kind: rfc.KindChar, Length: MaxLineWidth},
			}},
		},
		Exceptions: []rfc.ExceptionDescriptor{
			{Key: ExcTableNotAvailable, Message: "table not available"},
			{Key: ExcTableWithoutData, Message: "table has no data"},
			{Key: ExcOptionNotValid, Message: "selection criteria not valid"},
			{Key: ExcFieldNotValid, Message: "field not valid"},
			{Key: ExcDataBufferExceeded, Message: "selected fields do not fit into the data buffer"},
		},
	}
}

// Column is one selected field with its position in a DATA line.
type Column struct {
	Field  rfc.FieldDescriptor
	Offset int
	Length int
}

// Layout positions fields in a DATA line. With a delimiter, each field after
// the first starts one delimiter past the previous one.
func Layout(fields []rfc.FieldDescriptor, delimiter string) ([]Column, int) {
	cols := make([]Column, len(fields))
	offset := 0
	for i, f := range fields {
		if i > 0 {
			offset += len(delimiter)
		}
		w := f.Width()
		cols[i] = Column{Field: f, Offset: offset, Length: w}
		offset += w
	}
	return cols, offset
}

// FormatLine renders row as one DATA line. Numeric kinds are right-aligned.
func FormatLine(cols []Column, row Row, delimiter string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(delimiter)
		}
		b.WriteString(pad(row.text(c.Field.Name), c.Length, rightAligned(c.Field.Kind)))
	}
	return b.String()
}

func rightAligned(k rfc.Kind) bool {
	return k == rfc.KindInt || k == rfc.KindFloat || k == rfc.KindDec
}

func pad(s string, width int, right bool) string {
	rs := []rune(s)
	if len(rs) >= width {
		if right {
			return string(rs[len(rs)-width:])
		}
		return string(rs[:width])
	}
	fill := strings.Repeat(" ", width-len(rs))
	if right {
		return fill + s
	}
	return s + fill
}

// JoinOptions concatenates OPTIONS lines into one where clause.
func JoinOptions(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " ")
}

// SplitOptions wraps a where clause into OPTIONS lines of at most width
// runes, breaking on spaces outside quoted literals where possible.
func SplitOptions(clause string, width int) []string {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return nil
	}
	words := splitWords(clause)
	var lines []string
	var cur string
	for _, w := range words {
		for len([]rune(w)) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			rs := []rune(w)
			lines = append(lines, string(rs[:width]))
			w = string(rs[width:])
		}
		switch {
		case cur == "":
			cur = w
		case len([]rune(cur))+1+len([]rune(w)) <= width:
			cur += " " + w
		default:
			lines = append(lines, cur)
			cur = w
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func splitWords(s string) []string {
	var words []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == ' ' && !quoted:
			if b.Len() > 0 {
				words = append(words, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		words = append(words, b.String())
	}
	return words
}

// ReadTable returns the RFC_READ_TABLE handler backed by src.
func ReadTable(src Source) func(context.Context, *rfc.FunctionCall) error {
	return func(ctx context.Context, call *rfc.FunctionCall) error {
		table := rfc.NormalizeName(call.Importing.GetString("QUERY_TABLE"))
		if table == "" {
			return call.RaiseException(ExcTableNotAvailable, "QUERY_TABLE is empty")
		}
		all, err := src.Describe(ctx, table)
		if errors.Is(err, ErrTableNotFound) {
			return call.RaiseException(ExcTableNotAvailable, fmt.Sprintf("table %s not available", table))
		}
		if err != nil {
			return err
		}

		fieldsTbl, err := call.Tables.GetTable("FIELDS")
		if err != nil {
			return err
		}
		selected, err := selectFields(all, fieldsTbl)
		if err != nil {
			return call.RaiseException(ExcFieldNotValid, err.Error())
		}

		optTbl, err := call.Tables.GetTable("OPTIONS")
		if err != nil {
			return err
		}
		lines := make([]string, 0, optTbl.Len())
		for _, row := range optTbl.Rows() {
			lines = append(lines, row.GetString("TEXT"))
		}
		where, err := Parse(JoinOptions(lines))
		if err != nil {
			return call.RaiseException(ExcOptionNotValid, err.Error())
		}
		if err := checkColumns(where, all); err != nil {
			return call.RaiseException(ExcOptionNotValid, err.Error())
		}

		delimiter := call.Importing.GetString("DELIMITER")
		cols, width := Layout(selected, delimiter)
		if width > MaxLineWidth {
			return call.RaiseException(ExcDataBufferExceeded, fmt.Sprintf("line width %d exceeds %d", width, MaxLineWidth))
		}
		fieldsTbl.Clear()
		for _, c := range cols {
			if err := fieldsTbl.AppendRow(map[string]any{
				"FIELDNAME": c.Field.Name,
				"OFFSET":    c.Offset,
				"LENGTH":    c.Length,
				"TYPE":      c.Field.Kind.Code(),
				"FIELDTEXT": c.Field.Description,
			}); err != nil {
				return err
			}
		}
		if strings.EqualFold(call.Importing.GetString("NO_DATA"), "X") {
			return nil
		}

		rows, err := src.Scan(ctx, table, Scan{
			Where: where,
			Skip:  int(call.Importing.GetInt("ROWSKIPS")),
			Count: int(call.Importing.GetInt("ROWCOUNT")),
		})
		if err != nil {
			return err
		}
		data, err := call.Tables.GetTable("DATA")
		if err != nil {
			return err
		}
		data.Clear()
		for _, row := range rows {
			if err := data.AppendRow(map[string]any{"WA": FormatLine(cols, row, delimiter)}); err != nil {
				return err
			}
		}
		log.Debug().
			Str("table", table).
			Int("fields", len(cols)).
			Int("rows", len(rows)).
			Str("where", where.String()).
			Msg("read table")
		return nil
	}
}

func selectFields(all []rfc.FieldDescriptor, requested *rfc.Table) ([]rfc.FieldDescriptor, error) {
	if requested.Len() == 0 {
		return all, nil
	}
	byName := make(map[string]rfc.FieldDescriptor, len(all))
	for _, f := range all {
		byName[f.Name] = f
	}
	out := make([]rfc.FieldDescriptor, 0, requested.Len())
	for _, row := range requested.Rows() {
		name := rfc.NormalizeName(row.GetString("FIELDNAME"))
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("field %q does not exist", name)
		}
		out = append(out, f)
	}
	return out, nil
}

func checkColumns(e Expr, all []rfc.FieldDescriptor) error {
	known := make(map[string]struct{}, len(all))
	for _, f := range all {
		known[f.Name] = struct{}{}
	}
	for _, name := range Columns(e) {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("unknown field %s in where clause", name)
		}
	}
	return nil
}
