package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/tables"
)

// Column describes one field of a TableReader result.
type Column struct {
	Name        string
	Offset      int
	Length      int
	Type        string
	Description string
}

// Row is one table line keyed by field name.
type Row struct {
	cols   []Column
	values map[string]string
}

// Get returns the trimmed value of field, or "" when it was not read.
func (r Row) Get(field string) string {
	return r.values[rfc.NormalizeName(field)]
}

// Map returns a copy of the row's values.
func (r Row) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Values returns the row's values in column order.
func (r Row) Values() []string {
	out := make([]string, len(r.cols))
	for i, c := range r.cols {
		out[i] = r.values[c.Name]
	}
	return out
}

// TableReader reads rows of one table through RFC_READ_TABLE.
type TableReader struct {
	Table     string
	Fields    []string
	Query     []string
	Delimiter string

	session *Session
	columns []Column
	rows    []Row
}

// TableReader returns a reader for table on this session.
func (s *Session) TableReader(table string) *TableReader {
	return &TableReader{Table: rfc.NormalizeName(table), session: s}
}

// AddField selects a field; no fields selects all of them.
func (t *TableReader) AddField(name string) *TableReader {
	t.Fields = append(t.Fields, rfc.NormalizeName(name))
	return t
}

// AddQuery appends a where-clause fragment. Fragments are joined with a space.
func (t *TableReader) AddQuery(clause string) *TableReader {
	t.Query = append(t.Query, clause)
	return t
}

// Read runs the query. rowCount 0 reads all rows.
func (t *TableReader) Read(ctx context.Context, rowCount, rowSkip int) error {
	call, err := t.session.ImportCall(ctx, tables.ReadTableFunction)
	if err != nil {
		return err
	}
	if err := t.prepare(call, rowCount, rowSkip); err != nil {
		return err
	}
	if err := t.session.CallFunction(ctx, call); err != nil {
		return err
	}
	return t.load(call)
}

func (t *TableReader) prepare(call *rfc.FunctionCall, rowCount, rowSkip int) error {
	if err := call.Importing.SetValue("QUERY_TABLE", t.Table); err != nil {
		return err
	}
	if t.Delimiter != "" {
		if err := call.Importing.SetValue("DELIMITER", t.Delimiter); err != nil {
			return err
		}
	}
	if err := call.Importing.SetValue("ROWCOUNT", rowCount); err != nil {
		return err
	}
	if err := call.Importing.SetValue("ROWSKIPS", rowSkip); err != nil {
		return err
	}
	fields, err := call.Tables.GetTable("FIELDS")
	if err != nil {
		return err
	}
	for _, f := range t.Fields {
		if err := fields.AppendRow(map[string]any{"FIELDNAME": f}); err != nil {
			return err
		}
	}
	options, err := call.Tables.GetTable("OPTIONS")
	if err != nil {
		return err
	}
	for _, line := range tables.SplitOptions(strings.Join(t.Query, " "), tables.OptionWidth) {
		if err := options.AppendRow(map[string]any{"TEXT": line}); err != nil {
			return err
		}
	}
	return nil
}

func (t *TableReader) load(call *rfc.FunctionCall) error {
	fields, err := call.Tables.GetTable("FIELDS")
	if err != nil {
		return err
	}
	cols := make([]Column, 0, fields.Len())
	for _, f := range fields.Rows() {
		offset, err := strconv.Atoi(f.GetString("OFFSET"))
		if err != nil {
			return fmt.Errorf("client: %s offset %q: %w", t.Table, f.GetString("OFFSET"), err)
		}
		length, err := strconv.Atoi(f.GetString("LENGTH"))
		if err != nil {
			return fmt.Errorf("client: %s length %q: %w", t.Table, f.GetString("LENGTH"), err)
		}
		cols = append(cols, Column{
			Name:        f.GetString("FIELDNAME"),
			Offset:      offset,
			Length:      length,
			Type:        f.GetString("TYPE"),
			Description: f.GetString("FIELDTEXT"),
		})
	}

	data, err := call.Tables.GetTable("DATA")
	if err != nil {
		return err
	}
	rows := make([]Row, 0, data.Len())
	for _, line := range data.Rows() {
		rows = append(rows, splitLine(cols, line.GetString("WA")))
	}
	t.columns = cols
	t.rows = rows
	return nil
}

func splitLine(cols []Column, line string) Row {
	rs := []rune(line)
	values := make(map[string]string, len(cols))
	for _, c := range cols {
		start := min(c.Offset, len(rs))
		end := min(c.Offset+c.Length, len(rs))
		values[c.Name] = strings.TrimSpace(string(rs[start:end]))
	}
	return Row{cols: cols, values: values}
}

// Rows returns the rows of the last Read.
func (t *TableReader) Rows() []Row {
	return t.rows
}

// Columns returns the field layout of the last Read.
func (t *TableReader) Columns() []Column {
	return t.columns
}
