// Package tables serves generic table reads: where-clause parsing, table
// sources and the RFC_READ_TABLE function.
package tables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/rfcctl/internal/rfc"
)

var ErrTableNotFound = errors.New("tables: table not found")

// Row maps upper-case field names to canonical values.
type Row map[string]any

func (r Row) text(field string) string {
	return rfc.FormatValue(r[field])
}

// Scan selects rows from a table. Count 0 means no limit.
type Scan struct {
	Where Expr
	Skip  int
	Count int
}

// Source provides table layouts and rows.
type Source interface {
	Describe(ctx context.Context, table string) ([]rfc.FieldDescriptor, error)
	Scan(ctx context.Context, table string, s Scan) ([]Row, error)
}

// Normalize coerces values against fields, dropping unknown keys. Missing
// fields get their initial value.
func Normalize(fields []rfc.FieldDescriptor, in map[string]any) (Row, error) {
	upper := make(map[string]any, len(in))
	for k, v := range in {
		upper[rfc.NormalizeName(k)] = v
	}
	row := make(Row, len(fields))
	for _, f := range fields {
		v, ok := upper[f.Name]
		if !ok {
			row[f.Name] = rfc.Initial(f)
			continue
		}
		cv, err := rfc.Coerce(f, v)
		if err != nil {
			return nil, err
		}
		row[f.Name] = cv
	}
	return row, nil
}

func normalizeFields(fields []rfc.FieldDescriptor) ([]rfc.FieldDescriptor, error) {
	out := make([]rfc.FieldDescriptor, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		f.Name = rfc.NormalizeName(f.Name)
		if f.Name == "" {
			return nil, fmt.Errorf("tables: field[%d] has no name", i)
		}
		if !f.Kind.Scalar() {
			return nil, fmt.Errorf("tables: field %s must be scalar, got %s", f.Name, f.Kind)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("tables: duplicate field %s", f.Name)
		}
		seen[f.Name] = struct{}{}
		out[i] = f
	}
	return out, nil
}

type memTable struct {
	fields []rfc.FieldDescriptor
	rows   []Row
}

// MemorySource holds tables registered in code. It is safe for concurrent use.
type MemorySource struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

func NewMemorySource() *MemorySource {
	return &MemorySource{tables: make(map[string]*memTable)}
}

// Register defines (or replaces) a table and loads rows into it.
func (m *MemorySource) Register(name string, fields []rfc.FieldDescriptor, rows ...map[string]any) error {
	name = rfc.NormalizeName(name)
	if name == "" {
		return errors.New("tables: table name required")
	}
	norm, err := normalizeFields(fields)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	t := &memTable{fields: norm}
	for i, raw := range rows {
		row, err := Normalize(norm, raw)
		if err != nil {
			return fmt.Errorf("tables: %s row %d: %w", name, i, err)
		}
		t.rows = append(t.rows, row)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = t
	return nil
}

// Append adds rows to a registered table.
func (m *MemorySource) Append(name string, rows ...map[string]any) error {
	name = rfc.NormalizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	for _, raw := range rows {
		row, err := Normalize(t.fields, raw)
		if err != nil {
			return fmt.Errorf("tables: %s: %w", name, err)
		}
		t.rows = append(t.rows, row)
	}
	return nil
}

// Tables returns the registered table names, sorted.
func (m *MemorySource) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tables))
	for name := range m.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *MemorySource) Describe(_ context.Context, table string) ([]rfc.FieldDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[rfc.NormalizeName(table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, rfc.NormalizeName(table))
	}
	return append([]rfc.FieldDescriptor(nil), t.fields...), nil
}

func (m *MemorySource) Scan(ctx context.Context, table string, s Scan) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[rfc.NormalizeName(table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, rfc.NormalizeName(table))
	}
	where := s.Where
	if where == nil {
		where = True{}
	}
	var out []Row
	skipped := 0
	for _, row := range t.rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !where.Eval(row) {
			continue
		}
		if skipped < s.Skip {
			skipped++
			continue
		}
		cp := make(Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out = append(out, cp)
		if s.Count > 0 && len(out) >= s.Count {
			break
		}
	}
	return out, nil
}
