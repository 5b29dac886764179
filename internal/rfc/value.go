package rfc

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	dateLayout = "20060102"
	timeLayout = "150405"
)

// Coerce converts v to the canonical Go value for f: string for CHAR, NUMC,
// DEC, DATE, TIME and STRING; int64 for INT; float64 for FLOAT; []byte for
// BYTES; *Structure and *Table for the container kinds.
func Coerce(f FieldDescriptor, v any) (any, error) {
	if v == nil {
		return Initial(f), nil
	}
	switch f.Kind {
	case KindChar:
		s, err := toText(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		s = strings.TrimRight(s, " ")
		if f.Length > 0 && utf8.RuneCountInString(s) > f.Length {
			s = string([]rune(s)[:f.Length])
		}
		return s, nil
	case KindString:
		s, err := toText(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		return s, nil
	case KindNumc:
		return coerceNumc(f, v)
	case KindInt:
		n, err := toInt(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		return n, nil
	case KindFloat:
		x, err := toFloat(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		return x, nil
	case KindDec:
		return coerceDec(f, v)
	case KindDate:
		return coerceDateTime(f, v, dateLayout, []string{"2006-01-02"})
	case KindTime:
		return coerceDateTime(f, v, timeLayout, []string{"15:04:05", "15:04"})
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
		return nil, convErr(f, v, fmt.Errorf("not binary"))
	case KindStructure:
		s := newStructure(f)
		if err := s.assign(v); err != nil {
			return nil, err
		}
		return s, nil
	case KindTable:
		t := newTable(f)
		if err := t.assign(v); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s has unknown kind %q", ErrConversion, f.Name, f.Kind)
}

// Initial is the value of an unset field.
func Initial(f FieldDescriptor) any {
	switch f.Kind {
	case KindNumc:
		return strings.Repeat("0", f.Length)
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindDec:
		return new(big.Rat).FloatString(f.Decimals)
	case KindDate:
		return "00000000"
	case KindTime:
		return "000000"
	case KindBytes:
		return []byte(nil)
	case KindStructure:
		return newStructure(f)
	case KindTable:
		return newTable(f)
	default:
		return ""
	}
}

func convErr(f FieldDescriptor, v any, cause error) error {
	return fmt.Errorf("%w: %s (%s) from %T %v: %v", ErrConversion, f.Name, f.Kind, v, v, cause)
}

func coerceNumc(f FieldDescriptor, v any) (any, error) {
	var digits string
	switch x := v.(type) {
	case string:
		digits = strings.TrimSpace(x)
	default:
		n, err := toInt(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		if n < 0 {
			return nil, convErr(f, v, fmt.Errorf("negative"))
		}
		digits = strconv.FormatInt(n, 10)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, convErr(f, v, fmt.Errorf("not numeric text"))
		}
	}
	if f.Length > 0 {
		if len(digits) > f.Length {
			trimmed := strings.TrimLeft(digits, "0")
			if len(trimmed) > f.Length {
				return nil, convErr(f, v, fmt.Errorf("exceeds %d digits", f.Length))
			}
			digits = trimmed
		}
		digits = strings.Repeat("0", f.Length-len(digits)) + digits
	}
	return digits, nil
}

func coerceDec(f FieldDescriptor, v any) (any, error) {
	r := new(big.Rat)
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return r.FloatString(f.Decimals), nil
		}
		// big.Rat also parses fractions such as "1/3"
		if strings.Contains(s, "/") {
			return nil, convErr(f, v, fmt.Errorf("not a decimal"))
		}
		if _, ok := r.SetString(s); !ok {
			return nil, convErr(f, v, fmt.Errorf("not a decimal"))
		}
	case float32, float64:
		fv, _ := toFloat(x)
		if math.IsNaN(fv) || math.IsInf(fv, 0) {
			return nil, convErr(f, v, fmt.Errorf("not finite"))
		}
		r.SetFloat64(fv)
	default:
		n, err := toInt(v)
		if err != nil {
			return nil, convErr(f, v, err)
		}
		r.SetInt64(n)
	}
	return r.FloatString(f.Decimals), nil
}

func coerceDateTime(f FieldDescriptor, v any, layout string, alt []string) (any, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return Initial(f), nil
		}
		return x.Format(layout), nil
	case *time.Time:
		if x == nil || x.IsZero() {
			return Initial(f), nil
		}
		return x.Format(layout), nil
	}
	s, err := toText(v)
	if err != nil {
		return nil, convErr(f, v, err)
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.Trim(s, "0") == "" {
		return Initial(f), nil
	}
	if len(s) == len(layout) {
		if _, err := time.Parse(layout, s); err == nil {
			return s, nil
		}
	}
	for _, l := range alt {
		if t, err := time.Parse(l, s); err == nil {
			return t.Format(layout), nil
		}
	}
	return nil, convErr(f, v, fmt.Errorf("want %s", layout))
}

func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.Format(time.RFC3339), nil
	case fmt.Stringer:
		return x.String(), nil
	case bool:
		if x {
			return "X", nil
		}
		return "", nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	if n, err := toInt(v); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("not text")
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	case []byte:
		return toInt(string(x))
	}
	return 0, fmt.Errorf("not an integer")
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("overflows int64")
	}
	return int64(u), nil
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("not integral")
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	return float64(n), nil
}

// record is the shared store behind structures and parameter lists.
type record struct {
	fields []FieldDescriptor
	index  map[string]int
	values map[string]any
}

func newRecord(fields []FieldDescriptor) record {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.Name] = i
	}
	return record{fields: fields, index: idx, values: make(map[string]any)}
}

func (r *record) field(name string) (FieldDescriptor, error) {
	i, ok := r.index[NormalizeName(name)]
	if !ok {
		return FieldDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownParameter, NormalizeName(name))
	}
	return r.fields[i], nil
}

func (r *record) set(name string, v any) error {
	f, err := r.field(name)
	if err != nil {
		return err
	}
	cv, err := Coerce(f, v)
	if err != nil {
		return err
	}
	r.values[f.Name] = cv
	return nil
}

func (r *record) get(name string) (any, error) {
	f, err := r.field(name)
	if err != nil {
		return nil, err
	}
	if v, ok := r.values[f.Name]; ok {
		return v, nil
	}
	return Initial(f), nil
}

func (r *record) has(name string) bool {
	_, ok := r.values[NormalizeName(name)]
	return ok
}

// container returns the stored structure or table for name, creating and
// storing it on first use.
func (r *record) container(name string, kind Kind) (any, error) {
	f, err := r.field(name)
	if err != nil {
		return nil, err
	}
	if f.Kind != kind {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrConversion, f.Name, f.Kind, kind)
	}
	if v, ok := r.values[f.Name]; ok {
		return v, nil
	}
	v := Initial(f)
	r.values[f.Name] = v
	return v, nil
}

func (r *record) getString(name string) string {
	v, err := r.get(name)
	if err != nil {
		return ""
	}
	return FormatValue(v)
}

func (r *record) getInt(name string) int64 {
	v, err := r.get(name)
	if err != nil {
		return 0
	}
	n, err := toInt(v)
	if err != nil {
		return 0
	}
	return n
}

// export renders set values into msgpack/JSON-friendly maps.
func (r *record) export() map[string]any {
	out := make(map[string]any, len(r.values))
	for _, f := range r.fields {
		v, ok := r.values[f.Name]
		if !ok {
			continue
		}
		out[f.Name] = exportValue(v)
	}
	return out
}

func exportValue(v any) any {
	switch x := v.(type) {
	case *Structure:
		return x.rec.export()
	case *Table:
		rows := make([]any, 0, len(x.rows))
		for _, row := range x.rows {
			rows = append(rows, row.rec.export())
		}
		return rows
	}
	return v
}

// load assigns values from a decoded map. Unknown keys are ignored.
func (r *record) load(m map[string]any) error {
	for k, v := range m {
		f, err := r.field(k)
		if err != nil {
			continue
		}
		cv, err := Coerce(f, v)
		if err != nil {
			return err
		}
		r.values[f.Name] = cv
	}
	return nil
}

// FormatValue renders a canonical value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return fmt.Sprintf("%X", x)
	}
	return fmt.Sprint(v)
}

// Structure is a set of named fields.
type Structure struct {
	desc FieldDescriptor
	rec  record
}

func newStructure(f FieldDescriptor) *Structure {
	return &Structure{desc: f, rec: newRecord(f.Fields)}
}

func (s *Structure) Fields() []FieldDescriptor {
	return s.desc.Fields
}

func (s *Structure) SetValue(name string, v any) error {
	return s.rec.set(name, v)
}

func (s *Structure) GetValue(name string) (any, error) {
	return s.rec.get(name)
}

func (s *Structure) GetString(name string) string {
	return s.rec.getString(name)
}

func (s *Structure) GetInt(name string) int64 {
	return s.rec.getInt(name)
}

func (s *Structure) HasKey(name string) bool {
	return s.rec.has(name)
}

func (s *Structure) GetStructure(name string) (*Structure, error) {
	v, err := s.rec.container(name, KindStructure)
	if err != nil {
		return nil, err
	}
	return v.(*Structure), nil
}

func (s *Structure) GetTable(name string) (*Table, error) {
	v, err := s.rec.container(name, KindTable)
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// Map returns the set fields as plain values.
func (s *Structure) Map() map[string]any {
	return s.rec.export()
}

func (s *Structure) assign(v any) error {
	switch x := v.(type) {
	case *Structure:
		return s.rec.load(x.rec.export())
	case Structure:
		return s.rec.load(x.rec.export())
	}
	m, ok := asMap(v)
	if !ok {
		return convErr(s.desc, v, fmt.Errorf("not a structure"))
	}
	return s.rec.load(m)
}

// Table is an ordered list of rows sharing one line type.
type Table struct {
	desc FieldDescriptor
	rows []*Structure
}

func newTable(f FieldDescriptor) *Table {
	return &Table{desc: f}
}

// Fields returns the line type.
func (t *Table) Fields() []FieldDescriptor {
	return t.desc.Fields
}

// AddRow appends an empty row and returns it.
func (t *Table) AddRow() *Structure {
	row := newStructure(FieldDescriptor{Name: t.desc.Name, Kind: KindStructure, Fields: t.desc.Fields})
	t.rows = append(t.rows, row)
	return row
}

// AppendRow appends a row built from a map or structure.
func (t *Table) AppendRow(v any) error {
	row := t.AddRow()
	if err := row.assign(v); err != nil {
		t.rows = t.rows[:len(t.rows)-1]
		return err
	}
	return nil
}

func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) Row(i int) *Structure {
	if i < 0 || i >= len(t.rows) {
		return nil
	}
	return t.rows[i]
}

func (t *Table) Rows() []*Structure {
	return t.rows
}

func (t *Table) Clear() {
	t.rows = nil
}

func (t *Table) assign(v any) error {
	switch x := v.(type) {
	case *Table:
		for _, row := range x.rows {
			if err := t.AppendRow(row); err != nil {
				return err
			}
		}
		return nil
	case []map[string]any:
		for _, row := range x {
			if err := t.AppendRow(row); err != nil {
				return err
			}
		}
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return convErr(t.desc, v, fmt.Errorf("not a table"))
	}
	for i := 0; i < rv.Len(); i++ {
		if err := t.AppendRow(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
