package rfc

import (
	"fmt"
	"sort"
)

// ParameterList holds the values of one parameter direction of a call.
type ParameterList struct {
	dir    Direction
	params map[string]ParameterDescriptor
	rec    record
}

func newParameterList(dir Direction, all []ParameterDescriptor) *ParameterList {
	params := make(map[string]ParameterDescriptor)
	fields := make([]FieldDescriptor, 0)
	for _, p := range all {
		if p.Direction != dir {
			continue
		}
		params[p.Name] = p
		fields = append(fields, p.Field())
	}
	return &ParameterList{dir: dir, params: params, rec: newRecord(fields)}
}

func (l *ParameterList) Direction() Direction {
	return l.dir
}

// Parameters returns the descriptors of this list in declaration order.
func (l *ParameterList) Parameters() []ParameterDescriptor {
	out := make([]ParameterDescriptor, 0, len(l.rec.fields))
	for _, f := range l.rec.fields {
		out = append(out, l.params[f.Name])
	}
	return out
}

func (l *ParameterList) SetValue(name string, v any) error {
	return l.rec.set(name, v)
}

func (l *ParameterList) GetValue(name string) (any, error) {
	return l.rec.get(name)
}

func (l *ParameterList) GetString(name string) string {
	return l.rec.getString(name)
}

func (l *ParameterList) GetInt(name string) int64 {
	return l.rec.getInt(name)
}

// HasKey reports whether a value was supplied for name.
func (l *ParameterList) HasKey(name string) bool {
	return l.rec.has(name)
}

// GetStructure returns the structure parameter, marking it supplied.
func (l *ParameterList) GetStructure(name string) (*Structure, error) {
	v, err := l.rec.container(name, KindStructure)
	if err != nil {
		return nil, err
	}
	return v.(*Structure), nil
}

// GetTable returns the table parameter, marking it supplied.
func (l *ParameterList) GetTable(name string) (*Table, error) {
	v, err := l.rec.container(name, KindTable)
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// Keys returns the names of supplied parameters, sorted.
func (l *ParameterList) Keys() []string {
	keys := make([]string, 0, len(l.rec.values))
	for k := range l.rec.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FunctionCall is one invocation of a function: its descriptor plus values.
type FunctionCall struct {
	desc FunctionDescriptor

	Importing *ParameterList
	Exporting *ParameterList
	Changing  *ParameterList
	Tables    *ParameterList
}

func (c *FunctionCall) Function() string {
	return c.desc.Name
}

func (c *FunctionCall) Descriptor() FunctionDescriptor {
	return c.desc.Clone()
}

// RaiseException returns the ABAP exception key for handlers to return. The
// message defaults to the one declared on the descriptor.
func (c *FunctionCall) RaiseException(key, message string) *Error {
	key = NormalizeName(key)
	if message == "" {
		if e, ok := c.desc.Exception(key); ok {
			message = e.Message
		}
	}
	return Exception(key, message)
}

// CheckRequired fails when a non-optional importing parameter is missing.
func (c *FunctionCall) CheckRequired() error {
	for _, p := range c.Importing.Parameters() {
		if p.Optional || p.Default != "" {
			continue
		}
		if !c.Importing.HasKey(p.Name) {
			return fmt.Errorf("%w: %s.%s", ErrMissingParameter, c.desc.Name, p.Name)
		}
	}
	return nil
}

// ApplyDefaults fills unsupplied importing parameters that declare a default.
func (c *FunctionCall) ApplyDefaults() error {
	for _, p := range c.Importing.Parameters() {
		if p.Default == "" || c.Importing.HasKey(p.Name) || !p.Kind.Scalar() {
			continue
		}
		if err := c.Importing.SetValue(p.Name, p.Default); err != nil {
			return fmt.Errorf("default for %s.%s: %w", c.desc.Name, p.Name, err)
		}
	}
	return nil
}

// Reset drops all values, keeping the descriptor.
func (c *FunctionCall) Reset() {
	fresh := c.desc.NewCall()
	c.Importing = fresh.Importing
	c.Exporting = fresh.Exporting
	c.Changing = fresh.Changing
	c.Tables = fresh.Tables
}
