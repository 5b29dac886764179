package rfc

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Direction is the flow of a parameter relative to the called function.
type Direction string

const (
	Importing Direction = "IMPORTING"
	Exporting Direction = "EXPORTING"
	Changing  Direction = "CHANGING"
	Tables    Direction = "TABLES"
)

// FieldDescriptor describes one field of a structure or table line.
type FieldDescriptor struct {
	Name        string            `msgpack:"name" json:"name"`
	Kind        Kind              `msgpack:"kind" json:"kind"`
	Length      int               `msgpack:"length,omitempty" json:"length,omitempty"`
	Decimals    int               `msgpack:"decimals,omitempty" json:"decimals,omitempty"`
	Description string            `msgpack:"description,omitempty" json:"description,omitempty"`
	Fields      []FieldDescriptor `msgpack:"fields,omitempty" json:"fields,omitempty"`
}

// ParameterDescriptor describes one function parameter. TABLES parameters
// have Kind TABLE and Fields holds the line type.
type ParameterDescriptor struct {
	Name        string            `msgpack:"name" json:"name"`
	Direction   Direction         `msgpack:"direction" json:"direction"`
	Kind        Kind              `msgpack:"kind" json:"kind"`
	Length      int               `msgpack:"length,omitempty" json:"length,omitempty"`
	Decimals    int               `msgpack:"decimals,omitempty" json:"decimals,omitempty"`
	Optional    bool              `msgpack:"optional,omitempty" json:"optional,omitempty"`
	Default     string            `msgpack:"default,omitempty" json:"default,omitempty"`
	Description string            `msgpack:"description,omitempty" json:"description,omitempty"`
	Fields      []FieldDescriptor `msgpack:"fields,omitempty" json:"fields,omitempty"`
}

// Field returns the parameter's type as a FieldDescriptor.
func (p ParameterDescriptor) Field() FieldDescriptor {
	return FieldDescriptor{
		Name:        p.Name,
		Kind:        p.Kind,
		Length:      p.Length,
		Decimals:    p.Decimals,
		Description: p.Description,
		Fields:      p.Fields,
	}
}

type ExceptionDescriptor struct {
	Key     string `msgpack:"key" json:"key"`
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
}

// FunctionDescriptor is the signature of a remote function.
type FunctionDescriptor struct {
	Name        string                `msgpack:"name" json:"name"`
	Description string                `msgpack:"description,omitempty" json:"description,omitempty"`
	Parameters  []ParameterDescriptor `msgpack:"parameters" json:"parameters"`
	Exceptions  []ExceptionDescriptor `msgpack:"exceptions,omitempty" json:"exceptions,omitempty"`
}

// NormalizeName upper-cases and trims a function, parameter or field name.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Validate normalizes names in place and checks the descriptor's shape.
func (d *FunctionDescriptor) Validate() error {
	d.Name = NormalizeName(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: function name required", ErrInvalidDescriptor)
	}
	seen := make(map[string]struct{}, len(d.Parameters))
	for i := range d.Parameters {
		p := &d.Parameters[i]
		p.Name = NormalizeName(p.Name)
		if p.Name == "" {
			return fmt.Errorf("%w: %s parameter[%d] has no name", ErrInvalidDescriptor, d.Name, i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: %s duplicate parameter %s", ErrInvalidDescriptor, d.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Direction {
		case Importing, Exporting, Changing:
		case Tables:
			if p.Kind == "" {
				p.Kind = KindTable
			}
			if p.Kind != KindTable {
				return fmt.Errorf("%w: %s tables parameter %s must be TABLE", ErrInvalidDescriptor, d.Name, p.Name)
			}
		default:
			return fmt.Errorf("%w: %s parameter %s has direction %q", ErrInvalidDescriptor, d.Name, p.Name, p.Direction)
		}
		if err := validateType(d.Name+"."+p.Name, p.Kind, p.Fields); err != nil {
			return err
		}
	}
	keys := make(map[string]struct{}, len(d.Exceptions))
	for i := range d.Exceptions {
		e := &d.Exceptions[i]
		e.Key = NormalizeName(e.Key)
		if e.Key == "" {
			return fmt.Errorf("%w: %s exception[%d] has no key", ErrInvalidDescriptor, d.Name, i)
		}
		if _, dup := keys[e.Key]; dup {
			return fmt.Errorf("%w: %s duplicate exception %s", ErrInvalidDescriptor, d.Name, e.Key)
		}
		keys[e.Key] = struct{}{}
	}
	return nil
}

func validateType(path string, kind Kind, fields []FieldDescriptor) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %s has kind %q", ErrInvalidDescriptor, path, kind)
	}
	if kind.Scalar() {
		if len(fields) > 0 {
			return fmt.Errorf("%w: scalar %s carries sub-fields", ErrInvalidDescriptor, path)
		}
		return nil
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s %s has no fields", ErrInvalidDescriptor, strings.ToLower(string(kind)), path)
	}
	seen := make(map[string]struct{}, len(fields))
	for i := range fields {
		f := &fields[i]
		f.Name = NormalizeName(f.Name)
		if f.Name == "" {
			return fmt.Errorf("%w: %s field[%d] has no name", ErrInvalidDescriptor, path, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s duplicate field %s", ErrInvalidDescriptor, path, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := validateType(path+"."+f.Name, f.Kind, f.Fields); err != nil {
			return err
		}
	}
	return nil
}

// Parameter looks up a parameter by name.
func (d FunctionDescriptor) Parameter(name string) (ParameterDescriptor, bool) {
	name = NormalizeName(name)
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDescriptor{}, false
}

// Exception looks up a declared exception by key.
func (d FunctionDescriptor) Exception(key string) (ExceptionDescriptor, bool) {
	key = NormalizeName(key)
	for _, e := range d.Exceptions {
		if e.Key == key {
			return e, true
		}
	}
	return ExceptionDescriptor{}, false
}

// Clone returns a deep copy.
func (d FunctionDescriptor) Clone() FunctionDescriptor {
	out := d
	out.Parameters = make([]ParameterDescriptor, len(d.Parameters))
	for i, p := range d.Parameters {
		p.Fields = cloneFields(p.Fields)
		out.Parameters[i] = p
	}
	out.Exceptions = append([]ExceptionDescriptor(nil), d.Exceptions...)
	return out
}

func cloneFields(in []FieldDescriptor) []FieldDescriptor {
	if in == nil {
		return nil
	}
	out := make([]FieldDescriptor, len(in))
	for i, f := range in {
		f.Fields = cloneFields(f.Fields)
		out[i] = f
	}
	return out
}

// Width is the character width of a field in fixed-width output.
func (f FieldDescriptor) Width() int {
	switch f.Kind {
	case KindDate:
		return 8
	case KindTime:
		return 6
	case KindInt:
		if f.Length > 0 {
			return f.Length
		}
		return 11
	case KindFloat:
		if f.Length > 0 {
			return f.Length
		}
		return 24
	case KindDec:
		if f.Length > 0 {
			return f.Length
		}
		return 17
	default:
		return f.Length
	}
}

// BuildCall returns an empty call for the descriptor, or the validation
// error when the descriptor is malformed.
func (d FunctionDescriptor) BuildCall() (*FunctionCall, error) {
	desc := d.Clone()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return newCall(desc), nil
}

// NewCall is BuildCall for descriptors already validated by a Registry or
// DecodeDescriptor. A malformed descriptor is logged and still yields a call.
func (d FunctionDescriptor) NewCall() *FunctionCall {
	desc := d.Clone()
	if err := desc.Validate(); err != nil {
		log.Warn().Err(err).Str("function", desc.Name).Msg("call built from invalid descriptor")
	}
	return newCall(desc)
}

func newCall(desc FunctionDescriptor) *FunctionCall {
	return &FunctionCall{
		desc:      desc,
		Importing: newParameterList(Importing, desc.Parameters),
		Exporting: newParameterList(Exporting, desc.Parameters),
		Changing:  newParameterList(Changing, desc.Parameters),
		Tables:    newParameterList(Tables, desc.Parameters),
	}
}
