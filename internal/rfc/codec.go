package rfc

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// EncodeDescriptor serializes a descriptor for METADATA_RESULT frames and caches.
func EncodeDescriptor(d FunctionDescriptor) ([]byte, error) {
	return msgpack.Marshal(&d)
}

// DecodeDescriptor parses and validates a serialized descriptor.
func DecodeDescriptor(data []byte) (FunctionDescriptor, error) {
	var d FunctionDescriptor
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return FunctionDescriptor{}, fmt.Errorf("rfc: decode descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return FunctionDescriptor{}, err
	}
	return d, nil
}

// EncodeRequest serializes the caller-supplied importing, changing and tables values.
func EncodeRequest(c *FunctionCall) ([]byte, error) {
	return encodeSections(map[Direction]*ParameterList{
		Importing: c.Importing,
		Changing:  c.Changing,
		Tables:    c.Tables,
	})
}

// DecodeRequest builds a call for desc from a serialized request.
func DecodeRequest(desc FunctionDescriptor, data []byte) (*FunctionCall, error) {
	c, err := desc.BuildCall()
	if err != nil {
		return nil, err
	}
	if err := loadSections(data, map[Direction]*ParameterList{
		Importing: c.Importing,
		Changing:  c.Changing,
		Tables:    c.Tables,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeResponse serializes exporting, changing and tables values.
func EncodeResponse(c *FunctionCall) ([]byte, error) {
	return encodeSections(map[Direction]*ParameterList{
		Exporting: c.Exporting,
		Changing:  c.Changing,
		Tables:    c.Tables,
	})
}

// ApplyResponse replaces c's exporting, changing and tables values with a
// serialized response. Tables not in the response keep their request rows.
func ApplyResponse(c *FunctionCall, data []byte) error {
	c.Exporting = newParameterList(Exporting, c.desc.Parameters)
	return loadSections(data, map[Direction]*ParameterList{
		Exporting: c.Exporting,
		Changing:  c.Changing,
		Tables:    c.Tables,
	})
}

func encodeSections(lists map[Direction]*ParameterList) ([]byte, error) {
	sections := make(map[string]any, len(lists))
	for dir, l := range lists {
		if vals := l.rec.export(); len(vals) > 0 {
			sections[string(dir)] = vals
		}
	}
	out, err := msgpack.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("rfc: encode parameters: %w", err)
	}
	return out, nil
}

func loadSections(data []byte, lists map[Direction]*ParameterList) error {
	if len(data) == 0 {
		return nil
	}
	var sections map[string]any
	if err := msgpack.Unmarshal(data, &sections); err != nil {
		return fmt.Errorf("rfc: decode parameters: %w", err)
	}
	for dir, l := range lists {
		raw, ok := sections[string(dir)]
		if !ok || raw == nil {
			continue
		}
		m, ok := asMap(raw)
		if !ok {
			return fmt.Errorf("rfc: decode parameters: %s section is %T", dir, raw)
		}
		if err := l.rec.load(m); err != nil {
			return err
		}
	}
	return nil
}
