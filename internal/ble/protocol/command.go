// Package protocol implements the Kidoo BLE frame codec: JSON command
// envelopes written to the command characteristic, and extraction of JSON
// replies from notification values that may carry framing noise.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// NameField is the envelope key carrying the command name.
const NameField = "command"

// ErrReservedParam is returned when a parameter collides with the name field.
var ErrReservedParam = errors.New("protocol: parameter name is reserved")

// ErrNonScalarParam is returned when a parameter value is not a JSON scalar.
var ErrNonScalarParam = errors.New("protocol: parameter value is not a scalar")

// Param is one key/value pair of a command. Values must be JSON scalars:
// string, bool, an integer or float type, json.Number, or nil.
type Param struct {
	Key   string
	Value any
}

// Command is an immutable command envelope. Parameters keep insertion order
// so the encoded frame is stable.
type Command struct {
	name   string
	params []Param
}

// NewCommand builds a command from a name and ordered parameters. A later
// parameter with the same key replaces the earlier value in place.
func NewCommand(name string, params ...Param) Command {
	c := Command{name: name}
	for _, p := range params {
		c = c.With(p.Key, p.Value)
	}
	return c
}

// Name returns the command name.
func (c Command) Name() string { return c.name }

// Params returns a copy of the ordered parameters.
func (c Command) Params() []Param {
	out := make([]Param, len(c.params))
	copy(out, c.params)
	return out
}

// Param returns the value stored under key.
func (c Command) Param(key string) (any, bool) {
	for _, p := range c.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// With returns a copy of c with key set to value.
func (c Command) With(key string, value any) Command {
	params := make([]Param, 0, len(c.params)+1)
	replaced := false
	for _, p := range c.params {
		if p.Key == key {
			params = append(params, Param{Key: key, Value: value})
			replaced = true
			continue
		}
		params = append(params, p)
	}
	if !replaced {
		params = append(params, Param{Key: key, Value: value})
	}
	return Command{name: c.name, params: params}
}

// MarshalJSON encodes the command as a flat object: the name field first,
// then the parameters in order.
func (c Command) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeMember(&buf, NameField, c.name); err != nil {
		return nil, err
	}
	for _, p := range c.params {
		if p.Key == NameField {
			return nil, fmt.Errorf("%w: %q", ErrReservedParam, p.Key)
		}
		if !isScalar(p.Value) {
			return nil, fmt.Errorf("%w: %q is %T", ErrNonScalarParam, p.Key, p.Value)
		}
		buf.WriteByte(',')
		if err := writeMember(&buf, p.Key, p.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("protocol: marshal key %q: %w", key, err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("protocol: marshal %q: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
