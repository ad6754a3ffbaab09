// Package ssm implements the SSM (Simple Serializable Message) wire format
// used by OpenKore bus peers: a length-prefixed frame carrying a message ID
// and a typed key/value argument map.
//
// Frame layout (all integers big-endian):
//
//	uint32  total_length   includes these 4 bytes
//	uint8   options        must be 0 (key-value map)
//	uint8   mid_len
//	bytes   message_id[mid_len]
//	repeated until end of frame:
//	  uint8   key_len      1..255
//	  bytes   key[key_len]
//	  uint8   value_type   0=binary, 1=string, 2=uint
//	  uint24  value_len
//	  bytes   value[value_len]
package ssm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ValueType identifies the encoding of a single argument value.
type ValueType uint8

const (
	TypeBinary ValueType = 0
	TypeString ValueType = 1
	TypeUint   ValueType = 2
)

const (
	headerLen       = 6 // total_length + options + mid_len
	maxMessageIDLen = 255
	maxKeyLen       = 255
	maxValueLen     = 1<<24 - 1
)

// ErrMalformed is wrapped by every parse and serialize failure.
var ErrMalformed = errors.New("malformed ssm frame")

// Value is one typed argument value. Exactly one of the payload fields is
// meaningful, selected by Type.
type Value struct {
	Type ValueType
	Bin  []byte
	Str  string
	U32  uint32
}

// String wraps a UTF-8 string value.
func String(s string) Value { return Value{Type: TypeString, Str: s} }

// Uint wraps a 32-bit unsigned value.
func Uint(v uint32) Value { return Value{Type: TypeUint, U32: v} }

// Binary wraps an opaque byte value.
func Binary(b []byte) Value { return Value{Type: TypeBinary, Bin: b} }

// FromAny converts a native Go value into a typed Value the way the bus
// serializer always has: integers become UINT, strings STRING, byte slices
// BINARY, booleans UINT 0/1, and everything else its printable form as STRING.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Binary(nil)
	case bool:
		if x {
			return Uint(1)
		}
		return Uint(0)
	case int:
		return Uint(uint32(x))
	case int32:
		return Uint(uint32(x))
	case int64:
		return Uint(uint32(x))
	case uint:
		return Uint(uint32(x))
	case uint32:
		return Uint(x)
	case uint64:
		return Uint(uint32(x))
	case float64:
		// JSON numbers decode as float64; whole numbers stay UINT.
		if x == float64(uint32(x)) {
			return Uint(uint32(x))
		}
		return String(fmt.Sprint(x))
	case string:
		return String(x)
	case []byte:
		return Binary(x)
	default:
		return String(fmt.Sprint(x))
	}
}

// Native returns the Go representation of the value: []byte, string or uint32.
func (v Value) Native() any {
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeUint:
		return v.U32
	default:
		return v.Bin
	}
}

// Args is an ordered argument map. Insertion order is preserved so that a
// parsed frame re-serializes byte-identically; Set on an existing key
// replaces the value in place.
type Args struct {
	keys   []string
	values map[string]Value
}

// NewArgs returns an empty argument map.
func NewArgs() *Args {
	return &Args{values: make(map[string]Value)}
}

// Set stores a value under key and returns the receiver for chaining.
func (a *Args) Set(key string, v Value) *Args {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
	return a
}

// SetString stores a STRING value.
func (a *Args) SetString(key, s string) *Args { return a.Set(key, String(s)) }

// SetUint stores a UINT value.
func (a *Args) SetUint(key string, v uint32) *Args { return a.Set(key, Uint(v)) }

// Get returns the value stored under key.
func (a *Args) Get(key string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Has reports whether key is present.
func (a *Args) Has(key string) bool {
	_, ok := a.Get(key)
	return ok
}

// GetString returns the STRING value stored under key.
func (a *Args) GetString(key string) (string, bool) {
	v, ok := a.Get(key)
	if !ok || v.Type != TypeString {
		return "", false
	}
	return v.Str, true
}

// GetUint returns the UINT value stored under key.
func (a *Args) GetUint(key string) (uint32, bool) {
	v, ok := a.Get(key)
	if !ok || v.Type != TypeUint {
		return 0, false
	}
	return v.U32, true
}

// GetBool interprets the value under key as a flag: UINT values are true when
// non-zero, STRING values when they spell "1" or "true". Absent keys are false.
func (a *Args) GetBool(key string) bool {
	v, ok := a.Get(key)
	if !ok {
		return false
	}
	switch v.Type {
	case TypeUint:
		return v.U32 != 0
	case TypeString:
		return v.Str == "1" || v.Str == "true"
	default:
		return len(v.Bin) > 0
	}
}

// Len returns the number of arguments.
func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Keys returns the argument keys in insertion order. The returned slice is
// shared with the Args and must not be modified.
func (a *Args) Keys() []string {
	if a == nil {
		return nil
	}
	return a.keys
}

// Native returns the arguments as a plain map of Go values, for JSON
// rendering and logging. Ordering is lost.
func (a *Args) Native() map[string]any {
	out := make(map[string]any, a.Len())
	if a == nil {
		return out
	}
	for k, v := range a.values {
		out[k] = v.Native()
	}
	return out
}

// Message is one parsed SSM frame.
type Message struct {
	ID   string
	Args *Args
}

// Serialize encodes one frame. A nil args is encoded as a header-only frame.
func Serialize(messageID string, args *Args) ([]byte, error) {
	if len(messageID) > maxMessageIDLen {
		return nil, fmt.Errorf("message id %d bytes exceeds %d: %w", len(messageID), maxMessageIDLen, ErrMalformed)
	}
	if !utf8.ValidString(messageID) {
		return nil, fmt.Errorf("message id is not valid UTF-8: %w", ErrMalformed)
	}

	size := headerLen + len(messageID)
	for _, key := range args.Keys() {
		v, _ := args.Get(key)
		if len(key) == 0 || len(key) > maxKeyLen {
			return nil, fmt.Errorf("key %q length out of range: %w", key, ErrMalformed)
		}
		vl, err := valueLen(key, v)
		if err != nil {
			return nil, err
		}
		size += 1 + len(key) + 1 + 3 + vl
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = append(buf, 0) // options: key-value map
	buf = append(buf, byte(len(messageID)))
	buf = append(buf, messageID...)

	for _, key := range args.Keys() {
		v, _ := args.Get(key)
		buf = append(buf, byte(len(key)))
		buf = append(buf, key...)
		buf = append(buf, byte(v.Type))
		switch v.Type {
		case TypeString:
			buf = appendUint24(buf, uint32(len(v.Str)))
			buf = append(buf, v.Str...)
		case TypeUint:
			buf = appendUint24(buf, 4)
			buf = binary.BigEndian.AppendUint32(buf, v.U32)
		default:
			buf = appendUint24(buf, uint32(len(v.Bin)))
			buf = append(buf, v.Bin...)
		}
	}
	return buf, nil
}

func valueLen(key string, v Value) (int, error) {
	switch v.Type {
	case TypeString:
		if !utf8.ValidString(v.Str) {
			return 0, fmt.Errorf("value for key %q is not valid UTF-8: %w", key, ErrMalformed)
		}
		if len(v.Str) > maxValueLen {
			return 0, fmt.Errorf("value for key %q exceeds %d bytes: %w", key, maxValueLen, ErrMalformed)
		}
		return len(v.Str), nil
	case TypeUint:
		return 4, nil
	case TypeBinary:
		if len(v.Bin) > maxValueLen {
			return 0, fmt.Errorf("value for key %q exceeds %d bytes: %w", key, maxValueLen, ErrMalformed)
		}
		return len(v.Bin), nil
	default:
		return 0, fmt.Errorf("unknown value type %d for key %q: %w", v.Type, key, ErrMalformed)
	}
}

func appendUint24(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>16), byte(v>>8), byte(v))
}
