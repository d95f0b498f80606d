package gql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the value kinds allowed in variables and
// payloads. Only Null, String, Int, Float, Bool, List and Object implement
// it. Float appears only in payloads; variables are integral.
type Value interface {
	gqlValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) gqlValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) gqlValue() {}

// Int is an integer value. Always int64, never float64.
type Int int64

func (Int) gqlValue() {}

// Float is a non-integral number, such as a GraphQL Float field in a server
// response. Integral numbers always decode to Int.
type Float float64

func (Float) gqlValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) gqlValue() {}

// List is an ordered list of values.
type List []Value

func (List) gqlValue() {}

// Object maps field names to values. Use SortedKeys for deterministic
// iteration.
type Object map[string]Value

func (Object) gqlValue() {}

// SortedKeys returns keys in canonical order (UTF-16 code units, RFC 8785).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Clone returns a deep copy. A nil object clones to nil.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	for i, v := range l {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case List:
		return val.Clone()
	default:
		return v
	}
}

// Lookup resolves a dotted path ("listTodos.items") inside o.
func (o Object) Lookup(path string) (Value, bool) {
	if path == "" {
		return o, true
	}
	var cur Value = o
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(Object)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// With returns a copy of o with the value at path replaced, creating
// intermediate objects as needed. o itself is not modified.
func (o Object) With(path string, v Value) Object {
	out := o.Clone()
	if out == nil {
		out = Object{}
	}
	segs := strings.Split(path, ".")
	cur := out
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(Object)
		if !ok {
			next = Object{}
		}
		cur[seg] = next
		cur = next
	}
	cur[segs[len(segs)-1]] = v
	return out
}

// Equal reports whether two values are structurally equal.
func Equal(a, b Value) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize maps nil to Null so a missing value and an explicit null compare
// equal inside containers.
func normalize(v Value) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case Object:
		out := make(Object, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case List:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// FromAny converts a decoded Go value (JSON with UseNumber, YAML, or literal
// maps) into a Value. Integral numbers, including forms like 3.0 and 1e3,
// become Int; other finite numbers become Float.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case json.Number:
		if n, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			return Int(n), nil
		}
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", val, err)
		}
		return fromFloat(f)
	case float64:
		return fromFloat(val)
	case float32:
		return fromFloat(float64(val))
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromFloat keeps integral values in int64 range as Int.
func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number %v is not finite", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// RejectFloats reports the first Float inside v. Operation variables feed
// the fingerprint and must stay integral.
func RejectFloats(v Value) error {
	switch val := v.(type) {
	case Float:
		return fmt.Errorf("non-integer number %v is not supported in variables", float64(val))
	case List:
		for i, elem := range val {
			if err := RejectFloats(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case Object:
		for _, k := range val.SortedKeys() {
			if err := RejectFloats(val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
	}
	return nil
}

// VariablesFromAny is ObjectFromAny for operation variables: fractional
// numbers are rejected.
func VariablesFromAny(m map[string]any) (Object, error) {
	obj, err := ObjectFromAny(m)
	if err != nil {
		return nil, err
	}
	if err := RejectFloats(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// ObjectFromAny converts a map into an Object.
func ObjectFromAny(m map[string]any) (Object, error) {
	if m == nil {
		return Object{}, nil
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

// ToAny converts a Value back into plain Go values (for printing and
// encoding by libraries that do not know about Value).
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}

// DecodeObject parses a JSON object into an Object.
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case Object:
		*o = val
	case Null:
		*o = nil
	default:
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for List.
func (l *List) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case List:
		*l = val
	case Null:
		*l = nil
	default:
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	return nil
}

func decodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// compareUTF16 orders strings by UTF-16 code units as RFC 8785 requires.
// Go's native string comparison is UTF-8 byte order, which differs for
// supplementary-plane characters.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
