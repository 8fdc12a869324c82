// Package value defines the closed, recursive data model used for result
// payloads and play variables. Engine data arrives as arbitrary nested Go
// maps and slices; it is converted once into a Value tree so that every later
// stage can switch exhaustively over six variants instead of inspecting types
// at runtime.
package value

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the variant of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is one node of a payload tree. The set of implementations is closed:
// Null, Bool, Number, String, Sequence and Mapping.
type Value interface {
	Kind() Kind
	isValue()
}

// Null is the JSON null.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// String is a JSON string.
type String string

// Sequence is an ordered list of values.
type Sequence []Value

// Mapping is a string-keyed object. Key order carries no meaning; it is
// encoded with sorted keys.
type Mapping map[string]Value

func (Null) Kind() Kind     { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Number) Kind() Kind   { return KindNumber }
func (String) Kind() Kind   { return KindString }
func (Sequence) Kind() Kind { return KindSequence }
func (Mapping) Kind() Kind  { return KindMapping }

func (Null) isValue()     {}
func (Bool) isValue()     {}
func (Number) isValue()   {}
func (String) isValue()   {}
func (Sequence) isValue() {}
func (Mapping) isValue()  {}

type numberForm uint8

const (
	formInt numberForm = iota
	formUint
	formFloat
)

// Number is a JSON number. It remembers whether it was built from an integer
// so integral values are encoded without a fraction or exponent.
type Number struct {
	form numberForm
	i    int64
	u    uint64
	f    float64
}

// Int builds an integral Number.
func Int(i int64) Number { return Number{form: formInt, i: i} }

// Uint builds an integral Number from an unsigned value.
func Uint(u uint64) Number {
	if u <= math.MaxInt64 {
		return Int(int64(u))
	}
	return Number{form: formUint, u: u}
}

// Float builds a floating point Number. Non-finite values are representable
// here but rejected by encoders.
func Float(f float64) Number { return Number{form: formFloat, f: f} }

// IsIntegral reports whether the number was built from an integer.
func (n Number) IsIntegral() bool { return n.form != formFloat }

// IsFinite reports whether the number can be encoded as JSON.
func (n Number) IsFinite() bool {
	if n.form != formFloat {
		return true
	}
	return !math.IsNaN(n.f) && !math.IsInf(n.f, 0)
}

// Float64 returns the number as a float64, possibly losing precision.
func (n Number) Float64() float64 {
	switch n.form {
	case formInt:
		return float64(n.i)
	case formUint:
		return float64(n.u)
	default:
		return n.f
	}
}

// Int64 returns the integral value and true, or 0 and false for floats and
// unsigned values that overflow int64.
func (n Number) Int64() (int64, bool) {
	if n.form == formInt {
		return n.i, true
	}
	return 0, false
}

// String renders the number in its JSON form. Non-finite floats, which have
// none, render as strconv formats them.
func (n Number) String() string {
	b, err := n.MarshalJSON()
	if err != nil {
		return strconv.FormatFloat(n.f, 'g', -1, 64)
	}
	return string(b)
}

// MarshalJSON implements json.Marshaler. Integral numbers never carry a
// fraction or exponent; floats use the encoding/json float format.
func (n Number) MarshalJSON() ([]byte, error) {
	switch n.form {
	case formInt:
		return strconv.AppendInt(nil, n.i, 10), nil
	case formUint:
		return strconv.AppendUint(nil, n.u, 10), nil
	default:
		return json.Marshal(n.f)
	}
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// MarshalJSON implements json.Marshaler. A nil Mapping encodes as an empty
// object.
//
// Trees are not checked for cycles here; encode untrusted trees with a
// bounded encoder such as the record serializer.
func (m Mapping) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return marshalNoEscape(map[string]Value(m))
}

// MarshalJSON implements json.Marshaler. A nil Sequence encodes as an empty
// array.
func (s Sequence) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return marshalNoEscape([]Value(s))
}

// marshalNoEscape encodes v without HTML escaping. The enclosing encoder
// compacts the result and applies its own escaping setting.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Equal compares two numbers by numeric value. Integral numbers compare
// exactly; anything involving a float compares as float64.
func (n Number) Equal(o Number) bool {
	if n.form == formInt && o.form == formInt {
		return n.i == o.i
	}
	if n.form == formUint && o.form == formUint {
		return n.u == o.u
	}
	return n.Float64() == o.Float64()
}

// Get returns the value stored under key.
func (m Mapping) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

// Keys returns the mapping's keys in ascending byte order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy. Nested containers are shared.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	cpy := make(Mapping, len(m))
	for k, v := range m {
		cpy[k] = v
	}
	return cpy
}

// Without returns a copy lacking the given keys. The receiver is returned
// unchanged when none of the keys are present.
func (m Mapping) Without(keys ...string) Mapping {
	present := false
	for _, k := range keys {
		if _, ok := m[k]; ok {
			present = true
			break
		}
	}
	if !present {
		return m
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	cpy := make(Mapping, len(m))
	for k, v := range m {
		if _, skip := drop[k]; !skip {
			cpy[k] = v
		}
	}
	return cpy
}

// With returns a copy with key set to v.
func (m Mapping) With(key string, v Value) Mapping {
	cpy := make(Mapping, len(m)+1)
	for k, existing := range m {
		cpy[k] = existing
	}
	cpy[key] = v
	return cpy
}

// Truthy reports whether v would count as "set" in the engine's loose sense:
// true, non-zero numbers, non-empty strings and non-empty containers.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil, Null:
		return false
	case Bool:
		return bool(t)
	case Number:
		return t.Float64() != 0
	case String:
		return t != ""
	case Sequence:
		return len(t) > 0
	case Mapping:
		return len(t) > 0
	default:
		return false
	}
}

// Equal reports deep equality of two values, comparing numbers numerically.
// It does not defend against cycles; callers compare trees that have already
// been through a bounded encoder or converter.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Number:
		return av.Equal(b.(Number))
	case String:
		return av == b.(String)
	case Sequence:
		bv := b.(Sequence)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Mapping:
		bv := b.(Mapping)
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
