package value

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
)

// MaxDepth bounds container nesting accepted by FromAny and by encoders.
const MaxDepth = 64

// converter holds the state of one FromAny call. onPath records the addresses
// of containers currently being converted; meeting one again means the input
// refers to itself. The same container reached along two different paths is
// shared data, not a cycle, and converts fine.
type converter struct {
	onPath map[containerKey]struct{}
}

// containerKey identifies a container. Slices also carry their length, as
// encoding/json does: a shorter slice of a parent shares its data pointer
// without referring back to it.
type containerKey struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

// FromAny converts arbitrary engine data into a Value. It fails with a
// *errors.SerializationError on cycles, on nesting deeper than MaxDepth and
// on Go values that have no JSON representation.
func FromAny(data interface{}) (Value, error) {
	c := &converter{onPath: make(map[containerKey]struct{})}
	return c.convert(data, "", 0)
}

// MappingFromAny converts a raw result map. A nil map yields an empty Mapping.
func MappingFromAny(data map[string]interface{}) (Mapping, error) {
	if data == nil {
		return Mapping{}, nil
	}
	v, err := FromAny(data)
	if err != nil {
		return nil, err
	}
	return v.(Mapping), nil
}

// MustMapping is MappingFromAny for literals in tests and fixtures. It panics on error.
func MustMapping(data map[string]interface{}) Mapping {
	m, err := MappingFromAny(data)
	if err != nil {
		panic(err)
	}
	return m
}

func (c *converter) convert(data interface{}, path string, depth int) (Value, error) {
	// Fast Path: the common shapes produced by JSON/YAML decoders.
	switch v := data.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return c.fromValue(v, path, depth)
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case int32:
		return Int(int64(v)), nil
	case float64:
		return Float(v), nil
	case json.Number:
		return parseJSONNumber(v, path)
	case map[string]interface{}:
		if v == nil {
			return Null{}, nil
		}
		return c.convertContainer(reflect.ValueOf(v), path, depth, func() (Value, error) {
			out := make(Mapping, len(v))
			for key, item := range v {
				converted, err := c.convert(item, joinKey(path, key), depth+1)
				if err != nil {
					return nil, err
				}
				out[key] = converted
			}
			return out, nil
		})
	case []interface{}:
		if v == nil {
			return Null{}, nil
		}
		return c.convertContainer(reflect.ValueOf(v), path, depth, func() (Value, error) {
			out := make(Sequence, len(v))
			for i, item := range v {
				converted, err := c.convert(item, joinIndex(path, i), depth+1)
				if err != nil {
					return nil, err
				}
				out[i] = converted
			}
			return out, nil
		})
	case json.Marshaler:
		return c.viaJSON(v, path, depth)
	case encoding.TextMarshaler:
		text, err := v.MarshalText()
		if err != nil {
			return nil, jsonlerrors.NewSerializationError(path, "text marshaler failed", err)
		}
		return String(text), nil
	}

	// Fallback Path: reflection for every other Go type.
	return c.convertReflect(reflect.ValueOf(data), path, depth)
}

// fromValue walks an existing Value tree so cycles built out of Mapping and
// Sequence literals are caught as well.
func (c *converter) fromValue(v Value, path string, depth int) (Value, error) {
	switch t := v.(type) {
	case Mapping:
		if t == nil {
			return Null{}, nil
		}
		return c.convertContainer(reflect.ValueOf(t), path, depth, func() (Value, error) {
			out := make(Mapping, len(t))
			for key, item := range t {
				converted, err := c.fromValue(item, joinKey(path, key), depth+1)
				if err != nil {
					return nil, err
				}
				out[key] = converted
			}
			return out, nil
		})
	case Sequence:
		if t == nil {
			return Null{}, nil
		}
		return c.convertContainer(reflect.ValueOf(t), path, depth, func() (Value, error) {
			out := make(Sequence, len(t))
			for i, item := range t {
				converted, err := c.fromValue(item, joinIndex(path, i), depth+1)
				if err != nil {
					return nil, err
				}
				out[i] = converted
			}
			return out, nil
		})
	case nil:
		return Null{}, nil
	default:
		return v, nil
	}
}

// convertContainer guards one container level: depth limit and cycle check
// around the actual conversion in fn.
func (c *converter) convertContainer(rv reflect.Value, path string, depth int, fn func() (Value, error)) (Value, error) {
	if depth >= MaxDepth {
		return nil, jsonlerrors.NewSerializationError(path, fmt.Sprintf("nesting exceeds maximum depth of %d", MaxDepth), nil)
	}
	key, tracked := keyFor(rv)
	if tracked {
		if _, seen := c.onPath[key]; seen {
			return nil, jsonlerrors.NewSerializationError(path, "cyclic reference detected", nil)
		}
		c.onPath[key] = struct{}{}
		defer delete(c.onPath, key)
	}
	return fn()
}

func keyFor(rv reflect.Value) (containerKey, bool) {
	switch rv.Kind() {
	case reflect.Map, reflect.Ptr:
		if rv.IsNil() {
			return containerKey{}, false
		}
		return containerKey{kind: rv.Kind(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		// Empty slices may share a zero-size allocation without referring to each other.
		if rv.IsNil() || rv.Len() == 0 {
			return containerKey{}, false
		}
		return containerKey{kind: reflect.Slice, ptr: rv.Pointer(), n: rv.Len()}, true
	default:
		return containerKey{}, false
	}
}

func (c *converter) convertReflect(rv reflect.Value, path string, depth int) (Value, error) {
	if !rv.IsValid() {
		return Null{}, nil
	}
	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Uint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil

	case reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.convert(rv.Elem().Interface(), path, depth)

	case reflect.Ptr:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.convertContainer(rv, path, depth, func() (Value, error) {
			return c.convert(rv.Elem().Interface(), path, depth+1)
		})

	case reflect.Map:
		if rv.IsNil() {
			return Null{}, nil
		}
		return c.convertContainer(rv, path, depth, func() (Value, error) {
			out := make(Mapping, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				key, err := mapKeyString(iter.Key(), path)
				if err != nil {
					return nil, err
				}
				converted, err := c.convert(iter.Value().Interface(), joinKey(path, key), depth+1)
				if err != nil {
					return nil, err
				}
				out[key] = converted
			}
			return out, nil
		})

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null{}, nil
		}
		// []byte follows encoding/json and becomes base64 text.
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return c.viaJSON(rv.Interface(), path, depth)
		}
		return c.convertContainer(rv, path, depth, func() (Value, error) {
			out := make(Sequence, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				converted, err := c.convert(rv.Index(i).Interface(), joinIndex(path, i), depth+1)
				if err != nil {
					return nil, err
				}
				out[i] = converted
			}
			return out, nil
		})

	case reflect.Struct:
		return c.viaJSON(rv.Interface(), path, depth)

	default:
		return nil, jsonlerrors.NewSerializationError(path, fmt.Sprintf("unsupported type %s", rv.Type()), nil)
	}
}

// viaJSON converts types that know how to encode themselves (structs,
// json.Marshaler implementations) by round-tripping them through encoding/json.
func (c *converter) viaJSON(v interface{}, path string, depth int) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, jsonlerrors.NewSerializationError(path, fmt.Sprintf("cannot encode %T", v), err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, jsonlerrors.NewSerializationError(path, fmt.Sprintf("cannot decode %T", v), err)
	}
	return c.convert(generic, path, depth)
}

func parseJSONNumber(n json.Number, path string) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Int(i), nil
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return Uint(u), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, jsonlerrors.NewSerializationError(path, fmt.Sprintf("invalid number literal %q", string(n)), err)
	}
	return Float(f), nil
}

func mapKeyString(key reflect.Value, path string) (string, error) {
	if tm, ok := key.Interface().(encoding.TextMarshaler); ok {
		text, err := tm.MarshalText()
		if err != nil {
			return "", jsonlerrors.NewSerializationError(path, "map key text marshaler failed", err)
		}
		return string(text), nil
	}
	switch key.Kind() {
	case reflect.String:
		return key.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(key.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(key.Uint(), 10), nil
	default:
		return "", jsonlerrors.NewSerializationError(path, fmt.Sprintf("unsupported map key type %s", key.Type()), nil)
	}
}

// ToAny converts a Value back into plain Go data: nil, bool, int64, uint64,
// float64, string, []interface{} and map[string]interface{}.
func ToAny(v Value) interface{} {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(t)
	case Number:
		switch t.form {
		case formInt:
			return t.i
		case formUint:
			return t.u
		default:
			return t.f
		}
	case String:
		return string(t)
	case Sequence:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ToAny(item)
		}
		return out
	case Mapping:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = ToAny(item)
		}
		return out
	default:
		return nil
	}
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
