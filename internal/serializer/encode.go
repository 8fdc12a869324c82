package serializer

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// checker walks a Value tree before it is handed to encoding/json. It tracks
// the containers on the current path so a self-referential payload fails with
// the path where the cycle closes instead of recursing.
type checker struct {
	maxDepth int
	onPath   map[containerID]struct{}
}

// containerID identifies a container on the current path. Sequences carry
// their length because a shorter slice of a parent shares its data pointer.
type containerID struct {
	kind value.Kind
	ptr  uintptr
	n    int
}

func newChecker(maxDepth int) *checker {
	if maxDepth <= 0 {
		maxDepth = value.MaxDepth
	}
	return &checker{maxDepth: maxDepth, onPath: make(map[containerID]struct{})}
}

// check fails with a *errors.SerializationError on cycles, on nesting of
// maxDepth containers or more, and on non-finite numbers. The depth of the
// outermost container is 0, as in value.FromAny.
func (c *checker) check(v value.Value, path string, depth int) error {
	switch t := v.(type) {
	case nil, value.Null, value.Bool, value.String:
		return nil
	case value.Number:
		if !t.IsFinite() {
			return jsonlerrors.NewSerializationError(path, "non-finite number "+t.String(), nil)
		}
		return nil
	case value.Mapping:
		var id containerID
		if len(t) > 0 {
			id = containerID{kind: value.KindMapping, ptr: reflect.ValueOf(t).Pointer()}
		}
		leave, err := c.enter(id, path, depth)
		if err != nil {
			return err
		}
		defer leave()
		for _, k := range t.Keys() {
			if err := c.check(t[k], joinKey(path, k), depth+1); err != nil {
				return err
			}
		}
		return nil
	case value.Sequence:
		var id containerID
		if len(t) > 0 {
			id = containerID{kind: value.KindSequence, ptr: reflect.ValueOf(t).Pointer(), n: len(t)}
		}
		leave, err := c.enter(id, path, depth)
		if err != nil {
			return err
		}
		defer leave()
		for i, item := range t {
			if err := c.check(item, path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return jsonlerrors.NewSerializationError(path, "unsupported value type "+reflect.TypeOf(v).String(), nil)
	}
}

// enter registers a container on the current path. The returned func
// unregisters it.
func (c *checker) enter(id containerID, path string, depth int) (func(), error) {
	if depth >= c.maxDepth {
		return nil, jsonlerrors.NewSerializationError(path, "nesting exceeds maximum depth "+strconv.Itoa(c.maxDepth), nil)
	}
	if id.ptr == 0 {
		return func() {}, nil
	}
	if _, seen := c.onPath[id]; seen {
		return nil, jsonlerrors.NewSerializationError(path, "cyclic reference detected", nil)
	}
	c.onPath[id] = struct{}{}
	return func() { delete(c.onPath, id) }, nil
}

// encodeLine writes v as one compact JSON object followed by '\n'. HTML
// characters are left alone; these lines go to log consumers, not browsers.
func encodeLine(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, jsonlerrors.NewSerializationError("", "encode record", err)
	}
	return buf.Bytes(), nil
}

// EncodeValue returns the compact JSON encoding of v with mapping keys sorted.
// It fails with a *errors.SerializationError on cycles, excessive depth and
// non-finite numbers.
func EncodeValue(v value.Value) ([]byte, error) {
	if err := newChecker(value.MaxDepth).check(v, "", 0); err != nil {
		return nil, err
	}
	if v == nil {
		v = value.Null{}
	}
	data, err := encodeLine(v)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(data, []byte("\n")), nil
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
