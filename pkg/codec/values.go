package codec

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const registeredPrefix = "type:"

// ErrUnknownType is returned when a blob names a type that is not registered,
// or a value has a type the codec cannot store.
var ErrUnknownType = errors.New("codec: unknown value type")

type typedValue struct {
	T string             `json:"t"`
	D stdjson.RawMessage `json:"d,omitempty"`
}

// TypeRegistry maps stable names to Go types for struct values. Names are
// what gets persisted, so renaming a Go type does not orphan stored rows.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates name with the dynamic type of prototype, which may be a
// struct value or a pointer to one.
func (r *TypeRegistry) Register(name string, prototype any) error {
	if name == "" {
		return fmt.Errorf("codec: type name is required")
	}
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("codec: cannot register nil prototype for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("codec: name %q already registered for %s", name, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// MustRegister is Register that panics on error, for package init blocks.
func (r *TypeRegistry) MustRegister(name string, prototype any) {
	if err := r.Register(name, prototype); err != nil {
		panic(err)
	}
}

// Names returns the registered names.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

func (r *TypeRegistry) nameOf(v any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[reflect.TypeOf(v)]
	return name, ok
}

func (r *TypeRegistry) decode(name string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	if t.Kind() == reflect.Ptr {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

func tagged(tag string, v any) (typedValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return typedValue{}, err
	}
	return typedValue{T: tag, D: raw}, nil
}

func (c *Codec) encodeValue(v any, allowStructs bool) (typedValue, error) {
	switch x := v.(type) {
	case nil:
		return typedValue{T: "nil"}, nil
	case string:
		return tagged("string", x)
	case bool:
		return tagged("bool", x)
	case int:
		return tagged("int", x)
	case int32:
		return tagged("int32", x)
	case int64:
		return tagged("int64", x)
	case uint:
		return tagged("uint", x)
	case uint64:
		return tagged("uint64", x)
	case float32:
		return tagged("float32", x)
	case float64:
		return tagged("float64", x)
	case []byte:
		return tagged("bytes", x)
	case stdjson.RawMessage:
		if !json.Valid(x) {
			return typedValue{}, fmt.Errorf("codec: invalid raw JSON")
		}
		return typedValue{T: "json", D: x}, nil
	case time.Time:
		return tagged("time", x.Format(time.RFC3339Nano))
	case time.Duration:
		return tagged("duration", int64(x))
	case []string:
		return tagged("strings", x)
	case map[string]any:
		inner := make(map[string]typedValue, len(x))
		for k, item := range x {
			tv, err := c.encodeValue(item, allowStructs)
			if err != nil {
				return typedValue{}, fmt.Errorf("%s: %w", k, err)
			}
			inner[k] = tv
		}
		return tagged("map", inner)
	case []any:
		inner := make([]typedValue, 0, len(x))
		for i, item := range x {
			tv, err := c.encodeValue(item, allowStructs)
			if err != nil {
				return typedValue{}, fmt.Errorf("[%d]: %w", i, err)
			}
			inner = append(inner, tv)
		}
		return tagged("list", inner)
	}

	name, ok := c.registry.nameOf(v)
	if !ok {
		return typedValue{}, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}
	if !allowStructs {
		return typedValue{}, fmt.Errorf("codec: serialized value of type %s not allowed here", name)
	}
	return tagged(registeredPrefix+name, v)
}

func (c *Codec) decodeValue(tv typedValue) (any, error) {
	switch tv.T {
	case "nil":
		return nil, nil
	case "string":
		var s string
		return s, json.Unmarshal(tv.D, &s)
	case "bool":
		var b bool
		return b, json.Unmarshal(tv.D, &b)
	case "int":
		var n int
		return n, json.Unmarshal(tv.D, &n)
	case "int32":
		var n int32
		return n, json.Unmarshal(tv.D, &n)
	case "int64":
		var n int64
		return n, json.Unmarshal(tv.D, &n)
	case "uint":
		var n uint
		return n, json.Unmarshal(tv.D, &n)
	case "uint64":
		var n uint64
		return n, json.Unmarshal(tv.D, &n)
	case "float32":
		var f float32
		return f, json.Unmarshal(tv.D, &f)
	case "float64":
		var f float64
		return f, json.Unmarshal(tv.D, &f)
	case "bytes":
		var b []byte
		return b, json.Unmarshal(tv.D, &b)
	case "json":
		return stdjson.RawMessage(append([]byte(nil), tv.D...)), nil
	case "time":
		var s string
		if err := json.Unmarshal(tv.D, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "duration":
		var n int64
		if err := json.Unmarshal(tv.D, &n); err != nil {
			return nil, err
		}
		return time.Duration(n), nil
	case "strings":
		var s []string
		return s, json.Unmarshal(tv.D, &s)
	case "map":
		var inner map[string]typedValue
		if err := json.Unmarshal(tv.D, &inner); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(inner))
		for k, item := range inner {
			v, err := c.decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	case "list":
		var inner []typedValue
		if err := json.Unmarshal(tv.D, &inner); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(inner))
		for i, item := range inner {
			v, err := c.decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	}

	if name, ok := strings.CutPrefix(tv.T, registeredPrefix); ok {
		return c.registry.decode(name, tv.D)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, tv.T)
}
