// Package record defines the self-describing data unit exchanged with plugins.
//
// A Record maps string keys to tagged Values. Values carry their own kind so
// they can cross the native and scripted boundaries without either side
// assuming the other's container types.
package record

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Kind enumerates the tags a Value can carry.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
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
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    Record
}

// Record is a mapping from string key to tagged value, equivalent to a JSON object.
type Record map[string]Value

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number. All numbers are carried as float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps an ordered sequence of values.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, l: items}
}

// Map wraps a nested record.
func Map(r Record) Value {
	if r == nil {
		r = Record{}
	}
	return Value{kind: KindMap, m: r}
}

// Kind reports the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload and whether the value is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload and whether the value is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload and whether the value is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list payload and whether the value is a list.
func (v Value) AsList() ([]Value, bool) { return v.l, v.kind == KindList }

// AsMap returns the nested record and whether the value is a map.
func (v Value) AsMap() (Record, bool) { return v.m, v.kind == KindMap }

// Native converts the value into plain Go types: nil, bool, float64, string,
// []any and map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.l))
		for i, item := range v.l {
			out[i] = item.Native()
		}
		return out
	case KindMap:
		return v.m.Native()
	default:
		return nil
	}
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.l))
		for i, item := range v.l {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, l: items}
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	default:
		return v
	}
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindList:
		if len(v.l) != len(other.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(other.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(other.m)
	}
	return false
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Native())
}

// FromNative converts plain Go data into a Value. Integer and float types of
// every width become numbers; maps must be keyed by strings.
func FromNative(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Record:
		return Map(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case time.Time:
		return String(t.Format(time.RFC3339Nano)), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			converted, err := FromNative(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = converted
		}
		return List(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return List(items...), nil
	case map[string]any:
		rec, err := FromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Map(rec), nil
	case map[any]any:
		rec := make(Record, len(t))
		for key, item := range t {
			name, ok := key.(string)
			if !ok {
				return Value{}, fmt.Errorf("map key %v is %T, want string", key, key)
			}
			converted, err := FromNative(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", name, err)
			}
			rec[name] = converted
		}
		return Map(rec), nil
	}

	return fromReflect(reflect.ValueOf(in))
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			converted, err := FromNative(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = converted
		}
		return List(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		rec := make(Record, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			converted, err := FromNative(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			rec[iter.Key().String()] = converted
		}
		return Map(rec), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromNative(rv.Elem().Interface())
	}
	return Value{}, fmt.Errorf("unsupported value type %s", rv.Type())
}

// FromMap converts a plain map into a Record.
func FromMap(in map[string]any) (Record, error) {
	rec := make(Record, len(in))
	for key, item := range in {
		converted, err := FromNative(item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		rec[key] = converted
	}
	return rec, nil
}

// MustFromMap is FromMap for literals known to be convertible.
func MustFromMap(in map[string]any) Record {
	rec, err := FromMap(in)
	if err != nil {
		panic(err)
	}
	return rec
}

// Native converts the record into map[string]any.
func (r Record) Native() map[string]any {
	out := make(map[string]any, len(r))
	for key, item := range r {
		out[key] = item.Native()
	}
	return out
}

// Clone returns a deep copy of the record. A nil record clones to an empty one.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for key, item := range r {
		out[key] = item.Clone()
	}
	return out
}

// Equal reports deep equality of two records.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for key, item := range r {
		candidate, ok := other[key]
		if !ok || !item.Equal(candidate) {
			return false
		}
	}
	return true
}

// Keys returns the record's keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the string stored under key, if any.
func (r Record) GetString(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// GetBool returns the bool stored under key, if any.
func (r Record) GetBool(key string) (bool, bool) {
	v, ok := r[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// GetNumber returns the number stored under key, if any.
func (r Record) GetNumber(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// GetInt returns the number stored under key truncated to an int. Non-integral
// numbers are rejected.
func (r Record) GetInt(key string) (int, bool) {
	n, ok := r.GetNumber(key)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	return int(n), true
}

// Merge returns a copy of base overlaid with the keys of overlay.
func Merge(base, overlay Record) Record {
	out := base.Clone()
	for key, item := range overlay {
		out[key] = item.Clone()
	}
	return out
}
