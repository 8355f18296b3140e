package serde

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

var (
	jsonUnmarshalerType = reflect.TypeFor[json.Unmarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// Decode converts wire data back into Go values without a target type.
// Envelopes are rehydrated into their registered types; everything else
// becomes map[string]any, []any, string, bool, int64, float64 or nil.
func (r *Registry) Decode(data json.RawMessage) (any, error) {
	generic, err := parseGeneric(data)
	if err != nil {
		return nil, err
	}
	return r.fromGeneric(generic)
}

// DecodeInto decodes data into the value pointed to by dst.
func (r *Registry) DecodeInto(data json.RawMessage, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("serde: decode target must be a non-nil pointer, got %T", dst)
	}
	generic, err := parseGeneric(data)
	if err != nil {
		return err
	}
	return r.assign(generic, rv.Elem())
}

// DecodeAs decodes data into a new value of type T.
func DecodeAs[T any](r *Registry, data json.RawMessage) (T, error) {
	var v T
	err := r.DecodeInto(data, &v)
	return v, err
}

func parseGeneric(data json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("serde: malformed wire data: %w", err)
	}
	return v, nil
}

func asEnvelope(m map[string]any) (string, any, bool) {
	if len(m) != 2 {
		return "", nil, false
	}
	tag, ok := m[TagKey].(string)
	if !ok {
		return "", nil, false
	}
	data, ok := m[DataKey]
	return tag, data, ok
}

func (r *Registry) rehydrate(tag string, data any) (any, error) {
	e := r.lookupTag(tag)
	if e == nil {
		return nil, &Error{Kind: KindUnknownType, Tag: tag}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &Error{Kind: KindMismatch, Tag: tag, Type: typeName(e.typ), Err: err}
	}
	v, err := e.deserialize(raw)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &Error{Kind: KindMismatch, Tag: tag, Type: typeName(e.typ), Err: err}
	}
	return v, nil
}

func (r *Registry) fromGeneric(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if tag, data, ok := asEnvelope(x); ok {
			return r.rehydrate(tag, data)
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			d, err := r.fromGeneric(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			d, err := r.fromGeneric(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	default:
		return x, nil
	}
}

func mismatch(t reflect.Type, v any) error {
	return &Error{Kind: KindMismatch, Type: typeName(t), Err: fmt.Errorf("cannot assign %T", v)}
}

func (r *Registry) assign(v any, target reflect.Value) error {
	t := target.Type()
	if v == nil {
		target.SetZero()
		return nil
	}

	if m, ok := v.(map[string]any); ok {
		if tag, data, ok := asEnvelope(m); ok {
			val, err := r.rehydrate(tag, data)
			if err != nil {
				return err
			}
			return setRehydrated(target, val, tag)
		}
	}
	if e := r.lookupType(t); e != nil {
		return &Error{Kind: KindMismatch, Type: typeName(t), Err: fmt.Errorf("expected %q envelope", e.identity)}
	}

	switch t.Kind() {
	case reflect.Pointer:
		if target.IsNil() {
			target.Set(reflect.New(t.Elem()))
		}
		return r.assign(v, target.Elem())
	case reflect.Interface:
		val, err := r.fromGeneric(v)
		if err != nil {
			return err
		}
		if val == nil {
			target.SetZero()
			return nil
		}
		rv := reflect.ValueOf(val)
		if !rv.Type().AssignableTo(t) {
			return mismatch(t, val)
		}
		target.Set(rv)
		return nil
	}

	if target.CanAddr() {
		pt := reflect.PointerTo(t)
		if pt.Implements(jsonUnmarshalerType) || pt.Implements(textUnmarshalerType) {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, target.Addr().Interface()); err != nil {
				return &Error{Kind: KindMismatch, Type: typeName(t), Err: err}
			}
			return nil
		}
	}

	switch t.Kind() {
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(t, v)
		}
		target.SetBool(b)
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return mismatch(t, v)
		}
		target.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(json.Number)
		if !ok {
			return mismatch(t, v)
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil || target.OverflowInt(i) {
			return mismatch(t, v)
		}
		target.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := v.(json.Number)
		if !ok {
			return mismatch(t, v)
		}
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil || target.OverflowUint(u) {
			return mismatch(t, v)
		}
		target.SetUint(u)
	case reflect.Float32, reflect.Float64:
		n, ok := v.(json.Number)
		if !ok {
			return mismatch(t, v)
		}
		f, err := n.Float64()
		if err != nil || target.OverflowFloat(f) {
			return mismatch(t, v)
		}
		target.SetFloat(f)
	case reflect.Slice:
		arr, ok := v.([]any)
		if !ok {
			return mismatch(t, v)
		}
		s := reflect.MakeSlice(t, len(arr), len(arr))
		for i, e := range arr {
			if err := r.assign(e, s.Index(i)); err != nil {
				return err
			}
		}
		target.Set(s)
	case reflect.Array:
		arr, ok := v.([]any)
		if !ok {
			return mismatch(t, v)
		}
		for i := 0; i < t.Len() && i < len(arr); i++ {
			if err := r.assign(arr[i], target.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(t, v)
		}
		out := reflect.MakeMapWithSize(t, len(m))
		for k, e := range m {
			key, err := parseMapKey(t.Key(), k)
			if err != nil {
				return err
			}
			elem := reflect.New(t.Elem()).Elem()
			if err := r.assign(e, elem); err != nil {
				return err
			}
			out.SetMapIndex(key, elem)
		}
		target.Set(out)
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(t, v)
		}
		for _, f := range structFields(t) {
			e, ok := m[f.name]
			if !ok {
				continue
			}
			if err := r.assign(e, target.FieldByIndex(f.index)); err != nil {
				return err
			}
		}
	default:
		return &Error{Kind: KindUnsupported, Type: typeName(t)}
	}
	return nil
}

func setRehydrated(target reflect.Value, val any, tag string) error {
	t := target.Type()
	rv := reflect.ValueOf(val)
	switch {
	case !rv.IsValid():
		target.SetZero()
	case rv.Type().AssignableTo(t):
		target.Set(rv)
	case t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(rv)
		target.Set(p)
	case rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Type().AssignableTo(t):
		target.Set(rv.Elem())
	default:
		return &Error{Kind: KindMismatch, Type: typeName(t), Tag: tag,
			Err: fmt.Errorf("envelope holds %T", val)}
	}
	return nil
}

func parseMapKey(t reflect.Type, k string) (reflect.Value, error) {
	key := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		key.SetString(k)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(k, 10, 64)
		if err != nil || key.OverflowInt(i) {
			return key, mismatch(t, k)
		}
		key.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(k, 10, 64)
		if err != nil || key.OverflowUint(u) {
			return key, mismatch(t, k)
		}
		key.SetUint(u)
	default:
		return key, &Error{Kind: KindUnsupported, Type: "map key " + typeName(t)}
	}
	return key, nil
}
