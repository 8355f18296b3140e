package serde

import (
	"encoding"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Encode converts v to its wire form.
func (r *Registry) Encode(v any) (json.RawMessage, error) {
	rv := reflect.ValueOf(v)
	if rv.IsValid() && !rv.CanAddr() {
		cp := reflect.New(rv.Type()).Elem()
		cp.Set(rv)
		rv = cp
	}
	plain, err := r.toWire(rv)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return nil, &Error{Kind: KindUnsupported, Type: typeName(reflect.TypeOf(v)), Err: err}
	}
	return b, nil
}

func (r *Registry) envelope(e *entry, rv reflect.Value) (any, error) {
	data, err := e.serialize(rv.Interface())
	if err != nil {
		return nil, &Error{Kind: KindUnsupported, Type: typeName(rv.Type()), Tag: e.identity, Err: err}
	}
	wire, err := r.toWire(reflect.ValueOf(data))
	if err != nil {
		return nil, err
	}
	return map[string]any{TagKey: e.identity, DataKey: wire}, nil
}

func (r *Registry) toWire(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if e := r.lookupType(rv.Type()); e != nil {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		return r.envelope(e, rv)
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return r.toWire(rv.Elem())
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return r.toWire(rv.Elem())
	}

	if implementsMarshaler(rv.Type()) {
		return rv.Interface(), nil
	}
	if rv.CanAddr() && implementsMarshaler(reflect.PointerTo(rv.Type())) {
		return rv.Addr().Interface(), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		return r.listToWire(rv)
	case reflect.Array:
		return r.listToWire(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		return r.mapToWire(rv)
	case reflect.Struct:
		if reflect.PointerTo(rv.Type()).NumMethod() > 0 {
			return nil, &Error{Kind: KindUnregisteredType, Type: typeName(rv.Type())}
		}
		return r.structToWire(rv)
	default:
		return nil, &Error{Kind: KindUnsupported, Type: typeName(rv.Type())}
	}
}

func (r *Registry) listToWire(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		v, err := r.toWire(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *Registry) mapToWire(rv reflect.Value) (any, error) {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := mapKeyString(iter.Key())
		if err != nil {
			return nil, err
		}
		v, err := r.toWire(iter.Value())
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func mapKeyString(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", &Error{Kind: KindUnsupported, Type: "map key " + typeName(k.Type())}
}

func (r *Registry) structToWire(rv reflect.Value) (any, error) {
	fields := structFields(rv.Type())
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		fv := rv.FieldByIndex(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		v, err := r.toWire(fv)
		if err != nil {
			return nil, err
		}
		out[f.name] = v
	}
	return out, nil
}

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []field

// structFields lists the exported fields of t by their JSON names.
// Untagged embedded structs are flattened.
func structFields(t reflect.Type) []field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]field)
	}

	var out []field
	for i := range t.NumField() {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			for _, inner := range structFields(sf.Type) {
				inner.index = append([]int{i}, inner.index...)
				out = append(out, inner)
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		out = append(out, field{
			name:      name,
			index:     []int{i},
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}

	fieldCache.Store(t, out)
	return out
}

func implementsMarshaler(t reflect.Type) bool {
	return t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
