// Package serialize implements the object-wrapping serialization envelope:
// a Serializer interface plus the two concrete implementations exercised
// by this repository's tests, JSON and MessagePack.
//
// The envelope wraps every encoded value in a single-field record so that
// a generic "decode into T" path has a stable shape to target regardless
// of what T is; readers try the wrapped form first and fall back to
// decoding the raw payload as T, supporting data written by a serializer
// (or an older version of this library) that did not wrap.
//
// pkg/utils sketches exactly this shape
// (MarshalEntry/UnmarshalEntry with a pluggable Encoding enum) but leaves
// MessagePack support as an explicit TODO naming
// github.com/vmihailenco/msgpack/v5; MsgPackSerializer below implements
// that TODO.
package serialize

import (
	"reflect"
	"time"
)

// Serializer encodes and decodes values to/from byte blobs, wrapping
// date/time values as tick counts (see tick.go) rather than formatted
// strings so round-trip precision survives independent of the wire
// format's own time handling.
type Serializer interface {
	// Marshal encodes v into the wrapped envelope form.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into a new *T-shaped value, trying the
	// wrapped envelope first and falling back to a raw decode. out must be
	// a pointer.
	Unmarshal(data []byte, out interface{}) error

	// ForcedKind returns the deterministic DateTimeKind override applied to
	// every reconstructed instant, or KindUnset if none is configured.
	ForcedKind() DateTimeKind
}

// DateTimeKind is a forced_date_time_kind override applied to every
// reconstructed instant.
type DateTimeKind int

const (
	// KindUnset means "apply no normalization; return the instant as
	// decoded".
	KindUnset DateTimeKind = iota
	KindUTC
	KindLocal
	// KindUnspecified presents the decoded instant in the local time zone,
	// the same conversion as KindLocal; the instant itself is unchanged.
	KindUnspecified
)

// NormalizeTime applies kind's deterministic conversion to t.
func NormalizeTime(t time.Time, kind DateTimeKind) time.Time {
	switch kind {
	case KindUTC:
		return t.UTC()
	case KindLocal:
		return t.Local()
	case KindUnspecified:
		return t.Local()
	default:
		return t
	}
}

// envelope is the single-field object wrapper every encoded value is
// stored under.
type envelope struct {
	Value interface{} `json:"value" msgpack:"value"`
}

var timeType = reflect.TypeOf(time.Time{})

// wireType returns the shape v's type takes on the wire: identical to t
// except every time.Time, at any depth reachable through structs, pointers,
// slices, arrays and maps, becomes an int64 tick count. The bool result
// reports whether any substitution was necessary; when false, t is returned
// unchanged and callers can skip the copy entirely.
func wireType(t reflect.Type) (reflect.Type, bool) {
	if t == timeType {
		return reflect.TypeOf(int64(0)), true
	}
	switch t.Kind() {
	case reflect.Ptr:
		elem, changed := wireType(t.Elem())
		if !changed {
			return t, false
		}
		return reflect.PtrTo(elem), true
	case reflect.Slice:
		elem, changed := wireType(t.Elem())
		if !changed {
			return t, false
		}
		return reflect.SliceOf(elem), true
	case reflect.Array:
		elem, changed := wireType(t.Elem())
		if !changed {
			return t, false
		}
		return reflect.ArrayOf(t.Len(), elem), true
	case reflect.Map:
		key, keyChanged := wireType(t.Key())
		elem, elemChanged := wireType(t.Elem())
		if !keyChanged && !elemChanged {
			return t, false
		}
		return reflect.MapOf(key, elem), true
	case reflect.Struct:
		return wireStructType(t)
	default:
		return t, false
	}
}

// wireStructType builds the wire-shaped struct type for t, carrying over
// every exported field's name and tag unchanged and only substituting a
// field's type where wireType finds a time.Time underneath it. Unexported
// fields are dropped, matching how encoding/json and msgpack already treat
// them.
func wireStructType(t reflect.Type) (reflect.Type, bool) {
	var fields []reflect.StructField
	changed := false
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		ft, fieldChanged := wireType(f.Type)
		fields = append(fields, reflect.StructField{
			Name:      f.Name,
			Type:      ft,
			Tag:       f.Tag,
			Anonymous: f.Anonymous && !fieldChanged,
		})
		if fieldChanged {
			changed = true
		}
	}
	if !changed {
		return t, false
	}
	return reflect.StructOf(fields), true
}

// toWireValue converts v into its wire-shaped equivalent, ticks-encoding
// every time.Time reachable inside it. Values with no time.Time anywhere
// are returned unchanged.
func toWireValue(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if v.Type() == timeType {
		return reflect.ValueOf(ToTicks(v.Interface().(time.Time)))
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			wt, _ := wireType(v.Type())
			return reflect.Zero(wt)
		}
		inner := toWireValue(v.Elem())
		p := reflect.New(inner.Type())
		p.Elem().Set(inner)
		return p
	case reflect.Slice:
		wt, changed := wireType(v.Type())
		if !changed {
			return v
		}
		if v.IsNil() {
			return reflect.Zero(wt)
		}
		n := v.Len()
		out := reflect.MakeSlice(wt, n, n)
		for i := 0; i < n; i++ {
			out.Index(i).Set(toWireValue(v.Index(i)))
		}
		return out
	case reflect.Array:
		wt, changed := wireType(v.Type())
		if !changed {
			return v
		}
		out := reflect.New(wt).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(toWireValue(v.Index(i)))
		}
		return out
	case reflect.Map:
		wt, changed := wireType(v.Type())
		if !changed {
			return v
		}
		if v.IsNil() {
			return reflect.Zero(wt)
		}
		out := reflect.MakeMapWithSize(wt, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(toWireValue(iter.Key()), toWireValue(iter.Value()))
		}
		return out
	case reflect.Struct:
		_, changed := wireType(v.Type())
		if !changed {
			return v
		}
		wt, _ := wireType(v.Type())
		out := reflect.New(wt).Elem()
		t := v.Type()
		wi := 0
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue
			}
			out.Field(wi).Set(toWireValue(v.Field(i)))
			wi++
		}
		return out
	default:
		return v
	}
}

// toWireInterface is toWireValue for an interface{}-typed value, as Marshal
// receives it.
func toWireInterface(v interface{}) interface{} {
	if v == nil {
		return v
	}
	return toWireValue(reflect.ValueOf(v)).Interface()
}

// fromWireValue is toWireValue's inverse: wv holds data decoded into
// origType's wire shape, and the result reconstructs origType, converting
// every tick count back into a time.Time normalized to kind.
func fromWireValue(wv reflect.Value, origType reflect.Type, kind DateTimeKind) reflect.Value {
	if origType == timeType {
		return reflect.ValueOf(NormalizeTime(FromTicks(wv.Interface().(int64)), kind))
	}
	switch origType.Kind() {
	case reflect.Ptr:
		if wv.IsNil() {
			return reflect.Zero(origType)
		}
		inner := fromWireValue(wv.Elem(), origType.Elem(), kind)
		p := reflect.New(origType.Elem())
		p.Elem().Set(inner)
		return p
	case reflect.Slice:
		if wv.IsNil() {
			return reflect.Zero(origType)
		}
		n := wv.Len()
		out := reflect.MakeSlice(origType, n, n)
		for i := 0; i < n; i++ {
			out.Index(i).Set(fromWireValue(wv.Index(i), origType.Elem(), kind))
		}
		return out
	case reflect.Array:
		out := reflect.New(origType).Elem()
		for i := 0; i < wv.Len(); i++ {
			out.Index(i).Set(fromWireValue(wv.Index(i), origType.Elem(), kind))
		}
		return out
	case reflect.Map:
		if wv.IsNil() {
			return reflect.Zero(origType)
		}
		out := reflect.MakeMapWithSize(origType, wv.Len())
		iter := wv.MapRange()
		for iter.Next() {
			out.SetMapIndex(fromWireValue(iter.Key(), origType.Key(), kind), fromWireValue(iter.Value(), origType.Elem(), kind))
		}
		return out
	case reflect.Struct:
		_, changed := wireType(origType)
		if !changed {
			return wv
		}
		out := reflect.New(origType).Elem()
		wi := 0
		for i := 0; i < origType.NumField(); i++ {
			f := origType.Field(i)
			if f.PkgPath != "" {
				continue
			}
			out.Field(i).Set(fromWireValue(wv.Field(wi), f.Type, kind))
			wi++
		}
		return out
	default:
		return wv
	}
}
