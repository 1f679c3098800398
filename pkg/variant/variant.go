// Package variant implements the tagged-union value type stored at every
// key in a confd database. Every non-null stored value is wrapped in a
// variant so that readers can recover its type without a schema (spec.md
// §3 "Value").
package variant

import (
	"bytes"
	"fmt"
	"math"
)

// Kind identifies the concrete type carried by a [Value].
type Kind uint8

const (
	// KindNull represents the absence of a value ("reset").
	KindNull Kind = iota
	KindBool
	KindByte
	KindInt16
	KindInt32
	KindInt64
	KindUint16
	KindUint32
	KindUint64
	KindDouble
	KindString
	KindObjectPath
	KindSignature
	KindArray
	KindTuple
	KindDictEntry
	// KindVariant is the recursive wrapper: a variant holding another
	// variant. Values built by this package's constructors are not
	// pre-wrapped; wrapping happens at the storage boundary (mapfile)
	// per spec.md §3 ("Stored values are always wrapped in a variant").
	KindVariant
)

// Value is an opaque tagged-union value. The zero Value is KindNull.
type Value struct {
	kind Kind

	b bool
	i int64
	u uint64
	f float64
	s string

	// elems holds Array/Tuple elements, or the single wrapped element for
	// KindVariant, or [key, val] for KindDictEntry.
	elems []Value
}

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v represents "absent" (spec.md §3).
func (v Value) IsNull() bool { return v.kind == KindNull }

// Null is the "absent" value, used by change-sets to encode resets.
var Null = Value{kind: KindNull}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Byte(n byte) Value { return Value{kind: KindByte, u: uint64(n)} }
func Int16(n int16) Value { return Value{kind: KindInt16, i: int64(n)} }
func Int32(n int32) Value { return Value{kind: KindInt32, i: int64(n)} }
func Int64(n int64) Value { return Value{kind: KindInt64, i: n} }
func Uint16(n uint16) Value { return Value{kind: KindUint16, u: uint64(n)} }
func Uint32(n uint32) Value { return Value{kind: KindUint32, u: uint64(n)} }
func Uint64(n uint64) Value { return Value{kind: KindUint64, u: n} }
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func ObjectPath(s string) Value { return Value{kind: KindObjectPath, s: s} }
func Signature(s string) Value { return Value{kind: KindSignature, s: s} }

// Array builds an array value. All elements must share the same Kind;
// Array returns an error instead if they diverge to keep the invariant
// total over constructed values rather than discovered at use time.
func Array(elems ...Value) (Value, error) {
	if err := checkHomogeneous(elems); err != nil {
		return Value{}, fmt.Errorf("variant.Array: %w", err)
	}

	return Value{kind: KindArray, elems: append([]Value(nil), elems...)}, nil
}

// Tuple builds a tuple value (heterogeneous, unlike Array).
func Tuple(elems ...Value) Value {
	return Value{kind: KindTuple, elems: append([]Value(nil), elems...)}
}

// DictEntry builds a dict-entry value (key, val).
func DictEntry(key, val Value) Value {
	return Value{kind: KindDictEntry, elems: []Value{key, val}}
}

// Wrap returns a KindVariant value wrapping v. Stored values are always
// variant-wrapped (spec.md §3); callers that hand a Value to the map-file
// layer don't need to call Wrap themselves — that layer wraps on the way
// in and unwraps on the way out. The change-set layer stores values as
// given.
func Wrap(v Value) Value {
	return Value{kind: KindVariant, elems: []Value{v}}
}

// Unwrap returns the value held by a KindVariant, or v itself if v is not
// a variant wrapper.
func (v Value) Unwrap() Value {
	if v.kind == KindVariant && len(v.elems) == 1 {
		return v.elems[0]
	}

	return v
}

func checkHomogeneous(elems []Value) error {
	if len(elems) == 0 {
		return nil
	}

	want := elems[0].kind
	for _, e := range elems[1:] {
		if e.kind != want {
			return fmt.Errorf("mixed element kinds %v and %v", want, e.kind)
		}
	}

	return nil
}

// AsBool, AsInt64, etc. are accessors. They panic if Kind doesn't match,
// mirroring the teacher's "trust internal invariants" style: callers that
// don't know the stored Kind should switch on [Value.Kind] first.
func (v Value) AsBool() bool { v.mustBe(KindBool); return v.b }
func (v Value) AsByte() byte { v.mustBe(KindByte); return byte(v.u) }
func (v Value) AsInt16() int16 { v.mustBe(KindInt16); return int16(v.i) }
func (v Value) AsInt32() int32 { v.mustBe(KindInt32); return int32(v.i) }
func (v Value) AsInt64() int64 { v.mustBe(KindInt64); return v.i }
func (v Value) AsUint16() uint16 { v.mustBe(KindUint16); return uint16(v.u) }
func (v Value) AsUint32() uint32 { v.mustBe(KindUint32); return uint32(v.u) }
func (v Value) AsUint64() uint64 { v.mustBe(KindUint64); return v.u }
func (v Value) AsDouble() float64 { v.mustBe(KindDouble); return v.f }
func (v Value) AsString() string { v.mustBeAny(KindString, KindObjectPath, KindSignature); return v.s }

// Elems returns the child values of an Array, Tuple, or DictEntry ([key,val]).
func (v Value) Elems() []Value { return v.elems }

func (v Value) mustBe(k Kind) {
	if v.kind != k {
		panic(fmt.Sprintf("variant: value is %v, not %v", v.kind, k))
	}
}

func (v Value) mustBeAny(ks ...Kind) {
	for _, k := range ks {
		if v.kind == k {
			return
		}
	}

	panic(fmt.Sprintf("variant: value is %v, want one of %v", v.kind, ks))
}

// Equal reports whether v and other are semantically identical. Defined as
// a method (not just the [Equal] function) so packages comparing
// [Value]-bearing structures with go-cmp pick it up automatically instead
// of panicking on Value's unexported fields.
func (v Value) Equal(other Value) bool { return Equal(v, other) }

// Equal reports whether a and b are semantically identical, recursing into
// arrays/tuples/dict-entries/variants.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}

	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindByte, KindUint16, KindUint32, KindUint64:
		return a.u == b.u
	case KindInt16, KindInt32, KindInt64:
		return a.i == b.i
	case KindDouble:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case KindString, KindObjectPath, KindSignature:
		return a.s == b.s
	case KindArray, KindTuple, KindDictEntry, KindVariant:
		if len(a.elems) != len(b.elems) {
			return false
		}

		for i := range a.elems {
			if !Equal(a.elems[i], b.elems[i]) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// String renders a debug representation. Not intended for pretty-printing
// to end users (spec.md §1 puts textual value pretty-printing out of scope).
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindByte:
		return fmt.Sprintf("byte(%d)", v.u)
	case KindInt16:
		return fmt.Sprintf("int16(%d)", v.i)
	case KindInt32:
		return fmt.Sprintf("int32(%d)", v.i)
	case KindInt64:
		return fmt.Sprintf("int64(%d)", v.i)
	case KindUint16:
		return fmt.Sprintf("uint16(%d)", v.u)
	case KindUint32:
		return fmt.Sprintf("uint32(%d)", v.u)
	case KindUint64:
		return fmt.Sprintf("uint64(%d)", v.u)
	case KindDouble:
		return fmt.Sprintf("double(%v)", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindObjectPath:
		return fmt.Sprintf("objectpath(%q)", v.s)
	case KindSignature:
		return fmt.Sprintf("signature(%q)", v.s)
	case KindVariant:
		return fmt.Sprintf("variant(%s)", v.elems[0])
	case KindArray:
		return fmt.Sprintf("array%s", formatElems(v.elems))
	case KindTuple:
		return fmt.Sprintf("tuple%s", formatElems(v.elems))
	case KindDictEntry:
		return fmt.Sprintf("{%s: %s}", v.elems[0], v.elems[1])
	default:
		return "<invalid>"
	}
}

func formatElems(elems []Value) string {
	var buf bytes.Buffer

	buf.WriteByte('(')

	for i, e := range elems {
		if i > 0 {
			buf.WriteString(", ")
		}

		buf.WriteString(e.String())
	}

	buf.WriteByte(')')

	return buf.String()
}
