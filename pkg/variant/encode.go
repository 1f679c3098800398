package variant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode appends the wire encoding of v to dst and returns the extended
// slice. The format is a simple tag-prefixed self-describing encoding
// (grounded in the teacher's style of explicit little-endian binary
// headers, e.g. pkg/slotcache's header layout), not a GVariant-compatible
// byte format — callers on both ends of the wire are this package.
func Encode(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.kind))

	switch v.kind {
	case KindNull:
		// No payload.
	case KindBool:
		if v.b {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindByte:
		dst = append(dst, byte(v.u))
	case KindInt16:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v.i)))
	case KindInt32:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(v.i)))
	case KindInt64:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(v.i))
	case KindUint16:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v.u))
	case KindUint32:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v.u))
	case KindUint64:
		dst = binary.LittleEndian.AppendUint64(dst, v.u)
	case KindDouble:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f))
	case KindString, KindObjectPath, KindSignature:
		dst = appendString(dst, v.s)
	case KindArray, KindTuple:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.elems)))
		for _, e := range v.elems {
			dst = Encode(dst, e)
		}
	case KindDictEntry:
		dst = Encode(dst, v.elems[0])
		dst = Encode(dst, v.elems[1])
	case KindVariant:
		dst = Encode(dst, v.elems[0])
	default:
		panic(fmt.Sprintf("variant: Encode: unknown kind %d", v.kind))
	}

	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
	dst = append(dst, s...)

	return dst
}

// Marshal is a convenience wrapper around Encode for a fresh buffer.
func Marshal(v Value) []byte {
	return Encode(nil, v)
}
