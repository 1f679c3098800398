package variant_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/pkg/variant"
)

func TestRoundTrip(t *testing.T) {
	arr, err := variant.Array(variant.Int32(1), variant.Int32(2), variant.Int32(3))
	require.NoError(t, err)

	cases := []variant.Value{
		variant.Null,
		variant.Bool(true),
		variant.Bool(false),
		variant.Byte(0xAB),
		variant.Int16(-7),
		variant.Int32(-70000),
		variant.Int64(-1 << 40),
		variant.Uint16(7),
		variant.Uint32(70000),
		variant.Uint64(1 << 40),
		variant.Double(3.5),
		variant.String("hello/world"),
		variant.ObjectPath("/a/b"),
		variant.Signature("ai"),
		arr,
		variant.Tuple(variant.Int32(1), variant.String("x")),
		variant.DictEntry(variant.String("k"), variant.Int32(9)),
		variant.Wrap(variant.Int32(42)),
	}

	for _, v := range cases {
		buf := variant.Marshal(v)

		got, err := variant.Unmarshal(buf)
		require.NoError(t, err)
		require.True(t, variant.Equal(v, got), "round trip mismatch for %s: got %s", v, got)
	}
}

func TestArrayRejectsMixedKinds(t *testing.T) {
	_, err := variant.Array(variant.Int32(1), variant.String("x"))
	require.Error(t, err)
}

func TestWrapUnwrap(t *testing.T) {
	inner := variant.Int32(5)
	wrapped := variant.Wrap(inner)

	require.Equal(t, variant.KindVariant, wrapped.Kind())
	require.True(t, variant.Equal(inner, wrapped.Unwrap()))

	// Unwrap on a non-variant returns the value itself.
	require.True(t, variant.Equal(inner, inner.Unwrap()))
}

func TestDecodeTruncated(t *testing.T) {
	buf := variant.Marshal(variant.Int64(123))

	_, _, err := variant.Decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, variant.ErrTruncated)
}
