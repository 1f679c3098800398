package variant_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/pkg/variant"
)

func TestPrintParseTextRoundTrip(t *testing.T) {
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
		variant.String("it's got a quote"),
		variant.ObjectPath("/a/b"),
		variant.Signature("ai"),
	}

	for _, v := range cases {
		text := variant.Print(v)

		got, err := variant.ParseText(text)
		require.NoError(t, err, "text: %q", text)
		require.True(t, variant.Equal(v, got), "text: %q got: %#v want: %#v", text, got, v)
	}
}

func TestPrintLiterals(t *testing.T) {
	require.Equal(t, "nothing", variant.Print(variant.Null))
	require.Equal(t, "true", variant.Print(variant.Bool(true)))
	require.Equal(t, "int32 5", variant.Print(variant.Int32(5)))
	require.Equal(t, "uint64 42", variant.Print(variant.Uint64(42)))
	require.Equal(t, "double 3.5", variant.Print(variant.Double(3.5)))
	require.Equal(t, "'hello'", variant.Print(variant.String("hello")))
}

func TestParseTextRejectsGarbage(t *testing.T) {
	cases := []string{"", "int32", "notakind 5", "int32 notanumber", "'unterminated"}

	for _, s := range cases {
		_, err := variant.ParseText(s)
		require.Error(t, err, "text: %q", s)
	}
}

func TestPrintPanicsOnComposite(t *testing.T) {
	arr, err := variant.Array(variant.Int32(1))
	require.NoError(t, err)

	require.Panics(t, func() { variant.Print(arr) })
}
