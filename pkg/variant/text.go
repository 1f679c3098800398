package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// kindWord is the keyfile text-format keyword for each scalar Kind, used
// by [Print] and [ParseText] (spec.md §4.7: "key=printed-value").
var kindWord = map[Kind]string{
	KindBool:       "bool",
	KindByte:       "byte",
	KindInt16:      "int16",
	KindInt32:      "int32",
	KindInt64:      "int64",
	KindUint16:     "uint16",
	KindUint32:     "uint32",
	KindUint64:     "uint64",
	KindDouble:     "double",
	KindObjectPath: "objectpath",
	KindSignature:  "signature",
}

var wordKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindWord))
	for k, w := range kindWord {
		m[w] = k
	}

	return m
}()

// Print renders v the way the keyfile writer materializes a value onto
// disk: a type keyword followed by its literal, e.g. "int32 5", except
// for strings and booleans, which print bare ("'hello'", "true") since
// their literal form is already unambiguous. Composite kinds (array,
// tuple, dict-entry, variant) are not supported by the keyfile format and
// panic if passed here; callers should have rejected those keys earlier.
func Print(v Value) string {
	switch v.kind {
	case KindNull:
		return "nothing"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return quoteString(v.s)
	case KindByte, KindInt16, KindInt32, KindInt64, KindUint16, KindUint32, KindUint64, KindDouble, KindObjectPath, KindSignature:
		return kindWord[v.kind] + " " + printLiteral(v)
	default:
		panic(fmt.Sprintf("variant: Print: unsupported kind %v", v.kind))
	}
}

func printLiteral(v Value) string {
	switch v.kind {
	case KindByte:
		return strconv.FormatUint(v.u, 10)
	case KindInt16, KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindUint16, KindUint32, KindUint64:
		return strconv.FormatUint(v.u, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindObjectPath, KindSignature:
		return quoteString(v.s)
	default:
		panic(fmt.Sprintf("variant: printLiteral: unsupported kind %v", v.kind))
	}
}

func quoteString(s string) string {
	var b strings.Builder

	b.WriteByte('\'')

	for _, r := range s {
		switch r {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}

	b.WriteByte('\'')

	return b.String()
}

// ParseText parses a value in the keyfile text format produced by [Print].
// Unparsable or unrecognized input reports an error so the caller (the
// keyfile loader) can skip the entry and report it, per spec.md §4.7
// ("unparsable values are reported and skipped").
func ParseText(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("variant: ParseText: empty value")
	}

	if s == "nothing" {
		return Null, nil
	}

	if s == "true" || s == "false" {
		return Bool(s == "true"), nil
	}

	if strings.HasPrefix(s, "'") {
		str, err := unquoteString(s)
		if err != nil {
			return Value{}, err
		}

		return String(str), nil
	}

	word, lit, ok := strings.Cut(s, " ")
	if !ok {
		return Value{}, fmt.Errorf("variant: ParseText: %q: no type keyword", s)
	}

	kind, ok := wordKind[word]
	if !ok {
		return Value{}, fmt.Errorf("variant: ParseText: %q: unknown type keyword %q", s, word)
	}

	lit = strings.TrimSpace(lit)

	switch kind {
	case KindByte:
		n, err := strconv.ParseUint(lit, 10, 8)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: byte %q: %w", lit, err)
		}

		return Byte(byte(n)), nil
	case KindInt16:
		n, err := strconv.ParseInt(lit, 10, 16)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: int16 %q: %w", lit, err)
		}

		return Int16(int16(n)), nil
	case KindInt32:
		n, err := strconv.ParseInt(lit, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: int32 %q: %w", lit, err)
		}

		return Int32(int32(n)), nil
	case KindInt64:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: int64 %q: %w", lit, err)
		}

		return Int64(n), nil
	case KindUint16:
		n, err := strconv.ParseUint(lit, 10, 16)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: uint16 %q: %w", lit, err)
		}

		return Uint16(uint16(n)), nil
	case KindUint32:
		n, err := strconv.ParseUint(lit, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: uint32 %q: %w", lit, err)
		}

		return Uint32(uint32(n)), nil
	case KindUint64:
		n, err := strconv.ParseUint(lit, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: uint64 %q: %w", lit, err)
		}

		return Uint64(n), nil
	case KindDouble:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Value{}, fmt.Errorf("variant: ParseText: double %q: %w", lit, err)
		}

		return Double(f), nil
	case KindObjectPath:
		str, err := unquoteString(lit)
		if err != nil {
			return Value{}, err
		}

		return ObjectPath(str), nil
	case KindSignature:
		str, err := unquoteString(lit)
		if err != nil {
			return Value{}, err
		}

		return Signature(str), nil
	default:
		return Value{}, fmt.Errorf("variant: ParseText: %q: unsupported type keyword %q", s, word)
	}
}

func unquoteString(s string) (string, error) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", fmt.Errorf("variant: ParseText: %q: missing quotes", s)
	}

	body := s[1 : len(s)-1]

	var b strings.Builder

	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			i++
			b.WriteByte(body[i])

			continue
		}

		b.WriteByte(c)
	}

	return b.String(), nil
}
