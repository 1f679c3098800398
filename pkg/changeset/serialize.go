package changeset

import (
	"encoding/binary"
	"fmt"

	"github.com/confdb/confd/internal/pathutil"
	"github.com/confdb/confd/pkg/variant"
)

// Serialize encodes s for transfer across the RPC transport: an entry
// count followed by (path, has-value, [encoded value]) tuples. The format
// mirrors dconf's "a{smv}" wire type (a dictionary from string to maybe-
// variant) without depending on GVariant itself.
func Serialize(s *Set) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(s.table)))

	for path, value := range s.table {
		buf = appendString(buf, path)

		if value == nil {
			buf = append(buf, 0)

			continue
		}

		buf = append(buf, 1)
		buf = variant.Encode(buf, *value)
	}

	return buf
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))

	return append(dst, s...)
}

// Deserialize decodes a Set previously produced by [Serialize]. Entries
// whose path fails [pathutil.IsPath], or whose value is present but path
// is not a key, are silently dropped, mirroring dconf_changeset_deserialise's
// tolerance of malformed input from an untrusted peer.
func Deserialize(buf []byte) (*Set, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("changeset: truncated header")
	}

	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	s := New()

	for range count {
		path, n, err := readString(buf)
		if err != nil {
			return nil, err
		}

		buf = buf[n:]

		if len(buf) < 1 {
			return nil, fmt.Errorf("changeset: truncated entry tag")
		}

		hasValue := buf[0] != 0
		buf = buf[1:]

		if !hasValue {
			if pathutil.IsPath(path) {
				s.table[path] = nil
			}

			continue
		}

		value, n, err := variant.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("changeset: decoding value for %q: %w", path, err)
		}

		buf = buf[n:]

		if pathutil.IsKey(path) {
			v := value
			s.table[path] = &v
		}
	}

	return s, nil
}

func readString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("changeset: truncated string length")
	}

	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	if uint64(len(buf)) < uint64(n) {
		return "", 0, fmt.Errorf("changeset: truncated string data")
	}

	return string(buf[:n]), 4 + int(n), nil
}
