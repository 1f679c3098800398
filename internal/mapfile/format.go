// Package mapfile implements the immutable, content-addressed on-disk
// key→value store read by every source (spec.md §3 "Source", §6 "Immutable
// map file"). A mapfile is rebuilt in full and atomically renamed into
// place on every write; readers mmap it read-only and never block a
// writer.
//
// The on-disk format ("DCF1") is a flat, sorted (path, encoded value)
// table plus a small header, laid out the way the teacher's slotcache
// format.go lays out its SLC1 header: fixed-offset fields, a magic
// string, an explicit version, and a CRC32C guarding the header against
// torn writes. Unlike slotcache's open-addressed hash table, entries here
// are sorted by path so that a dir query (GetTable) is a contiguous
// binary-searched range rather than a scan.
package mapfile

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	magic      = "DCF1"
	formatVersion = uint32(1)
	headerSize = 64
)

// Header field offsets (bytes from file start).
const (
	offValid      = 0x00 // byte: 1 once the file is fully written, 0 while being constructed
	offReserved0  = 0x01 // [3]byte, zero
	offMagic      = 0x04 // [4]byte
	offVersion    = 0x08 // uint32
	offHeaderSize = 0x0C // uint32
	offEntryCount = 0x10 // uint32
	offReserved1  = 0x14 // uint32, zero
	offIndexOff   = 0x18 // uint64
	offIndexSize  = 0x20 // uint64
	offDataOff    = 0x28 // uint64
	offDataSize   = 0x30 // uint64
	offHeaderCRC  = 0x38 // uint32
	offReserved2  = 0x3C // uint32, zero
)

// indexEntrySize is the size in bytes of one fixed-width index record:
// pathOffset, pathLen, valueOffset, valueLen, each a uint32.
const indexEntrySize = 16

type header struct {
	valid      bool
	version    uint32
	headerSize uint32
	entryCount uint32
	indexOff   uint64
	indexSize  uint64
	dataOff    uint64
	dataSize   uint64
	headerCRC  uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)

	if h.valid {
		buf[offValid] = 1
	}

	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], h.headerSize)
	binary.LittleEndian.PutUint32(buf[offEntryCount:], h.entryCount)
	binary.LittleEndian.PutUint64(buf[offIndexOff:], h.indexOff)
	binary.LittleEndian.PutUint64(buf[offIndexSize:], h.indexSize)
	binary.LittleEndian.PutUint64(buf[offDataOff:], h.dataOff)
	binary.LittleEndian.PutUint64(buf[offDataSize:], h.dataSize)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], crc)

	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		valid:      buf[offValid] != 0,
		version:    binary.LittleEndian.Uint32(buf[offVersion:]),
		headerSize: binary.LittleEndian.Uint32(buf[offHeaderSize:]),
		entryCount: binary.LittleEndian.Uint32(buf[offEntryCount:]),
		indexOff:   binary.LittleEndian.Uint64(buf[offIndexOff:]),
		indexSize:  binary.LittleEndian.Uint64(buf[offIndexSize:]),
		dataOff:    binary.LittleEndian.Uint64(buf[offDataOff:]),
		dataSize:   binary.LittleEndian.Uint64(buf[offDataSize:]),
		headerCRC:  binary.LittleEndian.Uint32(buf[offHeaderCRC:]),
	}
}

func hasMagic(buf []byte) bool {
	return len(buf) >= headerSize && string(buf[offMagic:offMagic+4]) == magic
}

// computeHeaderCRC computes the CRC32C of buf with the valid byte and the
// CRC field itself zeroed, mirroring the teacher's pattern of excluding the
// "changes every write" and "self-referential" fields from the checksum.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, buf)

	tmp[offValid] = 0

	for i := offHeaderCRC; i < offHeaderCRC+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

func validateHeaderCRC(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}

	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC:])

	return stored == computeHeaderCRC(buf)
}

// lockPrefix namespaces lock-sub-table entries within the same sorted
// table as ordinary path entries. It cannot collide with a real dconf
// path, which always starts with '/'.
const lockPrefix = "\x00locks\x00"
