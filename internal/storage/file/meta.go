package file

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/zatdb/zatdb/internal/storage/page"
)

// Meta is the crash-safe root handoff record (component C4). It lives
// in one of the two fixed meta slots (page 0 and page 1); the slot
// with the higher valid tx_id is the active one on open.
//
// Layout (92 bytes, zero-padded out to page_size), all fields
// big-endian:
//
//	magic(4) | version(4) | page_size(4) | flags(4) | tx_id(8) |
//	eav_root(8) | ave_root(8) | vae_root(8) | txlog_root(8) |
//	free_root(8) | next_entity(8) | next_page(8) | datom_count(8) |
//	crc32(4)
type Meta struct {
	PageSize    uint32
	Flags       uint32
	TxID        uint64
	EAVRoot     page.ID
	AVERoot     page.ID
	VAERoot     page.ID
	TxLogRoot   page.ID
	FreeRoot    page.ID
	NextEntity  uint64
	NextPage    page.ID
	DatomCount  uint64
}

const (
	// Magic is the fixed 4-byte signature "ZATD" (0x5A415444).
	Magic uint32 = 0x5A415444
	// Version is the on-disk meta format version.
	Version uint32 = 1
	// MetaSize is the number of meaningful bytes in a meta slot; the
	// rest of the page is zero-padded.
	MetaSize = 92
)

const (
	offMagic      = 0
	offVersion    = 4
	offPageSize   = 8
	offFlags      = 12
	offTxID       = 16
	offEAVRoot    = 24
	offAVERoot    = 32
	offVAERoot    = 40
	offTxLogRoot  = 48
	offFreeRoot   = 56
	offNextEntity = 64
	offNextPage   = 72
	offDatomCount = 80
	offCRC        = 88
)

var metaCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Marshal serializes m into a fresh page-size buffer (zero-padded
// beyond MetaSize) with the checksum computed over bytes [0:88).
func (m *Meta) Marshal(pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[offMagic:], Magic)
	binary.BigEndian.PutUint32(buf[offVersion:], Version)
	binary.BigEndian.PutUint32(buf[offPageSize:], m.PageSize)
	binary.BigEndian.PutUint32(buf[offFlags:], m.Flags)
	binary.BigEndian.PutUint64(buf[offTxID:], m.TxID)
	binary.BigEndian.PutUint64(buf[offEAVRoot:], uint64(m.EAVRoot))
	binary.BigEndian.PutUint64(buf[offAVERoot:], uint64(m.AVERoot))
	binary.BigEndian.PutUint64(buf[offVAERoot:], uint64(m.VAERoot))
	binary.BigEndian.PutUint64(buf[offTxLogRoot:], uint64(m.TxLogRoot))
	binary.BigEndian.PutUint64(buf[offFreeRoot:], uint64(m.FreeRoot))
	binary.BigEndian.PutUint64(buf[offNextEntity:], m.NextEntity)
	binary.BigEndian.PutUint64(buf[offNextPage:], uint64(m.NextPage))
	binary.BigEndian.PutUint64(buf[offDatomCount:], m.DatomCount)
	crc := crc32.Checksum(buf[:offCRC], metaCRCTable)
	binary.BigEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

// Unmarshal parses and validates a meta slot. A slot is valid iff
// magic, version, and checksum all verify.
func Unmarshal(buf []byte) (*Meta, error) {
	if len(buf) < MetaSize {
		return nil, fmt.Errorf("file: meta slot too small: %d bytes", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[offMagic:])
	if magic != Magic {
		return nil, fmt.Errorf("file: bad meta magic %08x, want %08x", magic, Magic)
	}
	version := binary.BigEndian.Uint32(buf[offVersion:])
	if version != Version {
		return nil, fmt.Errorf("file: unsupported meta version %d, want %d", version, Version)
	}
	storedCRC := binary.BigEndian.Uint32(buf[offCRC:])
	computedCRC := crc32.Checksum(buf[:offCRC], metaCRCTable)
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("file: meta checksum mismatch: stored=%08x computed=%08x", storedCRC, computedCRC)
	}
	return &Meta{
		PageSize:   binary.BigEndian.Uint32(buf[offPageSize:]),
		Flags:      binary.BigEndian.Uint32(buf[offFlags:]),
		TxID:       binary.BigEndian.Uint64(buf[offTxID:]),
		EAVRoot:    page.ID(binary.BigEndian.Uint64(buf[offEAVRoot:])),
		AVERoot:    page.ID(binary.BigEndian.Uint64(buf[offAVERoot:])),
		VAERoot:    page.ID(binary.BigEndian.Uint64(buf[offVAERoot:])),
		TxLogRoot:  page.ID(binary.BigEndian.Uint64(buf[offTxLogRoot:])),
		FreeRoot:   page.ID(binary.BigEndian.Uint64(buf[offFreeRoot:])),
		NextEntity: binary.BigEndian.Uint64(buf[offNextEntity:]),
		NextPage:   page.ID(binary.BigEndian.Uint64(buf[offNextPage:])),
		DatomCount: binary.BigEndian.Uint64(buf[offDatomCount:]),
	}, nil
}

// Clone returns a deep copy (Meta has no reference fields, but Clone
// documents the commit path's intent: never mutate the active meta in
// place, build a new value and hand it to Manager.Commit).
func (m *Meta) Clone() *Meta {
	cp := *m
	return &cp
}
