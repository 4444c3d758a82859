// Package page implements ZatDB's on-disk page layer (component C2):
// the leaf/branch/overflow/free page headers and the slotted record
// layout built on top of them.
//
// Every numeric field on a page is big-endian, unlike the little-
// endian page format this package is modeled on — lexicographic
// comparison of composite index keys must coincide with their
// numeric order, and those keys are assembled out of the same bytes
// that get written to pages.
package page

import (
	"encoding/binary"
	"fmt"
)

// ID is a page identifier. Page 0 and 1 are reserved meta slots;
// page IDs 2 and above address leaf/branch/overflow/free pages.
type ID uint64

// InvalidID is the null page pointer.
const InvalidID ID = 0

// IndexID distinguishes which of the four datom indexes a leaf or
// branch page belongs to — used only for diagnostics/assertions, since
// each index keeps its own root and pages are never shared across
// indexes.
type IndexID uint8

const (
	IndexEAV IndexID = iota
	IndexAVE
	IndexVAE
	IndexTxLog
	IndexFreeDB
)

func (ix IndexID) String() string {
	switch ix {
	case IndexEAV:
		return "EAV"
	case IndexAVE:
		return "AVE"
	case IndexVAE:
		return "VAE"
	case IndexTxLog:
		return "TxLog"
	case IndexFreeDB:
		return "FreeDB"
	default:
		return fmt.Sprintf("IndexID(%d)", uint8(ix))
	}
}

// Type identifies the kind of content a page holds.
type Type uint8

const (
	TypeBranch   Type = 0x01
	TypeLeaf     Type = 0x02
	TypeOverflow Type = 0x03
	TypeFree     Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeBranch:
		return "Branch"
	case TypeLeaf:
		return "Leaf"
	case TypeOverflow:
		return "Overflow"
	case TypeFree:
		return "Free"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

const (
	// DefaultSize is the default page size in bytes.
	DefaultSize = 4096
	// MinSize is the smallest page size this package accepts.
	MinSize = 4096
	// MaxSize is the largest page size this package accepts.
	MaxSize = 65536

	// LeafHeaderSize: type(1)|index_id(1)|num_entries(2)|reserved(4).
	// No sibling pointers — iteration is stack-based (see btree
	// package), which keeps every leaf page immutable once written.
	LeafHeaderSize = 8

	// BranchHeaderSize: type(1)|index_id(1)|num_entries(2)|reserved(4)|right_child(8).
	BranchHeaderSize = 16

	// OverflowHeaderSize: type(1)|index_id(1)|reserved(2)|next(8)|data_len(4)|reserved(4).
	OverflowHeaderSize = 20

	// FreeHeaderSize: type(1)|index_id(1)|reserved(6). Free pages
	// carry no payload; the header just marks them as reclaimed.
	FreeHeaderSize = 8
)

// ReadType reads the page type byte without interpreting the rest of
// the header — every header starts with the same two bytes.
func ReadType(buf []byte) Type {
	return Type(buf[0])
}

// ReadIndexID reads the index-id byte common to every header.
func ReadIndexID(buf []byte) IndexID {
	return IndexID(buf[1])
}

// ── Leaf header ──────────────────────────────────────────────────────────

// InitLeaf initializes buf as an empty leaf page for the given index.
func InitLeaf(buf []byte, ix IndexID) {
	buf[0] = byte(TypeLeaf)
	buf[1] = byte(ix)
	binary.BigEndian.PutUint16(buf[2:4], 0) // num_entries
	for i := 4; i < LeafHeaderSize; i++ {
		buf[i] = 0
	}
}

// LeafNumEntries returns the num_entries field of a leaf header.
func LeafNumEntries(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[2:4]))
}

// SetLeafNumEntries writes the num_entries field of a leaf header.
func SetLeafNumEntries(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
}

// ── Branch header ────────────────────────────────────────────────────────

// InitBranch initializes buf as an empty branch page with the given
// right_child (the child for keys greater than or equal to the last
// separator).
func InitBranch(buf []byte, ix IndexID, rightChild ID) {
	buf[0] = byte(TypeBranch)
	buf[1] = byte(ix)
	binary.BigEndian.PutUint16(buf[2:4], 0) // num_entries
	binary.BigEndian.PutUint32(buf[4:8], 0) // reserved
	binary.BigEndian.PutUint64(buf[8:16], uint64(rightChild))
}

// BranchNumEntries returns the num_entries field of a branch header.
func BranchNumEntries(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[2:4]))
}

// SetBranchNumEntries writes the num_entries field of a branch header.
func SetBranchNumEntries(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
}

// BranchRightChild returns the right_child pointer of a branch header.
func BranchRightChild(buf []byte) ID {
	return ID(binary.BigEndian.Uint64(buf[8:16]))
}

// SetBranchRightChild writes the right_child pointer of a branch header.
func SetBranchRightChild(buf []byte, child ID) {
	binary.BigEndian.PutUint64(buf[8:16], uint64(child))
}

// ── Overflow header ──────────────────────────────────────────────────────

// InitOverflow initializes buf as an overflow page holding data (which
// must fit within page_size - OverflowHeaderSize) with the given next
// pointer (InvalidID if this is the last page in the chain).
func InitOverflow(buf []byte, ix IndexID, data []byte, next ID) error {
	cap := len(buf) - OverflowHeaderSize
	if len(data) > cap {
		return fmt.Errorf("page: overflow payload %d exceeds page capacity %d", len(data), cap)
	}
	buf[0] = byte(TypeOverflow)
	buf[1] = byte(ix)
	binary.BigEndian.PutUint16(buf[2:4], 0) // reserved
	binary.BigEndian.PutUint64(buf[4:12], uint64(next))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[16:20], 0) // reserved
	copy(buf[OverflowHeaderSize:], data)
	return nil
}

// OverflowNext returns the next-page pointer of an overflow header.
func OverflowNext(buf []byte) ID {
	return ID(binary.BigEndian.Uint64(buf[4:12]))
}

// SetOverflowNext rewrites the next-page pointer of an overflow header.
func SetOverflowNext(buf []byte, next ID) {
	binary.BigEndian.PutUint64(buf[4:12], uint64(next))
}

// OverflowDataLen returns the data_len field of an overflow header.
func OverflowDataLen(buf []byte) int {
	return int(binary.BigEndian.Uint32(buf[12:16]))
}

// OverflowData returns the payload slice of an overflow page.
func OverflowData(buf []byte) []byte {
	n := OverflowDataLen(buf)
	return buf[OverflowHeaderSize : OverflowHeaderSize+n]
}

// OverflowCapacity returns the payload capacity of a single overflow
// page of the given size.
func OverflowCapacity(pageSize int) int {
	return pageSize - OverflowHeaderSize
}

// ── Free header ──────────────────────────────────────────────────────────

// InitFree initializes buf as a reclaimed free page.
func InitFree(buf []byte) {
	buf[0] = byte(TypeFree)
	for i := 1; i < FreeHeaderSize; i++ {
		buf[i] = 0
	}
}

// New allocates a zeroed page buffer of the given size.
func New(size int) []byte {
	return make([]byte, size)
}
