package page

import (
	"encoding/binary"
	"fmt"
)

// CompareFunc orders two raw key byte slices. Index layers supply the
// concrete comparator (composite-key comparison over encoded values);
// this package only needs *some* total order to keep entries sorted.
type CompareFunc func(a, b []byte) int

// slotEntrySize is the size in bytes of one slot-directory entry:
// offset(2) + length(2), both big-endian.
const slotEntrySize = 4

// ── Leaf entries ─────────────────────────────────────────────────────────

// LeafEntry is one decoded (key, value) pair from a leaf page.
type LeafEntry struct {
	Key []byte
	Val []byte
}

// DecodeLeaf decodes every entry out of a leaf page buffer, in slot
// order (which is always key order — leaf entries are kept sorted).
func DecodeLeaf(buf []byte) ([]LeafEntry, error) {
	if ReadType(buf) != TypeLeaf {
		return nil, fmt.Errorf("page: not a leaf page (type=%s)", ReadType(buf))
	}
	n := LeafNumEntries(buf)
	entries := make([]LeafEntry, n)
	dirOff := LeafHeaderSize
	for i := 0; i < n; i++ {
		off := dirOff + i*slotEntrySize
		recOff := binary.BigEndian.Uint16(buf[off : off+2])
		recLen := binary.BigEndian.Uint16(buf[off+2 : off+4])
		rec := buf[recOff : recOff+recLen]
		keyLen := binary.BigEndian.Uint16(rec[0:2])
		key := rec[2 : 2+keyLen]
		valLen := binary.BigEndian.Uint16(rec[2+keyLen : 4+keyLen])
		val := rec[4+keyLen : 4+keyLen+valLen]
		entries[i] = LeafEntry{Key: key, Val: val}
	}
	return entries, nil
}

func leafEntrySize(e LeafEntry) int {
	return 2 + len(e.Key) + 2 + len(e.Val)
}

func putLeafEntry(rec []byte, e LeafEntry) {
	binary.BigEndian.PutUint16(rec[0:2], uint16(len(e.Key)))
	copy(rec[2:], e.Key)
	off := 2 + len(e.Key)
	binary.BigEndian.PutUint16(rec[off:off+2], uint16(len(e.Val)))
	copy(rec[off+2:], e.Val)
}

// EncodeLeaf serializes entries (already in sorted key order) as a
// fresh leaf page of the given size. Returns a PageFull-style error if
// they do not fit — callers check this before committing to a split
// decision.
func EncodeLeaf(pageSize int, ix IndexID, entries []LeafEntry) ([]byte, error) {
	buf := New(pageSize)
	InitLeaf(buf, ix)
	dirOff := LeafHeaderSize
	end := pageSize
	for i, e := range entries {
		sz := leafEntrySize(e)
		dirEnd := dirOff + (i+1)*slotEntrySize
		if dirEnd+sz > end {
			return nil, fmt.Errorf("page: leaf page full: entry %d needs %d bytes, have %d", i, sz, end-dirEnd)
		}
		end -= sz
		putLeafEntry(buf[end:end+sz], e)
		slotOff := dirOff + i*slotEntrySize
		binary.BigEndian.PutUint16(buf[slotOff:slotOff+2], uint16(end))
		binary.BigEndian.PutUint16(buf[slotOff+2:slotOff+4], uint16(sz))
	}
	SetLeafNumEntries(buf, len(entries))
	return buf, nil
}

// LeafFits reports whether entries would fit in a single leaf page of
// pageSize without actually allocating and copying.
func LeafFits(pageSize int, entries []LeafEntry) bool {
	dirOff := LeafHeaderSize
	used := dirOff + len(entries)*slotEntrySize
	for _, e := range entries {
		used += leafEntrySize(e)
	}
	return used <= pageSize
}

// LeafSearchPoint returns the index of the first entry whose key is
// not less than key (strict lower bound). Returns len(entries) if key
// is greater than every entry.
func LeafSearchPoint(entries []LeafEntry, key []byte, cmp CompareFunc) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// LeafFindKey looks for an exact key match, returning its index and
// true if found.
func LeafFindKey(entries []LeafEntry, key []byte, cmp CompareFunc) (int, bool) {
	i := LeafSearchPoint(entries, key, cmp)
	if i < len(entries) && cmp(entries[i].Key, key) == 0 {
		return i, true
	}
	return i, false
}

// LeafInsertEntry returns a new entries slice with (key, val) inserted
// in sorted position, replacing any existing entry with the same key
// (leaf pages never hold duplicate keys). The input slice is not
// mutated.
func LeafInsertEntry(entries []LeafEntry, key, val []byte, cmp CompareFunc) []LeafEntry {
	i, found := LeafFindKey(entries, key, cmp)
	out := make([]LeafEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, LeafEntry{Key: key, Val: val})
	if found {
		out = append(out, entries[i+1:]...)
	} else {
		out = append(out, entries[i:]...)
	}
	return out
}

// LeafDeleteEntry returns a new entries slice with the entry at key
// removed, if present.
func LeafDeleteEntry(entries []LeafEntry, key []byte, cmp CompareFunc) []LeafEntry {
	i, found := LeafFindKey(entries, key, cmp)
	if !found {
		return entries
	}
	out := make([]LeafEntry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	out = append(out, entries[i+1:]...)
	return out
}

// LeafSplit divides entries into a left and right half plus the
// separator key for the parent (the right half's first key).
//
// appendedAtEnd biases the split point to roughly 90/10 instead of
// 50/50 — ZatDB's datom append workload inserts at (or very near) the
// high end of a leaf's key range most of the time, and splitting
// there keeps the left page nearly full instead of immediately
// reserving half of it for keys that will likely never arrive in
// order, so fewer splits are needed overall for sequential insertion.
func LeafSplit(entries []LeafEntry, appendedAtEnd bool) (left, right []LeafEntry, sepKey []byte) {
	n := len(entries)
	split := n / 2
	if appendedAtEnd {
		split = n * 9 / 10
		if split < 1 {
			split = 1
		}
		if split >= n {
			split = n - 1
		}
	}
	left = entries[:split]
	right = entries[split:]
	return left, right, right[0].Key
}

// ── Branch entries ───────────────────────────────────────────────────────

// BranchEntry is one decoded (separator key, child) pair from a
// branch page. The child handles every key strictly less than this
// entry's own separator and not less than the previous entry's
// separator (unbounded below for the first entry) — see
// BranchFindChild.
type BranchEntry struct {
	Key   []byte
	Child ID
}

// DecodeBranch decodes every entry out of a branch page buffer, in
// slot order (always separator-key order).
func DecodeBranch(buf []byte) ([]BranchEntry, error) {
	if ReadType(buf) != TypeBranch {
		return nil, fmt.Errorf("page: not a branch page (type=%s)", ReadType(buf))
	}
	n := BranchNumEntries(buf)
	entries := make([]BranchEntry, n)
	dirOff := BranchHeaderSize
	for i := 0; i < n; i++ {
		off := dirOff + i*slotEntrySize
		recOff := binary.BigEndian.Uint16(buf[off : off+2])
		recLen := binary.BigEndian.Uint16(buf[off+2 : off+4])
		rec := buf[recOff : recOff+recLen]
		child := ID(binary.BigEndian.Uint64(rec[0:8]))
		keyLen := binary.BigEndian.Uint16(rec[8:10])
		key := rec[10 : 10+keyLen]
		entries[i] = BranchEntry{Key: key, Child: child}
	}
	return entries, nil
}

func branchEntrySize(e BranchEntry) int {
	return 8 + 2 + len(e.Key)
}

func putBranchEntry(rec []byte, e BranchEntry) {
	binary.BigEndian.PutUint64(rec[0:8], uint64(e.Child))
	binary.BigEndian.PutUint16(rec[8:10], uint16(len(e.Key)))
	copy(rec[10:], e.Key)
}

// EncodeBranch serializes entries (in sorted separator order) plus a
// right_child pointer as a fresh branch page.
func EncodeBranch(pageSize int, ix IndexID, entries []BranchEntry, rightChild ID) ([]byte, error) {
	buf := New(pageSize)
	InitBranch(buf, ix, rightChild)
	dirOff := BranchHeaderSize
	end := pageSize
	for i, e := range entries {
		sz := branchEntrySize(e)
		dirEnd := dirOff + (i+1)*slotEntrySize
		if dirEnd+sz > end {
			return nil, fmt.Errorf("page: branch page full: entry %d needs %d bytes, have %d", i, sz, end-dirEnd)
		}
		end -= sz
		putBranchEntry(buf[end:end+sz], e)
		slotOff := dirOff + i*slotEntrySize
		binary.BigEndian.PutUint16(buf[slotOff:slotOff+2], uint16(end))
		binary.BigEndian.PutUint16(buf[slotOff+2:slotOff+4], uint16(sz))
	}
	SetBranchNumEntries(buf, len(entries))
	return buf, nil
}

// BranchFits reports whether entries (plus right_child) would fit in
// a single branch page of pageSize.
func BranchFits(pageSize int, entries []BranchEntry) bool {
	used := BranchHeaderSize + len(entries)*slotEntrySize
	for _, e := range entries {
		used += branchEntrySize(e)
	}
	return used <= pageSize
}

// BranchFindChild finds the child page responsible for key: the first
// entry whose separator is strictly greater than key; if none, the
// right_child. A separator exactly equal to key routes to the slot
// immediately to its right (never into the child associated with the
// equal separator), matching the B+ tree's strict-lower-bound routing
// rule.
func BranchFindChild(entries []BranchEntry, rightChild ID, key []byte, cmp CompareFunc) (ID, int) {
	for i, e := range entries {
		if cmp(e.Key, key) > 0 {
			return e.Child, i
		}
	}
	return rightChild, len(entries)
}

// BranchInsertEntry returns a new entries slice with (sepKey, child)
// inserted in sorted separator position.
func BranchInsertEntry(entries []BranchEntry, sepKey []byte, child ID, cmp CompareFunc) []BranchEntry {
	i := 0
	for i < len(entries) && cmp(entries[i].Key, sepKey) < 0 {
		i++
	}
	out := make([]BranchEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, BranchEntry{Key: sepKey, Child: child})
	out = append(out, entries[i:]...)
	return out
}

// BranchSplit divides entries (plus the page's right_child) into a
// left half, a promoted separator key, and a right half. The promoted
// entry's own child becomes the left page's new right_child; the
// original right_child is carried forward as the right page's
// right_child.
func BranchSplit(entries []BranchEntry, rightChild ID) (left []BranchEntry, leftRight ID, sepKey []byte, right []BranchEntry, rightRight ID) {
	n := len(entries)
	mid := n / 2
	left = entries[:mid]
	leftRight = entries[mid].Child
	sepKey = entries[mid].Key
	right = entries[mid+1:]
	rightRight = rightChild
	return left, leftRight, sepKey, right, rightRight
}
