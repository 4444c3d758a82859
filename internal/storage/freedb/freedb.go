// Package freedb implements ZatDB's free-page tracking (component
// C6): an in-memory per-transaction Tracker of orphaned page ids, and
// FreeDB, a persistent B+ tree (itself a btree.Tree, keyed by the tx
// id that freed the pages) that survives across commits so pages
// aren't reclaimed until no reader snapshot can still see them.
package freedb

import (
	"encoding/binary"
	"fmt"

	"github.com/zatdb/zatdb/internal/storage/btree"
	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/page"
)

// MaxInlinePages is the number of page ids a Tracker holds directly
// in its FreeDB value before spilling the rest to a chained overflow
// page — large transactions spill rather than fail.
const MaxInlinePages = 256

// Tracker collects page ids orphaned during one transaction's COW
// writes. It implements btree.OrphanTracker, so it can be passed
// directly as the orphan sink to any Tree's Insert/Delete.
type Tracker struct {
	inline  []page.ID
	spilled []page.ID
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Track records one orphaned page id.
func (t *Tracker) Track(id page.ID) {
	if len(t.inline) < MaxInlinePages {
		t.inline = append(t.inline, id)
		return
	}
	t.spilled = append(t.spilled, id)
}

// Len returns the total number of tracked page ids.
func (t *Tracker) Len() int { return len(t.inline) + len(t.spilled) }

// Merge absorbs every id tracked by other — used to fold a prior
// commit's carry-forward tracker into the next transaction's own.
func (t *Tracker) Merge(other *Tracker) {
	if other == nil {
		return
	}
	for _, id := range other.inline {
		t.Track(id)
	}
	for _, id := range other.spilled {
		t.Track(id)
	}
}

// Encode serializes the tracker as a FreeDB value: a small fixed
// header (inline count, head of an overflow chain) followed by the
// inline ids. Ids beyond MaxInlinePages are written into freshly
// allocated overflow pages (in the style of page.InitOverflow's
// chaining) and returned separately so the caller can fold them into
// the same commit's batch of written data pages.
func (t *Tracker) Encode(fm *file.Manager) (value []byte, overflowPages map[page.ID][]byte, err error) {
	pageSize := fm.PageSize()
	chunkCap := page.OverflowCapacity(pageSize) / 8
	if chunkCap < 1 {
		return nil, nil, fmt.Errorf("freedb: page size %d too small for an overflow chain", pageSize)
	}

	overflowPages = map[page.ID][]byte{}
	head := page.InvalidID
	if len(t.spilled) > 0 {
		chunks := chunkPageIDs(t.spilled, chunkCap)
		next := page.InvalidID
		for i := len(chunks) - 1; i >= 0; i-- {
			id, buf := fm.AllocPage()
			if err := page.InitOverflow(buf, page.IndexFreeDB, encodeIDList(chunks[i]), next); err != nil {
				return nil, nil, err
			}
			overflowPages[id] = buf
			next = id
		}
		head = next
	}
	return encodeValue(t.inline, head), overflowPages, nil
}

func chunkPageIDs(ids []page.ID, size int) [][]page.ID {
	var chunks [][]page.ID
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

func encodeIDList(ids []page.ID) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint64(buf[8*i:8*i+8], uint64(id))
	}
	return buf
}

// valueHeaderSize: inline_count(4) + head_overflow(8).
const valueHeaderSize = 12

func encodeValue(inline []page.ID, headOverflow page.ID) []byte {
	buf := make([]byte, valueHeaderSize+8*len(inline))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(inline)))
	binary.BigEndian.PutUint64(buf[4:12], uint64(headOverflow))
	copy(buf[valueHeaderSize:], encodeIDList(inline))
	return buf
}

func decodeValueHeader(val []byte) (inlineCount int, headOverflow page.ID) {
	inlineCount = int(binary.BigEndian.Uint32(val[0:4]))
	headOverflow = page.ID(binary.BigEndian.Uint64(val[4:12]))
	return
}

func decodeInline(val []byte, count int) []page.ID {
	ids := make([]page.ID, count)
	for i := 0; i < count; i++ {
		off := valueHeaderSize + 8*i
		ids[i] = page.ID(binary.BigEndian.Uint64(val[off : off+8]))
	}
	return ids
}

// fullPageList decodes every page id a FreeDB value names: the inline
// ids plus every id stored across its overflow chain.
func fullPageList(fm *file.Manager, val []byte) ([]page.ID, error) {
	count, head := decodeValueHeader(val)
	ids := decodeInline(val, count)
	for head != page.InvalidID {
		buf, err := fm.ReadPage(head)
		if err != nil {
			return nil, err
		}
		data := page.OverflowData(buf)
		for i := 0; i+8 <= len(data); i += 8 {
			ids = append(ids, page.ID(binary.BigEndian.Uint64(data[i:i+8])))
		}
		head = page.OverflowNext(buf)
	}
	return ids, nil
}

// overflowChainPageIDs returns the page ids of the overflow chain
// itself (not the page ids it names) — these are freed when the
// FreeDB entry that owns them is reclaimed.
func overflowChainPageIDs(fm *file.Manager, val []byte) ([]page.ID, error) {
	_, head := decodeValueHeader(val)
	var chain []page.ID
	for head != page.InvalidID {
		chain = append(chain, head)
		buf, err := fm.ReadPage(head)
		if err != nil {
			return nil, err
		}
		head = page.OverflowNext(buf)
	}
	return chain, nil
}

// CompareTxKey orders two big-endian tx-id keys; plain byte
// comparison matches numeric order for a fixed-width big-endian
// encoding.
func CompareTxKey(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func txKey(txID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, txID)
	return b
}

// DB is the persistent tx_id → [page_id] free-page index.
type DB struct {
	fm   *file.Manager
	root page.ID
}

// Open returns a handle to an existing FreeDB rooted at root.
func Open(fm *file.Manager, root page.ID) *DB {
	return &DB{fm: fm, root: root}
}

// Create allocates a brand new, empty FreeDB.
func Create(fm *file.Manager) (*DB, error) {
	tr, err := btree.Create(fm, page.IndexFreeDB, CompareTxKey)
	if err != nil {
		return nil, err
	}
	return &DB{fm: fm, root: tr.Root()}, nil
}

// Root returns the current FreeDB root page id — callers persist this
// into the next Meta.
func (d *DB) Root() page.ID { return d.root }

// Persist encodes tracker's contents as the FreeDB value under key
// txID. The FreeDB insert is itself a COW write and so orphans pages
// of its own; those are reported to carryOut instead of being
// persisted now — the caller rolls carryOut into the *next*
// transaction's own tracker, which is what ultimately resolves
// FreeDB's self-reference (every page still lives at exactly one id
// for its lifetime, so this can't recurse forever).
//
// overflowPages holds any freshly allocated overflow pages tracker's
// encoding needed; the caller must include them in the same commit's
// batch of written data pages.
func (d *DB) Persist(txID uint64, tracker *Tracker, carryOut *Tracker) (overflowPages map[page.ID][]byte, err error) {
	val, overflowPages, err := tracker.Encode(d.fm)
	if err != nil {
		return nil, err
	}
	newRoot, err := btree.Open(d.fm, d.root, page.IndexFreeDB, CompareTxKey).Insert(txKey(txID), val, carryOut)
	if err != nil {
		return nil, err
	}
	d.root = newRoot
	return overflowPages, nil
}

// Reclaim pops every FreeDB entry whose tx id is at most
// oldestReaderTxID: no live reader snapshot can still need those
// pages. The named page ids are returned for the file manager's reuse
// list; the FreeDB entries themselves are deleted, a COW write like
// any other, whose own orphans (plus the reclaimed entries' overflow
// chain pages, which no longer have anything to hold) are folded into
// carry — the same carry-forward channel Persist uses, per
// SPEC_FULL.md's resolution of reclamation's own self-reference.
func (d *DB) Reclaim(oldestReaderTxID uint64, carry *Tracker) ([]page.ID, error) {
	var reclaimed []page.ID
	for {
		it, err := btree.Open(d.fm, d.root, page.IndexFreeDB, CompareTxKey).SeekFirst()
		if err != nil {
			return nil, err
		}
		if !it.Valid() {
			return reclaimed, nil
		}
		txID := binary.BigEndian.Uint64(it.Key())
		if txID > oldestReaderTxID {
			return reclaimed, nil
		}

		val := append([]byte(nil), it.Value()...)
		key := append([]byte(nil), it.Key()...)

		ids, err := fullPageList(d.fm, val)
		if err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, ids...)

		chain, err := overflowChainPageIDs(d.fm, val)
		if err != nil {
			return nil, err
		}
		for _, id := range chain {
			carry.Track(id)
		}

		newRoot, _, err := btree.Open(d.fm, d.root, page.IndexFreeDB, CompareTxKey).Delete(key, carry)
		if err != nil {
			return nil, err
		}
		d.root = newRoot
	}
}
