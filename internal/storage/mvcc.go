// Package storage holds the ambient, non-page-level storage primitives
// that sit above the on-disk pager stack (internal/storage/{file,btree,
// freedb,page}) but below the root database facade.
//
// What: a fixed table of reader slots tracking which snapshot (tx id)
// every live read transaction is pinned to.
// How: each slot is a single atomically-stored tx id; 0 means free.
// Why: free-page reclamation must never recycle a page some open
// snapshot can still reach, so the writer needs the oldest tx id any
// reader currently holds before it reclaims anything older.
package storage

import (
	"fmt"
	"sync/atomic"
)

// MaxReaders bounds how many snapshots can be open at once. A fixed
// array keeps Acquire/Release/OldestActive allocation-free and lock-free.
const MaxReaders = 126

// ErrNoFreeReaderSlot is returned by Acquire when all MaxReaders slots
// are already pinned to a snapshot.
var ErrNoFreeReaderSlot = fmt.Errorf("storage: no free reader slot (max %d)", MaxReaders)

// ReaderSet is the table of currently open read snapshots. The zero
// value is ready to use.
type ReaderSet struct {
	slots [MaxReaders]atomic.Uint64
}

// NewReaderSet returns an empty reader table.
func NewReaderSet() *ReaderSet {
	return &ReaderSet{}
}

// Acquire pins txID into a free slot and returns a handle to release
// it later. It fails once MaxReaders snapshots are open simultaneously.
func (rs *ReaderSet) Acquire(txID uint64) (int, error) {
	for i := range rs.slots {
		if rs.slots[i].CompareAndSwap(0, txID) {
			return i, nil
		}
	}
	return -1, ErrNoFreeReaderSlot
}

// Release frees the slot returned by Acquire. Releasing an already-free
// slot is a no-op.
func (rs *ReaderSet) Release(slot int) {
	if slot < 0 || slot >= MaxReaders {
		return
	}
	rs.slots[slot].Store(0)
}

// OldestActive returns the smallest tx id currently pinned by any open
// reader, or current if no reader is open — reclamation may then
// proceed up through current, since nothing is holding an older
// snapshot alive.
func (rs *ReaderSet) OldestActive(current uint64) uint64 {
	oldest := current
	found := false
	for i := range rs.slots {
		v := rs.slots[i].Load()
		if v == 0 {
			continue
		}
		if !found || v < oldest {
			oldest = v
			found = true
		}
	}
	return oldest
}

// Len reports how many reader slots are currently pinned.
func (rs *ReaderSet) Len() int {
	n := 0
	for i := range rs.slots {
		if rs.slots[i].Load() != 0 {
			n++
		}
	}
	return n
}
