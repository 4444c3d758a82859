// Package btree implements ZatDB's copy-on-write B+ tree (component
// C5): every write allocates fresh page ids along the path from root
// to leaf instead of mutating a page in place, so a tree's root from
// any past commit stays a fully valid, independently readable
// snapshot for as long as something references it.
package btree

import (
	"fmt"

	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/page"
)

// OrphanTracker records page ids that a write has made unreachable
// from the new root — the freedb layer implements this to build the
// per-transaction free-page list (component C6). Tests and read-only
// callers can use NopTracker.
type OrphanTracker interface {
	Track(id page.ID)
}

type nopTracker struct{}

func (nopTracker) Track(page.ID) {}

// NopTracker discards orphan notifications.
var NopTracker OrphanTracker = nopTracker{}

// Tree is a handle to one COW B+ tree: a root page id, the file
// manager it reads/writes pages through, and the key comparator for
// this tree's composite key encoding.
type Tree struct {
	fm   *file.Manager
	root page.ID
	ix   page.IndexID
	cmp  page.CompareFunc
}

// Open returns a handle to an existing tree rooted at root.
func Open(fm *file.Manager, root page.ID, ix page.IndexID, cmp page.CompareFunc) *Tree {
	return &Tree{fm: fm, root: root, ix: ix, cmp: cmp}
}

// Create allocates a new, empty leaf root page and returns a handle
// to it. Used when bootstrapping a brand new index.
func Create(fm *file.Manager, ix page.IndexID, cmp page.CompareFunc) (*Tree, error) {
	id, buf := fm.AllocPage()
	page.InitLeaf(buf, ix)
	if err := fm.WritePage(id, buf); err != nil {
		return nil, err
	}
	return &Tree{fm: fm, root: id, ix: ix, cmp: cmp}, nil
}

// Root returns this handle's root page id.
func (t *Tree) Root() page.ID { return t.root }

// ── Read path ────────────────────────────────────────────────────────────

// Lookup returns the value stored under key, if present.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	entries, err := t.leafEntriesForKey(key)
	if err != nil {
		return nil, false, err
	}
	i, found := page.LeafFindKey(entries, key, t.cmp)
	if !found {
		return nil, false, nil
	}
	return entries[i].Val, true, nil
}

func (t *Tree) leafEntriesForKey(key []byte) ([]page.LeafEntry, error) {
	id := t.root
	for {
		buf, err := t.fm.ReadPage(id)
		if err != nil {
			return nil, err
		}
		switch page.ReadType(buf) {
		case page.TypeLeaf:
			return page.DecodeLeaf(buf)
		case page.TypeBranch:
			entries, err := page.DecodeBranch(buf)
			if err != nil {
				return nil, err
			}
			rightChild := page.BranchRightChild(buf)
			child, _ := page.BranchFindChild(entries, rightChild, key, t.cmp)
			id = child
		default:
			return nil, fmt.Errorf("btree: unexpected page type %s at id %d", page.ReadType(buf), id)
		}
	}
}

// Seek positions an iterator at the lower-bound slot for key.
func (t *Tree) Seek(key []byte) (*Iterator, error) {
	stack, leaf, err := t.descendToLeaf(key, true)
	if err != nil {
		return nil, err
	}
	entries, err := page.DecodeLeaf(leaf)
	if err != nil {
		return nil, err
	}
	idx := page.LeafSearchPoint(entries, key, t.cmp)
	it := &Iterator{fm: t.fm, cmp: t.cmp, stack: stack, leaf: entries, leafIdx: idx}
	if idx >= len(entries) {
		it.advancePastEmptyLeaf()
	}
	return it, nil
}

// SeekFirst positions an iterator at the tree's first entry.
func (t *Tree) SeekFirst() (*Iterator, error) {
	stack, leaf, err := t.descendExtreme(true)
	if err != nil {
		return nil, err
	}
	entries, err := page.DecodeLeaf(leaf)
	if err != nil {
		return nil, err
	}
	it := &Iterator{fm: t.fm, cmp: t.cmp, stack: stack, leaf: entries, leafIdx: 0}
	if len(entries) == 0 {
		it.advancePastEmptyLeaf()
	}
	return it, nil
}

// SeekLast positions an iterator at the tree's last entry.
func (t *Tree) SeekLast() (*Iterator, error) {
	stack, leaf, err := t.descendExtreme(false)
	if err != nil {
		return nil, err
	}
	entries, err := page.DecodeLeaf(leaf)
	if err != nil {
		return nil, err
	}
	it := &Iterator{fm: t.fm, cmp: t.cmp, stack: stack, leaf: entries, leafIdx: len(entries) - 1}
	if len(entries) == 0 {
		it.retreatPastEmptyLeaf()
	}
	return it, nil
}

// Range returns an iterator over the half-open key interval
// [start, end): positioned at start's lower bound like Seek, but
// Valid() additionally reports false once the current key reaches end,
// so callers can drive the whole bounded scan with a plain
// `for it.Valid(); it.Next()` loop instead of re-deriving the
// termination check themselves. A nil end leaves the iterator
// unbounded, equivalent to Seek(start).
func (t *Tree) Range(start, end []byte) (*Iterator, error) {
	it, err := t.Seek(start)
	if err != nil {
		return nil, err
	}
	it.end = end
	return it, nil
}

// ── Descent helpers shared by reads and the iterator ─────────────────────

// frame is one branch page on an iterator's descent path: the full
// ordered list of child pointers (one per separator, plus
// right_child last) and the index of the child currently being
// explored.
type frame struct {
	children []page.ID
	idx      int
}

func (t *Tree) descendToLeaf(key []byte, forIterator bool) ([]frame, []byte, error) {
	var stack []frame
	id := t.root
	for {
		buf, err := t.fm.ReadPage(id)
		if err != nil {
			return nil, nil, err
		}
		if page.ReadType(buf) == page.TypeLeaf {
			return stack, buf, nil
		}
		entries, err := page.DecodeBranch(buf)
		if err != nil {
			return nil, nil, err
		}
		rightChild := page.BranchRightChild(buf)
		children := childPointers(entries, rightChild)
		child, idx := page.BranchFindChild(entries, rightChild, key, t.cmp)
		stack = append(stack, frame{children: children, idx: idx})
		id = child
	}
}

// descendExtreme walks leftmost (first=true) or rightmost (first=false).
func (t *Tree) descendExtreme(first bool) ([]frame, []byte, error) {
	var stack []frame
	id := t.root
	for {
		buf, err := t.fm.ReadPage(id)
		if err != nil {
			return nil, nil, err
		}
		if page.ReadType(buf) == page.TypeLeaf {
			return stack, buf, nil
		}
		entries, err := page.DecodeBranch(buf)
		if err != nil {
			return nil, nil, err
		}
		rightChild := page.BranchRightChild(buf)
		children := childPointers(entries, rightChild)
		idx := 0
		if !first {
			idx = len(children) - 1
		}
		stack = append(stack, frame{children: children, idx: idx})
		id = children[idx]
	}
}

func childPointers(entries []page.BranchEntry, rightChild page.ID) []page.ID {
	children := make([]page.ID, len(entries)+1)
	for i, e := range entries {
		children[i] = e.Child
	}
	children[len(entries)] = rightChild
	return children
}

// ── Write path ───────────────────────────────────────────────────────────

// writeOutcome is what propagates up the captured descent path after a
// leaf mutation: either the child was replaced by a single new page
// (cowResult), or it split into two (splitResult).
type writeOutcome struct {
	split   bool
	id      page.ID // cowResult: the replacement page
	leftID  page.ID // splitResult
	rightID page.ID
	sepKey  []byte
}

// pathFrame captures one branch page visited on a write's descent, so
// the COW copy/split can be propagated back up afterward.
type pathFrame struct {
	pageID     page.ID
	entries    []page.BranchEntry
	rightChild page.ID
	descendIdx int // index into entries of the child followed; len(entries) means right_child
}

func (t *Tree) descendForWrite(key []byte) ([]pathFrame, page.ID, []page.LeafEntry, error) {
	var path []pathFrame
	id := t.root
	for {
		buf, err := t.fm.ReadPage(id)
		if err != nil {
			return nil, 0, nil, err
		}
		if page.ReadType(buf) == page.TypeLeaf {
			entries, err := page.DecodeLeaf(buf)
			if err != nil {
				return nil, 0, nil, err
			}
			return path, id, entries, nil
		}
		entries, err := page.DecodeBranch(buf)
		if err != nil {
			return nil, 0, nil, err
		}
		rightChild := page.BranchRightChild(buf)
		child, idx := page.BranchFindChild(entries, rightChild, key, t.cmp)
		path = append(path, pathFrame{pageID: id, entries: entries, rightChild: rightChild, descendIdx: idx})
		id = child
	}
}

// Insert writes (key, val), returning the new root page id after the
// COW path copy/split. The tree's own root field is NOT updated —
// callers (the transaction processor) hold the new root explicitly
// until it's committed into the meta record.
func (t *Tree) Insert(key, val []byte, tracker OrphanTracker) (page.ID, error) {
	path, leafID, leafEntries, err := t.descendForWrite(key)
	if err != nil {
		return 0, err
	}

	appendedAtEnd := page.LeafSearchPoint(leafEntries, key, t.cmp) == len(leafEntries)
	newEntries := page.LeafInsertEntry(leafEntries, key, val, t.cmp)

	outcome, err := t.writeLeaf(newEntries, appendedAtEnd)
	if err != nil {
		return 0, err
	}
	tracker.Track(leafID)
	return t.propagate(path, outcome, tracker)
}

// Delete removes key, returning the new root page id and whether the
// key was present. No merge-on-underflow: an under-full leaf or
// branch is written back as-is.
func (t *Tree) Delete(key []byte, tracker OrphanTracker) (page.ID, bool, error) {
	path, leafID, leafEntries, err := t.descendForWrite(key)
	if err != nil {
		return 0, false, err
	}
	_, found := page.LeafFindKey(leafEntries, key, t.cmp)
	if !found {
		return t.root, false, nil
	}
	newEntries := page.LeafDeleteEntry(leafEntries, key, t.cmp)
	newID, newBuf, err := t.allocAndEncodeLeaf(newEntries)
	if err != nil {
		return 0, false, err
	}
	if err := t.fm.WritePage(newID, newBuf); err != nil {
		return 0, false, err
	}
	tracker.Track(leafID)
	newRoot, err := t.propagate(path, writeOutcome{id: newID}, tracker)
	return newRoot, true, err
}

func (t *Tree) allocAndEncodeLeaf(entries []page.LeafEntry) (page.ID, []byte, error) {
	id, _ := t.fm.AllocPage()
	buf, err := page.EncodeLeaf(t.fm.PageSize(), t.ix, entries)
	if err != nil {
		return 0, nil, err
	}
	return id, buf, nil
}

// writeLeaf encodes entries as a fresh leaf, splitting if they don't
// fit in a single page.
func (t *Tree) writeLeaf(entries []page.LeafEntry, appendedAtEnd bool) (writeOutcome, error) {
	pageSize := t.fm.PageSize()
	if page.LeafFits(pageSize, entries) {
		id, buf, err := t.allocAndEncodeLeaf(entries)
		if err != nil {
			return writeOutcome{}, err
		}
		if err := t.fm.WritePage(id, buf); err != nil {
			return writeOutcome{}, err
		}
		return writeOutcome{id: id}, nil
	}

	left, right, sep := page.LeafSplit(entries, appendedAtEnd)
	leftID, leftBuf, err := t.allocAndEncodeLeaf(left)
	if err != nil {
		return writeOutcome{}, err
	}
	if err := t.fm.WritePage(leftID, leftBuf); err != nil {
		return writeOutcome{}, err
	}
	rightID, rightBuf, err := t.allocAndEncodeLeaf(right)
	if err != nil {
		return writeOutcome{}, err
	}
	if err := t.fm.WritePage(rightID, rightBuf); err != nil {
		return writeOutcome{}, err
	}
	return writeOutcome{split: true, leftID: leftID, rightID: rightID, sepKey: sep}, nil
}

// writeBranch encodes entries (plus right_child) as a fresh branch,
// splitting if they don't fit.
func (t *Tree) writeBranch(entries []page.BranchEntry, rightChild page.ID) (writeOutcome, error) {
	pageSize := t.fm.PageSize()
	if page.BranchFits(pageSize, entries) {
		id, _ := t.fm.AllocPage()
		buf, err := page.EncodeBranch(pageSize, t.ix, entries, rightChild)
		if err != nil {
			return writeOutcome{}, err
		}
		if err := t.fm.WritePage(id, buf); err != nil {
			return writeOutcome{}, err
		}
		return writeOutcome{id: id}, nil
	}

	left, leftRight, sep, right, rightRight := page.BranchSplit(entries, rightChild)
	leftID, _ := t.fm.AllocPage()
	leftBuf, err := page.EncodeBranch(pageSize, t.ix, left, leftRight)
	if err != nil {
		return writeOutcome{}, err
	}
	if err := t.fm.WritePage(leftID, leftBuf); err != nil {
		return writeOutcome{}, err
	}
	rightID, _ := t.fm.AllocPage()
	rightBuf, err := page.EncodeBranch(pageSize, t.ix, right, rightRight)
	if err != nil {
		return writeOutcome{}, err
	}
	if err := t.fm.WritePage(rightID, rightBuf); err != nil {
		return writeOutcome{}, err
	}
	return writeOutcome{split: true, leftID: leftID, rightID: rightID, sepKey: sep}, nil
}

// propagate walks path from leaf-parent to root, folding outcome
// upward one level at a time, then resolves the final root (growing
// the tree's height by one if the topmost frame itself split).
func (t *Tree) propagate(path []pathFrame, outcome writeOutcome, tracker OrphanTracker) (page.ID, error) {
	for i := len(path) - 1; i >= 0; i-- {
		f := path[i]
		var next writeOutcome
		var err error
		if !outcome.split {
			entries, rightChild := replaceChild(f.entries, f.rightChild, f.descendIdx, outcome.id)
			next, err = t.writeBranch(entries, rightChild)
		} else {
			entries, rightChild := spliceAfterSplit(f.entries, f.rightChild, f.descendIdx, outcome.leftID, outcome.sepKey, outcome.rightID)
			next, err = t.writeBranch(entries, rightChild)
		}
		if err != nil {
			return 0, err
		}
		tracker.Track(f.pageID)
		outcome = next
	}

	if !outcome.split {
		return outcome.id, nil
	}
	// Root split: grow the tree by one level.
	rootEntries := []page.BranchEntry{{Key: outcome.sepKey, Child: outcome.leftID}}
	id, _ := t.fm.AllocPage()
	buf, err := page.EncodeBranch(t.fm.PageSize(), t.ix, rootEntries, outcome.rightID)
	if err != nil {
		return 0, err
	}
	if err := t.fm.WritePage(id, buf); err != nil {
		return 0, err
	}
	return id, nil
}

// replaceChild redirects the single child pointer that led to
// descendIdx (or right_child, when descendIdx == len(entries)) to
// newChild, leaving every separator key untouched.
func replaceChild(entries []page.BranchEntry, rightChild page.ID, descendIdx int, newChild page.ID) ([]page.BranchEntry, page.ID) {
	if descendIdx == len(entries) {
		return entries, newChild
	}
	out := append([]page.BranchEntry(nil), entries...)
	out[descendIdx] = page.BranchEntry{Key: out[descendIdx].Key, Child: newChild}
	return out, rightChild
}

// spliceAfterSplit inserts the new separator at the slot corresponding
// to the descent point. The child that was followed handled every key
// less than its bounding separator (entries[descendIdx].Key, or
// unbounded if right_child); after the split, left takes over the
// lower sub-range and right the upper one, so sep (which sits strictly
// below that bound) becomes the new separator ahead of the existing
// one, in ascending order: ..., {sep, leftID}, {oldBound, rightID}, ...
func spliceAfterSplit(entries []page.BranchEntry, rightChild page.ID, descendIdx int, leftID page.ID, sep []byte, rightID page.ID) ([]page.BranchEntry, page.ID) {
	if descendIdx == len(entries) {
		out := append(append([]page.BranchEntry(nil), entries...), page.BranchEntry{Key: sep, Child: leftID})
		return out, rightID
	}
	out := make([]page.BranchEntry, 0, len(entries)+1)
	out = append(out, entries[:descendIdx]...)
	out = append(out, page.BranchEntry{Key: sep, Child: leftID})
	out = append(out, page.BranchEntry{Key: entries[descendIdx].Key, Child: rightID})
	out = append(out, entries[descendIdx+1:]...)
	return out, rightChild
}
