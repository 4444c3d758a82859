package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/page"
)

func bytesCompare(a, b []byte) int { return bytes.Compare(a, b) }

func newTestManager(t *testing.T) *file.Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := file.Open(filepath.Join(dir, "zat.db"), file.Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	m.BeginWrite(nil)
	return m
}

func key(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func TestTree_InsertLookupRoundTrip(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	root := tr.Root()
	const n = 400
	for i := 0; i < n; i++ {
		newRoot, err := Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), []byte(fmt.Sprintf("val-%d", i)), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		root = newRoot
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	for i := 0; i < n; i++ {
		val, found, err := tr.Lookup(key(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !found {
			t.Fatalf("key %d missing after insert", i)
		}
		want := fmt.Sprintf("val-%d", i)
		if string(val) != want {
			t.Fatalf("key %d: got %q, want %q", i, val, want)
		}
	}

	if _, found, err := tr.Lookup(key(n + 1)); err != nil || found {
		t.Fatalf("lookup missing key: found=%v err=%v", found, err)
	}
}

func TestTree_IteratorForwardOrder(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tr.Root()
	const n = 200
	// insert in reverse so the tree isn't built in append order
	for i := n - 1; i >= 0; i-- {
		root, err = Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), key(i), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	it, err := tr.SeekFirst()
	if err != nil {
		t.Fatalf("seek first: %v", err)
	}
	count := 0
	for ; it.Valid(); it.Next() {
		got := binary.BigEndian.Uint64(it.Key())
		if got != uint64(count) {
			t.Fatalf("out of order at position %d: got %d", count, got)
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != n {
		t.Fatalf("visited %d entries, want %d", count, n)
	}
}

func TestTree_IteratorBackwardOrder(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tr.Root()
	const n = 150
	for i := 0; i < n; i++ {
		root, err = Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), key(i), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	it, err := tr.SeekLast()
	if err != nil {
		t.Fatalf("seek last: %v", err)
	}
	count := 0
	for ; it.Valid(); it.Prev() {
		want := n - 1 - count
		got := binary.BigEndian.Uint64(it.Key())
		if got != uint64(want) {
			t.Fatalf("out of order at position %d: got %d, want %d", count, got, want)
		}
		count++
	}
	if count != n {
		t.Fatalf("visited %d entries, want %d", count, n)
	}
}

func TestTree_IteratorReversesAfterForwardExhaustion(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tr.Root()
	const n = 50
	for i := 0; i < n; i++ {
		root, err = Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), key(i), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	it, err := tr.Seek(key(n - 3))
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	for it.Next() {
	}
	if it.Valid() {
		t.Fatalf("expected iterator to run off the end")
	}
	if !it.Prev() {
		t.Fatalf("expected Prev to recover a position after forward exhaustion")
	}
	got := binary.BigEndian.Uint64(it.Key())
	if got != uint64(n-1) {
		t.Fatalf("after reversing from exhaustion: got %d, want %d", got, n-1)
	}
}

func TestTree_DeleteRemovesKey(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tr.Root()
	const n = 300
	for i := 0; i < n; i++ {
		root, err = Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), key(i), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var orphans []page.ID
	tracker := trackerFunc(func(id page.ID) { orphans = append(orphans, id) })
	for i := 0; i < n; i += 2 {
		var found bool
		root, found, err = Open(fm, root, page.IndexEAV, bytesCompare).Delete(key(i), tracker)
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !found {
			t.Fatalf("delete %d: expected found", i)
		}
	}
	if len(orphans) == 0 {
		t.Fatalf("expected delete to report orphaned pages")
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	for i := 0; i < n; i++ {
		_, found, err := tr.Lookup(key(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		wantFound := i%2 == 1
		if found != wantFound {
			t.Fatalf("key %d: found=%v, want %v", i, found, wantFound)
		}
	}
}

func TestTree_RangeHalfOpenBounds(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := tr.Root()
	const n = 200
	for i := n - 1; i >= 0; i-- {
		root, err = Open(fm, root, page.IndexEAV, bytesCompare).Insert(key(i), key(i), NopTracker)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tr = Open(fm, root, page.IndexEAV, bytesCompare)
	it, err := tr.Range(key(50), key(60))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	var got []uint64
	for ; it.Valid(); it.Next() {
		got = append(got, binary.BigEndian.Uint64(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("range [50,60): got %d entries, want 10", len(got))
	}
	for i, v := range got {
		if v != uint64(50+i) {
			t.Fatalf("range[%d]: got %d, want %d", i, v, 50+i)
		}
	}

	// end itself must be excluded.
	it, err = tr.Range(key(0), key(0))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if it.Valid() {
		t.Fatalf("empty range [0,0) should yield nothing")
	}

	// An unbounded (nil end) range behaves exactly like Seek.
	it, err = tr.Range(key(n-1), nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	if count != 1 {
		t.Fatalf("unbounded range from last key: got %d entries, want 1", count)
	}
}

type trackerFunc func(page.ID)

func (f trackerFunc) Track(id page.ID) { f(id) }

func TestTree_InsertIsCopyOnWrite(t *testing.T) {
	fm := newTestManager(t)
	tr, err := Create(fm, page.IndexEAV, bytesCompare)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	oldRoot := tr.Root()

	newRoot, err := tr.Insert(key(1), []byte("a"), NopTracker)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if newRoot == oldRoot {
		t.Fatalf("insert should allocate a fresh root page, reused %d", oldRoot)
	}

	// the old root snapshot must still read back exactly as it was
	oldTr := Open(fm, oldRoot, page.IndexEAV, bytesCompare)
	if _, found, _ := oldTr.Lookup(key(1)); found {
		t.Fatalf("old root snapshot should not see the new key")
	}
}
