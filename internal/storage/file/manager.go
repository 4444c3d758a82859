// Package file implements ZatDB's file manager and dual-meta-page
// commit protocol (components C3/C4): page I/O against a single
// database file, a read-mmap view for page reads, and the crash-safe
// two-slot meta handoff that replaces a write-ahead log entirely.
package file

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/zatdb/zatdb/internal/storage/page"
	"github.com/zatdb/zatdb/internal/zatdberr"
)

// candidatePageSizes is tried, in order, when the active meta slot
// (page 0) is itself unreadable and the other slot's offset must be
// guessed — every ZatDB page size in practical use is one of these.
var candidatePageSizes = []int{4096, 8192, 16384, 32768, 65536}

// Options configures Open for a new database file. Ignored when
// opening an existing file — page size is self-describing there.
type Options struct {
	PageSize int
}

// Manager owns the database file: positioned writes via os.File, and
// reads through a golang.org/x/exp/mmap read view that is unmapped
// and remapped once per commit (§9's resolved mmap-strategy question).
//
// Genuinely zero-copy page reads would require a raw slice into the
// mapped region; x/exp/mmap's public API only offers ReaderAt.ReadAt
// (which copies into a caller-supplied buffer) and an At(i) byte
// accessor, so this layer copies once per ReadPage call. The
// "zero-copy" property this spec cares about — that decoding a value
// out of a page does not copy its bytes again — still holds: codec.Decode
// slices directly into the buffer ReadPage returns.
type Manager struct {
	mu sync.Mutex

	file *os.File
	mr   *mmap.ReaderAt
	path string

	pageSize int

	active     *Meta
	activeSlot int // 0 or 1: which meta slot currently holds `active`

	pendingNextPage page.ID
	reuse           []page.ID

	// dirty holds every page WritePage has landed since the last
	// BeginWrite, keyed by id. The mmap view backing ReadPage is only
	// remapped once per commit (see Commit), so a page an in-flight
	// transaction just wrote — and then descends into again, as every
	// btree insert does — would otherwise be invisible (or, once the
	// write has extended the file past the last remapped length,
	// unreadable) until that remap happens. ReadPage consults this
	// overlay before falling through to the mmap view.
	dirty map[page.ID][]byte

	closed bool
}

// Open opens an existing database file or creates a new one at path.
// opts.PageSize is only consulted on creation.
func Open(path string, opts Options) (*Manager, error) {
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, zatdberr.Wrap(zatdberr.KindIO, "open database file", err)
	}

	m := &Manager{file: f, path: path}

	if isNew {
		ps := opts.PageSize
		if ps == 0 {
			ps = page.DefaultSize
		}
		meta := &Meta{
			PageSize:   uint32(ps),
			TxID:       0,
			EAVRoot:    page.InvalidID,
			AVERoot:    page.InvalidID,
			VAERoot:    page.InvalidID,
			TxLogRoot:  page.InvalidID,
			FreeRoot:   page.InvalidID,
			NextEntity: 0,
			NextPage:   2,
			DatomCount: 0,
		}
		buf := meta.Marshal(ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, zatdberr.Wrap(zatdberr.KindIO, "write initial meta", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, zatdberr.Wrap(zatdberr.KindIO, "sync initial meta", err)
		}
		m.pageSize = ps
		m.active = meta
		m.activeSlot = 0
	} else {
		meta, slot, err := readActiveMeta(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		m.pageSize = int(meta.PageSize)
		m.active = meta
		m.activeSlot = slot
	}
	m.pendingNextPage = m.active.NextPage
	m.dirty = make(map[page.ID][]byte)

	if err := m.remapLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// readActiveMeta reads both meta slots and returns whichever is valid
// with the higher tx_id. Slot 0 is read at offset 0 unconditionally —
// Unmarshal only needs the first MetaSize bytes regardless of the
// real page size, which is how this sidesteps not yet knowing the
// page size. If slot 0 is unreadable, a handful of conventional page
// sizes are tried to locate slot 1.
func readActiveMeta(f *os.File) (*Meta, int, error) {
	slot0Buf := make([]byte, MetaSize)
	var slot0, slot1 *Meta
	if _, err := f.ReadAt(slot0Buf, 0); err == nil {
		slot0, _ = Unmarshal(slot0Buf)
	}

	var slot1Offsets []int
	if slot0 != nil {
		slot1Offsets = []int{int(slot0.PageSize)}
	} else {
		slot1Offsets = candidatePageSizes
	}
	for _, off := range slot1Offsets {
		buf := make([]byte, MetaSize)
		if _, err := f.ReadAt(buf, int64(off)); err != nil {
			continue
		}
		if m, err := Unmarshal(buf); err == nil {
			slot1 = m
			break
		}
	}

	switch {
	case slot0 == nil && slot1 == nil:
		return nil, 0, zatdberr.ErrCorruptDatabase
	case slot0 == nil:
		return slot1, 1, nil
	case slot1 == nil:
		return slot0, 0, nil
	case slot0.TxID >= slot1.TxID:
		return slot0, 0, nil
	default:
		return slot1, 1, nil
	}
}

func (m *Manager) remapLocked() error {
	if m.mr != nil {
		m.mr.Close()
		m.mr = nil
	}
	mr, err := mmap.Open(m.path)
	if err != nil {
		return zatdberr.Wrap(zatdberr.KindIO, "mmap database file", err)
	}
	m.mr = mr
	return nil
}

// PageSize returns the page size recorded in the active meta.
func (m *Manager) PageSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageSize
}

// ActiveMeta returns a copy of the currently active meta.
func (m *Manager) ActiveMeta() *Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Clone()
}

// ReadPage reads page id, preferring the dirty overlay of whatever the
// current transaction has already written over the mmap view (which
// only reflects the file as of the last commit).
func (m *Manager) ReadPage(id page.ID) ([]byte, error) {
	m.mu.Lock()
	if buf, ok := m.dirty[id]; ok {
		out := append([]byte(nil), buf...)
		m.mu.Unlock()
		return out, nil
	}
	mr := m.mr
	ps := m.pageSize
	m.mu.Unlock()

	buf := make([]byte, ps)
	off := int64(id) * int64(ps)
	_, err := mr.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, zatdberr.Wrap(zatdberr.KindIO, fmt.Sprintf("read page %d", id), err)
	}
	return buf, nil
}

// WritePage writes buf at page id's offset via a positioned write, and
// records it in the dirty overlay so a later ReadPage within the same
// transaction sees it even though the mmap view won't be refreshed
// until Commit.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	m.mu.Lock()
	ps := m.pageSize
	m.mu.Unlock()

	if len(buf) != ps {
		return fmt.Errorf("file: page buffer is %d bytes, want %d", len(buf), ps)
	}
	off := int64(id) * int64(ps)
	if _, err := m.file.WriteAt(buf, off); err != nil {
		return zatdberr.Wrap(zatdberr.KindIO, fmt.Sprintf("write page %d", id), err)
	}

	m.mu.Lock()
	m.dirty[id] = append([]byte(nil), buf...)
	m.mu.Unlock()
	return nil
}

// BeginWrite resets per-transaction allocation state. Called once at
// the start of each write transaction (the single-writer model means
// only one is ever in flight).
func (m *Manager) BeginWrite(reusable []page.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingNextPage = m.active.NextPage
	m.reuse = append([]page.ID(nil), reusable...)
	m.dirty = make(map[page.ID][]byte)
}

// AllocPage returns a fresh page id — popped from the reclaimed-page
// queue if one is available (pages a reclaiming transaction handed
// back via BeginWrite's reusable list), otherwise extending the file
// by bumping the pending next_page counter. The returned buffer is
// zeroed and not yet written to disk.
func (m *Manager) AllocPage() (page.ID, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id page.ID
	if len(m.reuse) > 0 {
		id = m.reuse[0]
		m.reuse = m.reuse[1:]
	} else {
		id = m.pendingNextPage
		m.pendingNextPage++
	}
	return id, page.New(m.pageSize)
}

// PendingNextPage returns the next_page counter this transaction would
// commit if it ended now — used to populate the new Meta at commit.
func (m *Manager) PendingNextPage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingNextPage
}

// Commit executes the crash-safe commit protocol: (1) write every new
// data page, (2) sync, (3) write the non-active meta slot, (4) sync,
// (5) remap. newMeta.NextPage should be set to PendingNextPage() before
// calling Commit.
func (m *Manager) Commit(dataPages map[page.ID][]byte, newMeta *Meta) error {
	for id, buf := range dataPages {
		if err := m.WritePage(id, buf); err != nil {
			return err
		}
	}
	if err := m.file.Sync(); err != nil {
		return zatdberr.Wrap(zatdberr.KindIO, "sync data pages", err)
	}

	m.mu.Lock()
	targetSlot := 1 - m.activeSlot
	ps := m.pageSize
	m.mu.Unlock()

	metaBuf := newMeta.Marshal(ps)
	off := int64(targetSlot) * int64(ps)
	if _, err := m.file.WriteAt(metaBuf, off); err != nil {
		return zatdberr.Wrap(zatdberr.KindIO, "write meta slot", err)
	}
	if err := m.file.Sync(); err != nil {
		return zatdberr.Wrap(zatdberr.KindIO, "sync meta slot", err)
	}

	m.mu.Lock()
	m.active = newMeta
	m.activeSlot = targetSlot
	m.pendingNextPage = newMeta.NextPage
	m.reuse = nil
	m.dirty = make(map[page.ID][]byte)
	err := m.remapLocked()
	m.mu.Unlock()
	return err
}

// Close releases the mmap view and closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.mr != nil {
		err = m.mr.Close()
	}
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Path returns the database file path.
func (m *Manager) Path() string { return m.path }
