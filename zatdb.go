// Package zatdb is the root facade over the storage core: it owns the
// single database file, enforces the single-writer model, and hands
// out read snapshots pinned against free-page reclamation.
package zatdb

import (
	"sync"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/index"
	"github.com/zatdb/zatdb/internal/schema"
	"github.com/zatdb/zatdb/internal/storage"
	"github.com/zatdb/zatdb/internal/storage/btree"
	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/freedb"
	"github.com/zatdb/zatdb/internal/storage/page"
	"github.com/zatdb/zatdb/internal/txn"
)

// Options configures Open. PageSize is only consulted when Open
// creates a brand new database file.
type Options struct {
	PageSize int
}

// Database is the top-level handle onto one ZatDB file.
type Database struct {
	fm *file.Manager

	// writeMu enforces spec §5's single-writer model: at most one
	// Transact call may be in flight against this file at a time.
	writeMu sync.Mutex
	proc    *txn.Processor

	// cacheMu guards proc.Cache()'s fields against a Reload racing a
	// concurrent Snapshot read; the txn package itself assumes a
	// single writer and does no locking of its own.
	cacheMu sync.RWMutex

	readers *storage.ReaderSet
}

// Open opens an existing ZatDB file at path, or creates and bootstraps
// a new one if it doesn't exist yet.
func Open(path string, opts Options) (*Database, error) {
	if opts.PageSize == 0 {
		opts.PageSize = page.DefaultSize
	}
	fm, err := file.Open(path, file.Options{PageSize: opts.PageSize})
	if err != nil {
		return nil, err
	}

	db := &Database{fm: fm, readers: storage.NewReaderSet()}

	meta := fm.ActiveMeta()
	if meta.EAVRoot == page.InvalidID {
		err = db.bootstrap()
	} else {
		err = db.reopen(meta)
	}
	if err != nil {
		fm.Close()
		return nil, err
	}

	db.proc.SetOldestReaderFunc(func() uint64 {
		return db.readers.OldestActive(db.proc.TxID())
	})
	return db, nil
}

// bootstrap initializes a freshly created, empty file: installs the
// eight reserved meta-attributes, commits the first meta record, and
// wires up a Processor against it.
func (db *Database) bootstrap() error {
	db.fm.BeginWrite(nil)

	bootMgr, err := index.Create(db.fm, schema.BootstrapAttrInfo())
	if err != nil {
		return err
	}
	cache, err := schema.Bootstrap(bootMgr, btree.NopTracker)
	if err != nil {
		return err
	}
	idx := index.Open(db.fm, bootMgr.Roots(), cache)

	free, err := freedb.Create(db.fm)
	if err != nil {
		return err
	}

	roots := idx.Roots()
	meta := &file.Meta{
		PageSize:   uint32(db.fm.PageSize()),
		TxID:       0,
		EAVRoot:    roots.EAV,
		AVERoot:    roots.AVE,
		VAERoot:    roots.VAE,
		TxLogRoot:  roots.TxLog,
		FreeRoot:   free.Root(),
		NextEntity: schema.FirstUserEntitySeq,
		NextPage:   db.fm.PendingNextPage(),
		DatomCount: 0,
	}
	if err := db.fm.Commit(nil, meta); err != nil {
		return err
	}

	db.proc = txn.NewProcessor(db.fm, idx, cache, free)
	return nil
}

// reopen wires a Processor against an already-bootstrapped file's
// current meta, rebuilding the schema cache from the persisted EAV
// tree rather than trusting any cached state (there is none — Open is
// always a cold start).
func (db *Database) reopen(meta *file.Meta) error {
	cache := schema.NewCache()
	roots := index.Roots{EAV: meta.EAVRoot, AVE: meta.AVERoot, VAE: meta.VAERoot, TxLog: meta.TxLogRoot}
	idx := index.Open(db.fm, roots, cache)
	if err := cache.Reload(idx); err != nil {
		return err
	}
	free := freedb.Open(db.fm, meta.FreeRoot)
	db.proc = txn.NewProcessor(db.fm, idx, cache, free)
	return nil
}

// Close releases the underlying file handle. It does not wait for any
// open Snapshot to be released first — callers are responsible for
// closing snapshots before closing the Database.
func (db *Database) Close() error {
	return db.fm.Close()
}

// Transact runs one batch of operations through the transaction
// pipeline (txn.Processor.Transact), serialized against every other
// writer on this handle.
func (db *Database) Transact(ops []txn.TxOp) (*txn.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()

	return db.proc.Transact(ops)
}

// TxID returns the most recently committed transaction id.
func (db *Database) TxID() uint64 {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.proc.TxID()
}

// Stats is a point-in-time summary of the database, suitable for the
// CLI's stats subcommand.
type Stats struct {
	TxID       uint64
	NextEntity uint64
	DatomCount uint64
	PageSize   int
	OpenReaders int
	AttrCount  int
}

// Stats reports the current database-wide counters.
func (db *Database) Stats() Stats {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.cacheMu.RLock()
	defer db.cacheMu.RUnlock()

	return Stats{
		TxID:        db.proc.TxID(),
		NextEntity:  db.proc.NextEntity(),
		DatomCount:  db.proc.DatomCount(),
		PageSize:    db.fm.PageSize(),
		OpenReaders: db.readers.Len(),
		AttrCount:   len(db.proc.Cache().Attrs()),
	}
}

// Attrs returns every attribute currently defined in the schema.
func (db *Database) Attrs() []*schema.Attr {
	db.cacheMu.RLock()
	defer db.cacheMu.RUnlock()
	return db.proc.Cache().Attrs()
}

// Snapshot is a read-only, point-in-time view of the database, pinned
// against free-page reclamation for as long as it stays open.
type Snapshot struct {
	db    *Database
	slot  int
	txID  uint64
	idx   *index.Manager
	cache *schema.Cache
}

// NewSnapshot opens a read snapshot at the most recently committed
// transaction. The caller must call Close when done to free the
// reader slot; an unreleased snapshot blocks reclamation of every page
// still reachable from its roots forever.
func (db *Database) NewSnapshot() (*Snapshot, error) {
	// The reader slot must be pinned before releasing writeMu: any
	// Transact that starts after we read meta computes its reclaim
	// floor from the reader table, so our slot has to already be
	// visible there or its commit could reclaim a page this snapshot
	// is about to rely on.
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	meta := db.fm.ActiveMeta()
	slot, err := db.readers.Acquire(meta.TxID)
	if err != nil {
		return nil, err
	}

	db.cacheMu.RLock()
	cache := db.proc.Cache()
	db.cacheMu.RUnlock()

	roots := index.Roots{EAV: meta.EAVRoot, AVE: meta.AVERoot, VAE: meta.VAERoot, TxLog: meta.TxLogRoot}
	idx := index.Open(db.fm, roots, cache)
	return &Snapshot{db: db, slot: slot, txID: meta.TxID, idx: idx, cache: cache}, nil
}

// Close releases the snapshot's reader slot, letting reclamation
// proceed past its transaction id once no other snapshot needs it.
func (s *Snapshot) Close() {
	s.db.readers.Release(s.slot)
}

// TxID returns the transaction this snapshot is pinned to.
func (s *Snapshot) TxID() uint64 { return s.txID }

// ResolveIdent looks up an entity id by its :db/ident keyword in the
// database's schema cache. The cache is shared with the writer, not
// copied when the snapshot is opened, so an ident defined by a later
// transaction also resolves here.
func (s *Snapshot) ResolveIdent(kw string) (uint64, bool) {
	s.db.cacheMu.RLock()
	defer s.db.cacheMu.RUnlock()
	return s.cache.ResolveIdent(kw)
}

// LookupEntityAttr returns the current cardinality-one value of
// (e, a), as of this snapshot.
func (s *Snapshot) LookupEntityAttr(e, a uint64) (codec.Value, bool, error) {
	return s.idx.LookupEntityAttr(e, a)
}

// EAVSeek positions an iterator at or after key within this
// snapshot's EAV tree.
func (s *Snapshot) EAVSeek(key []byte) (*btree.Iterator, error) {
	return s.idx.EAVSeek(key)
}
