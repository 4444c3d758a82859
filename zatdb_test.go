package zatdb_test

import (
	"path/filepath"
	"testing"

	zatdb "github.com/zatdb/zatdb"
	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/schema"
	"github.com/zatdb/zatdb/internal/txn"
)

func defineAttr(t *testing.T, db *zatdb.Database, ident, valueType, cardinality, unique string) uint64 {
	t.Helper()
	ops := []txn.TxOp{
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/ident", V: codec.Keyword(ident)},
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/valueType", V: codec.Keyword(valueType)},
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/cardinality", V: codec.Keyword(cardinality)},
	}
	if unique != "" {
		ops = append(ops, txn.TxOp{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/unique", V: codec.Keyword(unique)})
	}
	res, err := db.Transact(ops)
	if err != nil {
		t.Fatalf("define %s: %v", ident, err)
	}
	return res.Tempids["def"]
}

func TestOpen_BootstrapsFreshFile(t *testing.T) {
	dir := t.TempDir()
	db, err := zatdb.Open(filepath.Join(dir, "zat.db"), zatdb.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	stats := db.Stats()
	if stats.TxID != 0 {
		t.Fatalf("tx_id: got %d, want 0", stats.TxID)
	}
	if stats.NextEntity != schema.FirstUserEntitySeq {
		t.Fatalf("next_entity: got %d, want %d", stats.NextEntity, schema.FirstUserEntitySeq)
	}
	if stats.AttrCount != 8 {
		t.Fatalf("attr_count: got %d, want 8", stats.AttrCount)
	}
}

func TestOpen_ReopenPersistsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zat.db")

	db1, err := zatdb.Open(path, zatdb.Options{})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	defineAttr(t, db1, ":user/name", ":db.type/string", ":db.cardinality/one", "")
	if err := db1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := zatdb.Open(path, zatdb.Options{})
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer db2.Close()

	if db2.TxID() != 1 {
		t.Fatalf("tx_id after reopen: got %d, want 1", db2.TxID())
	}
	snap, err := db2.NewSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer snap.Close()
	if _, ok := snap.ResolveIdent(":user/name"); !ok {
		t.Fatalf("schema should survive reopen")
	}
}

func TestSnapshot_PinsReaderSlotAndSeesConsistentData(t *testing.T) {
	dir := t.TempDir()
	db, err := zatdb.Open(filepath.Join(dir, "zat.db"), zatdb.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	defineAttr(t, db, ":user/name", ":db.type/string", ":db.cardinality/one", "")
	user1 := schema.MakeEntityID(schema.PartitionUser, 500)
	if _, err := db.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(user1), Attr: ":user/name", V: codec.String("Alice")},
	}); err != nil {
		t.Fatalf("assert: %v", err)
	}

	snap, err := db.NewSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if db.Stats().OpenReaders != 1 {
		t.Fatalf("open readers: got %d, want 1", db.Stats().OpenReaders)
	}

	nameAttr, ok := snap.ResolveIdent(":user/name")
	if !ok {
		t.Fatalf("resolveIdent(:user/name) failed on snapshot")
	}
	v, found, err := snap.LookupEntityAttr(user1, nameAttr)
	if err != nil || !found || v.AsString() != "Alice" {
		t.Fatalf("lookup: got %+v, found=%v, err=%v", v, found, err)
	}

	// Writes made after the snapshot was opened must not become
	// visible through it.
	if _, err := db.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(user1), Attr: ":user/name", V: codec.String("Bob")},
	}); err != nil {
		t.Fatalf("second assert: %v", err)
	}
	v, _, _ = snap.LookupEntityAttr(user1, nameAttr)
	if v.AsString() != "Alice" {
		t.Fatalf("snapshot should still see Alice, got %q", v.AsString())
	}

	snap.Close()
	if db.Stats().OpenReaders != 0 {
		t.Fatalf("open readers after close: got %d, want 0", db.Stats().OpenReaders)
	}
}

func TestDatabase_AttrsListsSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := zatdb.Open(filepath.Join(dir, "zat.db"), zatdb.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	defineAttr(t, db, ":user/name", ":db.type/string", ":db.cardinality/one", "")

	var found bool
	for _, a := range db.Attrs() {
		if a.Ident == ":user/name" {
			found = true
		}
	}
	if !found {
		t.Fatalf(":user/name missing from Attrs()")
	}
}
