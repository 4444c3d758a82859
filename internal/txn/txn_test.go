package txn_test

import (
	"path/filepath"
	"testing"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/index"
	"github.com/zatdb/zatdb/internal/schema"
	"github.com/zatdb/zatdb/internal/storage/btree"
	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/freedb"
	"github.com/zatdb/zatdb/internal/txn"
	"github.com/zatdb/zatdb/internal/zatdberr"
)

// newTestDB bootstraps a fresh database and returns a Processor ready
// to transact, mirroring what the root Database facade's Open-on-a-new-
// file path will do.
func newTestDB(t *testing.T) *txn.Processor {
	t.Helper()
	dir := t.TempDir()
	fm, err := file.Open(filepath.Join(dir, "zat.db"), file.Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	t.Cleanup(func() { fm.Close() })
	fm.BeginWrite(nil)

	bootMgr, err := index.Create(fm, schema.BootstrapAttrInfo())
	if err != nil {
		t.Fatalf("create index manager: %v", err)
	}
	cache, err := schema.Bootstrap(bootMgr, btree.NopTracker)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	idx := index.Open(fm, bootMgr.Roots(), cache)

	free, err := freedb.Create(fm)
	if err != nil {
		t.Fatalf("create freedb: %v", err)
	}

	roots := idx.Roots()
	meta := &file.Meta{
		PageSize:   uint32(fm.PageSize()),
		TxID:       0,
		EAVRoot:    roots.EAV,
		AVERoot:    roots.AVE,
		VAERoot:    roots.VAE,
		TxLogRoot:  roots.TxLog,
		FreeRoot:   free.Root(),
		NextEntity: schema.FirstUserEntitySeq,
		NextPage:   fm.PendingNextPage(),
		DatomCount: 0,
	}
	if err := fm.Commit(nil, meta); err != nil {
		t.Fatalf("commit bootstrap meta: %v", err)
	}

	return txn.NewProcessor(fm, idx, cache, free)
}

func defineAttr(t *testing.T, p *txn.Processor, ident, valueType, cardinality, unique string) uint64 {
	t.Helper()
	ops := []txn.TxOp{
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/ident", V: codec.Keyword(ident)},
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/valueType", V: codec.Keyword(valueType)},
		{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/cardinality", V: codec.Keyword(cardinality)},
	}
	if unique != "" {
		ops = append(ops, txn.TxOp{Op: txn.OpAssert, E: txn.Tempid("def"), Attr: ":db/unique", V: codec.Keyword(unique)})
	}
	res, err := p.Transact(ops)
	if err != nil {
		t.Fatalf("define %s: %v", ident, err)
	}
	return res.Tempids["def"]
}

func TestTransact_EmptyToOne(t *testing.T) {
	p := newTestDB(t)

	res, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Tempid("a"), Attr: ":db/ident", V: codec.Keyword(":user/name")},
		{Op: txn.OpAssert, E: txn.Tempid("a"), Attr: ":db/valueType", V: codec.Keyword(":db.type/string")},
		{Op: txn.OpAssert, E: txn.Tempid("a"), Attr: ":db/cardinality", V: codec.Keyword(":db.cardinality/one")},
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if res.TxID != 1 {
		t.Fatalf("tx_id: got %d, want 1", res.TxID)
	}
	if _, ok := p.Cache().ResolveIdent(":user/name"); !ok {
		t.Fatalf("schema cache should now resolve :user/name")
	}
	if p.NextEntity() < 10 {
		t.Fatalf("next_entity_id: got %d, want >= 10", p.NextEntity())
	}
}

func TestTransact_CardinalityOneReplace(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/name", ":db.type/string", ":db.cardinality/one", "")

	user1 := schema.MakeEntityID(schema.PartitionUser, 500)

	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(user1), Attr: ":user/name", V: codec.String("Alice")},
	}); err != nil {
		t.Fatalf("tx 2: %v", err)
	}

	res, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(user1), Attr: ":user/name", V: codec.String("Bob")},
	})
	if err != nil {
		t.Fatalf("tx 3: %v", err)
	}
	if res.TxID != 3 {
		t.Fatalf("tx_id: got %d, want 3", res.TxID)
	}

	nameAttr, _ := p.Cache().ResolveIdent(":user/name")
	v, found, err := p.Index().LookupEntityAttr(user1, nameAttr)
	if err != nil || !found || v.AsString() != "Bob" {
		t.Fatalf("current value: got %+v, found=%v, err=%v", v, found, err)
	}

	it, err := p.Index().EAVSeek(index.EncodeEAVKey(user1, nameAttr, codec.Nil()))
	if err != nil {
		t.Fatalf("seek eav: %v", err)
	}
	count := 0
	for ; it.Valid(); it.Next() {
		if index.DecodeEAVEntity(it.Key()) != user1 || index.DecodeEAVAttr(it.Key()) != nameAttr {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one EAV entry for (user1, :user/name), got %d", count)
	}
}

func TestTransact_UniqueIdentityUpsert(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/email", ":db.type/string", ":db.cardinality/one", ":db.unique/identity")
	defineAttr(t, p, ":user/name", ":db.type/string", ":db.cardinality/one", "")

	res1, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Tempid("alice"), Attr: ":user/email", V: codec.String("a@b.com")},
		{Op: txn.OpAssert, E: txn.Tempid("alice"), Attr: ":user/name", V: codec.String("Alice")},
	})
	if err != nil {
		t.Fatalf("tx 1: %v", err)
	}
	e1 := res1.Tempids["alice"]

	res2, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Tempid("p"), Attr: ":user/email", V: codec.String("a@b.com")},
		{Op: txn.OpAssert, E: txn.Tempid("p"), Attr: ":user/name", V: codec.String("A.")},
	})
	if err != nil {
		t.Fatalf("tx 2: %v", err)
	}
	if res2.Tempids["p"] != e1 {
		t.Fatalf("upsert should remap tempid p to %d, got %d", e1, res2.Tempids["p"])
	}

	nameAttr, _ := p.Cache().ResolveIdent(":user/name")
	v, found, err := p.Index().LookupEntityAttr(e1, nameAttr)
	if err != nil || !found || v.AsString() != "A." {
		t.Fatalf("current :user/name on e1: got %+v, found=%v, err=%v", v, found, err)
	}
}

func TestTransact_UniqueValueConflict(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/ssn", ":db.type/string", ":db.cardinality/one", ":db.unique/value")

	e1 := schema.MakeEntityID(schema.PartitionUser, 501)
	e2 := schema.MakeEntityID(schema.PartitionUser, 502)

	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(e1), Attr: ":user/ssn", V: codec.String("123-45-6789")},
	}); err != nil {
		t.Fatalf("assert on e1: %v", err)
	}

	txIDBefore := p.TxID()
	_, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(e2), Attr: ":user/ssn", V: codec.String("123-45-6789")},
	})
	if err == nil {
		t.Fatalf("expected UniqueValueConflict")
	}
	if !zatdberr.Is(err, zatdberr.KindUniqueValueConflict) {
		t.Fatalf("expected KindUniqueValueConflict, got %v", err)
	}
	if p.TxID() != txIDBefore {
		t.Fatalf("failed transaction must not advance tx_id: got %d, want %d", p.TxID(), txIDBefore)
	}

	ssnAttr, _ := p.Cache().ResolveIdent(":user/ssn")
	if _, found, _ := p.Index().LookupEntityAttr(e2, ssnAttr); found {
		t.Fatalf("e2 must not have acquired the conflicting value")
	}
}

func TestTransact_EntityPreservingReassertionAllowed(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/ssn", ":db.type/string", ":db.cardinality/one", ":db.unique/value")

	e1 := schema.MakeEntityID(schema.PartitionUser, 503)
	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(e1), Attr: ":user/ssn", V: codec.String("111-22-3333")},
	}); err != nil {
		t.Fatalf("first assert: %v", err)
	}
	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(e1), Attr: ":user/ssn", V: codec.String("111-22-3333")},
	}); err != nil {
		t.Fatalf("re-asserting the same value on the same entity should be allowed: %v", err)
	}
}

func TestTransact_RetractRemovesFromEAV(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/name", ":db.type/string", ":db.cardinality/many", "")

	e1 := schema.MakeEntityID(schema.PartitionUser, 504)
	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(e1), Attr: ":user/name", V: codec.String("Nickname")},
	}); err != nil {
		t.Fatalf("assert: %v", err)
	}
	if _, err := p.Transact([]txn.TxOp{
		{Op: txn.OpRetract, E: txn.Known(e1), Attr: ":user/name", V: codec.String("Nickname")},
	}); err != nil {
		t.Fatalf("retract: %v", err)
	}

	nameAttr, _ := p.Cache().ResolveIdent(":user/name")
	if _, found, _ := p.Index().LookupEntityAttr(e1, nameAttr); found {
		t.Fatalf("retracted datom must be gone from EAV")
	}
}

func TestTransact_UnknownAttributeFails(t *testing.T) {
	p := newTestDB(t)
	_, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(1), Attr: ":no/such-attr", V: codec.String("x")},
	})
	if !zatdberr.Is(err, zatdberr.KindUnknownAttribute) {
		t.Fatalf("expected KindUnknownAttribute, got %v", err)
	}
}

func TestTransact_TypeMismatchFails(t *testing.T) {
	p := newTestDB(t)
	defineAttr(t, p, ":user/age", ":db.type/long", ":db.cardinality/one", "")

	_, err := p.Transact([]txn.TxOp{
		{Op: txn.OpAssert, E: txn.Known(1), Attr: ":user/age", V: codec.String("not a number")},
	})
	if !zatdberr.Is(err, zatdberr.KindTypeMismatch) {
		t.Fatalf("expected KindTypeMismatch, got %v", err)
	}
}
