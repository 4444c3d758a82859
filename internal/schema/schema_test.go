package schema

import (
	"path/filepath"
	"testing"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/index"
	"github.com/zatdb/zatdb/internal/storage/btree"
	"github.com/zatdb/zatdb/internal/storage/file"
)

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

func bootstrapTestDB(t *testing.T) (*index.Manager, *Cache) {
	t.Helper()
	fm := newTestManager(t)
	mgr, err := index.Create(fm, BootstrapAttrInfo())
	if err != nil {
		t.Fatalf("create index manager: %v", err)
	}
	cache, err := Bootstrap(mgr, btree.NopTracker)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return mgr, cache
}

func TestPartitionOf_RoundTrips(t *testing.T) {
	id := MakeEntityID(PartitionUser, 42)
	if PartitionOf(id) != PartitionUser {
		t.Fatalf("partition: got %d, want %d", PartitionOf(id), PartitionUser)
	}
	if id&seqMask != 42 {
		t.Fatalf("sequence bits corrupted: %d", id&seqMask)
	}
}

func TestBootstrap_InstallsEightReservedAttributes(t *testing.T) {
	_, cache := bootstrapTestDB(t)

	for _, want := range []struct {
		ident string
		id    uint64
	}{
		{":db/ident", IdentAttrID},
		{":db/valueType", ValueTypeAttrID},
		{":db/cardinality", CardinalityAttrID},
		{":db/unique", UniqueAttrID},
		{":db/index", IndexAttrID},
		{":db/isComponent", IsComponentAttrID},
		{":db/doc", DocAttrID},
		{":db/txInstant", TxInstantAttrID},
	} {
		id, ok := cache.ResolveIdent(want.ident)
		if !ok || id != want.id {
			t.Fatalf("resolveIdent(%s): got (%d,%v), want (%d,true)", want.ident, id, ok, want.id)
		}
		attr, ok := cache.GetAttr(want.id)
		if !ok || attr.Ident != want.ident {
			t.Fatalf("getAttr(%d): got %+v, ok=%v", want.id, attr, ok)
		}
	}

	identAttr, _ := cache.GetAttr(IdentAttrID)
	if identAttr.Unique != UniqueIdentity {
		t.Fatalf(":db/ident should be unique identity, got %v", identAttr.Unique)
	}
	if !cache.IsIndexed(IdentAttrID) {
		t.Fatalf(":db/ident should be indexed via its uniqueness constraint")
	}
}

func TestCache_ValidateTypeAndIsRef(t *testing.T) {
	_, cache := bootstrapTestDB(t)

	if !cache.ValidateType(DocAttrID, codec.String("hello")) {
		t.Fatalf(":db/doc should accept a string value")
	}
	if cache.ValidateType(DocAttrID, codec.Int(1)) {
		t.Fatalf(":db/doc should reject an int value")
	}
	if cache.IsRef(DocAttrID) {
		t.Fatalf(":db/doc is not ref-typed")
	}
}

func TestCache_ReloadPicksUpUserDefinedAttribute(t *testing.T) {
	mgr, cache := bootstrapTestDB(t)

	userAttr := MakeEntityID(PartitionDB, FirstUserEntitySeq)
	datoms := []index.Datom{
		{E: userAttr, A: IdentAttrID, V: codec.Keyword(":person/name"), Tx: 1, Op: true},
		{E: userAttr, A: ValueTypeAttrID, V: codec.Keyword(":db.type/string"), Tx: 1, Op: true},
		{E: userAttr, A: CardinalityAttrID, V: codec.Keyword(":db.cardinality/one"), Tx: 1, Op: true},
		{E: userAttr, A: UniqueAttrID, V: codec.Keyword(":db.unique/identity"), Tx: 1, Op: true},
	}
	for _, d := range datoms {
		if err := mgr.InsertDatom(d, btree.NopTracker); err != nil {
			t.Fatalf("insert schema datom: %v", err)
		}
	}

	if err := cache.Reload(mgr); err != nil {
		t.Fatalf("reload: %v", err)
	}

	id, ok := cache.ResolveIdent(":person/name")
	if !ok || id != userAttr {
		t.Fatalf("resolveIdent(:person/name): got (%d,%v), want (%d,true)", id, ok, userAttr)
	}
	attr, ok := cache.GetAttr(userAttr)
	if !ok || attr.ValueType != codec.TagString || attr.Unique != UniqueIdentity {
		t.Fatalf("user attribute definition not reloaded correctly: %+v", attr)
	}
	if !cache.IsIndexed(userAttr) {
		t.Fatalf(":person/name should be indexed (unique identity implies AVE)")
	}

	// Bootstrap's own attributes must still resolve after a reload.
	if _, ok := cache.ResolveIdent(":db/ident"); !ok {
		t.Fatalf("reload lost a bootstrap attribute")
	}
}

func TestCache_ReloadStopsAtUserPartition(t *testing.T) {
	mgr, cache := bootstrapTestDB(t)

	userEntity := MakeEntityID(PartitionUser, 1)
	docAttr, _ := cache.ResolveIdent(":db/doc")
	d := index.Datom{E: userEntity, A: docAttr, V: codec.String("a regular entity, not a schema one"), Tx: 1, Op: true}
	if err := mgr.InsertDatom(d, btree.NopTracker); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := cache.Reload(mgr); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := cache.GetAttr(userEntity); ok {
		t.Fatalf("a user-partition entity must never be folded into the schema cache")
	}
}
