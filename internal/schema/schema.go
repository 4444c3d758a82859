// Package schema implements ZatDB's schema layer (component C8):
// partitioned entity ids, the eight reserved meta-attributes that
// bootstrap a fresh database, and the in-memory attribute cache the
// transaction processor consults to validate and route every write.
package schema

import (
	"fmt"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/index"
	"github.com/zatdb/zatdb/internal/storage/btree"
)

// ── Entity id partitioning ────────────────────────────────────────────────

// seqBits is the width of an entity id's sequence field; the
// remaining top 10 bits are the partition tag.
const seqBits = 54

const seqMask = uint64(1)<<seqBits - 1

const (
	PartitionDB   uint8 = 0
	PartitionTx   uint8 = 1
	PartitionUser uint8 = 2
)

// PartitionOf extracts an entity id's partition tag.
func PartitionOf(id uint64) uint8 { return uint8(id >> seqBits) }

// IsBootstrapAttr reports whether id is one of the eight reserved
// meta-attribute entities (ids 1-8 in the db partition).
func IsBootstrapAttr(id uint64) bool {
	return PartitionOf(id) == PartitionDB && id&seqMask >= 1 && id&seqMask <= 8
}

// MakeEntityID combines a partition tag and a sequence number into an
// entity id. seq is not partition-scoped — it's the database's single
// flat next_entity counter (Meta.NextEntity), tagged with whichever
// partition this particular allocation belongs to.
func MakeEntityID(partition uint8, seq uint64) uint64 {
	return uint64(partition)<<seqBits | (seq & seqMask)
}

// ── Reserved meta-attributes ──────────────────────────────────────────────

// The eight meta-attributes that self-describe every other attribute,
// including themselves. FirstUserEntitySeq is the next_entity value a
// fresh database's bootstrap transaction leaves behind.
const (
	IdentAttrID       = uint64(PartitionDB)<<seqBits | 1
	ValueTypeAttrID   = uint64(PartitionDB)<<seqBits | 2
	CardinalityAttrID = uint64(PartitionDB)<<seqBits | 3
	UniqueAttrID      = uint64(PartitionDB)<<seqBits | 4
	IndexAttrID       = uint64(PartitionDB)<<seqBits | 5
	IsComponentAttrID = uint64(PartitionDB)<<seqBits | 6
	DocAttrID         = uint64(PartitionDB)<<seqBits | 7
	TxInstantAttrID   = uint64(PartitionDB)<<seqBits | 8

	FirstUserEntitySeq = 9
)

// Cardinality is an attribute's :db/cardinality value.
type Cardinality uint8

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

func (c Cardinality) keyword() string {
	if c == CardinalityMany {
		return ":db.cardinality/many"
	}
	return ":db.cardinality/one"
}

func parseCardinality(kw string) (Cardinality, bool) {
	switch kw {
	case ":db.cardinality/one":
		return CardinalityOne, true
	case ":db.cardinality/many":
		return CardinalityMany, true
	default:
		return 0, false
	}
}

// Uniqueness is an attribute's :db/unique value. UniqueNone means no
// :db/unique datom is asserted at all.
type Uniqueness uint8

const (
	UniqueNone Uniqueness = iota
	UniqueValue
	UniqueIdentity
)

func (u Uniqueness) keyword() string {
	switch u {
	case UniqueValue:
		return ":db.unique/value"
	case UniqueIdentity:
		return ":db.unique/identity"
	default:
		return ""
	}
}

func parseUniqueness(kw string) (Uniqueness, bool) {
	switch kw {
	case ":db.unique/value":
		return UniqueValue, true
	case ":db.unique/identity":
		return UniqueIdentity, true
	default:
		return UniqueNone, false
	}
}

// valueTypeKeywords maps codec.Tag <-> the :db.type/* keyword an
// attribute's :db/valueType datom names.
var valueTypeKeywords = map[codec.Tag]string{
	codec.TagString:  ":db.type/string",
	codec.TagKeyword: ":db.type/keyword",
	codec.TagRef:     ":db.type/ref",
	codec.TagInt:     ":db.type/long",
	codec.TagFloat:   ":db.type/double",
	codec.TagBool:    ":db.type/boolean",
	codec.TagInstant: ":db.type/instant",
	codec.TagUUID:    ":db.type/uuid",
	codec.TagBytes:   ":db.type/bytes",
}

func valueTypeKeyword(t codec.Tag) string { return valueTypeKeywords[t] }

func parseValueType(kw string) (codec.Tag, bool) {
	for t, k := range valueTypeKeywords {
		if k == kw {
			return t, true
		}
	}
	return 0, false
}

// Attr is the cached, decoded definition of one schema entity.
type Attr struct {
	ID          uint64
	Ident       string
	ValueType   codec.Tag
	Cardinality Cardinality
	Unique      Uniqueness
	Indexed     bool
	IsComponent bool
	Doc         string
}

// ── Cache ─────────────────────────────────────────────────────────────────

// Cache is the in-memory attribute snapshot reconstructed by scanning
// EAV's db partition. It implements index.AttrInfo, so an index.Manager
// can consult it directly to decide AVE/VAE population.
type Cache struct {
	byID    map[uint64]*Attr
	byIdent map[string]uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{byID: map[uint64]*Attr{}, byIdent: map[string]uint64{}}
}

// ResolveIdent looks up an entity id by its :db/ident keyword.
func (c *Cache) ResolveIdent(kw string) (uint64, bool) {
	id, ok := c.byIdent[kw]
	return id, ok
}

// GetAttr returns the cached definition for an attribute entity id.
func (c *Cache) GetAttr(id uint64) (*Attr, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// Attrs returns every cached attribute definition, including the eight
// reserved ones, in no particular order. Callers that want to print a
// schema listing should sort by Ident themselves.
func (c *Cache) Attrs() []*Attr {
	out := make([]*Attr, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, a)
	}
	return out
}

// ValidateType reports whether v's tag matches attribute id's declared
// :db/valueType. An attribute with no cached definition fails closed.
func (c *Cache) ValidateType(id uint64, v codec.Value) bool {
	a, ok := c.byID[id]
	return ok && v.Tag == a.ValueType
}

// IsIndexed reports whether id's datoms belong in AVE — either
// explicitly :db/index true, or implied by any uniqueness constraint
// (spec.md §4.6: "attributes with :db/index=true or :db/unique != none").
func (c *Cache) IsIndexed(id uint64) bool {
	a, ok := c.byID[id]
	return ok && (a.Indexed || a.Unique != UniqueNone)
}

// IsRef reports whether id's value type is :db.type/ref, the
// condition for VAE population.
func (c *Cache) IsRef(id uint64) bool {
	a, ok := c.byID[id]
	return ok && a.ValueType == codec.TagRef
}

// apply folds one (entity, attribute, value) datom from the db
// partition into the attribute definition it describes.
func (c *Cache) apply(e, a uint64, v codec.Value) {
	attr := c.byID[e]
	if attr == nil {
		attr = &Attr{ID: e}
		c.byID[e] = attr
	}
	switch a {
	case IdentAttrID:
		attr.Ident = v.AsString()
		c.byIdent[attr.Ident] = e
	case ValueTypeAttrID:
		if t, ok := parseValueType(v.AsString()); ok {
			attr.ValueType = t
		}
	case CardinalityAttrID:
		if cd, ok := parseCardinality(v.AsString()); ok {
			attr.Cardinality = cd
		}
	case UniqueAttrID:
		if u, ok := parseUniqueness(v.AsString()); ok {
			attr.Unique = u
		}
	case IndexAttrID:
		attr.Indexed = v.Bool
	case IsComponentAttrID:
		attr.IsComponent = v.Bool
	case TxInstantAttrID:
		// :db/txInstant only ever appears on tx entities, never on an
		// attribute definition; nothing to fold into Attr.
	case DocAttrID:
		attr.Doc = v.AsString()
	}
}

// Reload rebuilds the cache from scratch by scanning every entity in
// EAV's db partition, in key order — partition db occupies the lowest
// entity-id range, so this is exactly the leading run of the index.
func (c *Cache) Reload(mgr *index.Manager) error {
	fresh := NewCache()
	start := index.EncodeEAVKey(MakeEntityID(PartitionDB, 0), 0, codec.Nil())
	it, err := mgr.EAVSeek(start)
	if err != nil {
		return err
	}
	for ; it.Valid(); it.Next() {
		key := it.Key()
		e := index.DecodeEAVEntity(key)
		if PartitionOf(e) != PartitionDB {
			break
		}
		a := index.DecodeEAVAttr(key)
		v, err := index.DecodeEAVValue(key)
		if err != nil {
			return err
		}
		fresh.apply(e, a, v)
	}
	if err := it.Err(); err != nil {
		return err
	}
	*c = *fresh
	return nil
}

// ── Bootstrap ─────────────────────────────────────────────────────────────

// bootstrapAttrInfo is the hardcoded AttrInfo used only while the
// bootstrap transaction writes the eight meta-attributes' own
// self-describing datoms — the real Cache doesn't exist yet to answer
// that question, and the only one of the eight whose own datoms need
// AVE entries is :db/ident (it's unique-identity).
type bootstrapAttrInfo struct{}

func (bootstrapAttrInfo) IsIndexed(a uint64) bool { return a == IdentAttrID }
func (bootstrapAttrInfo) IsRef(uint64) bool       { return false }

// BootstrapAttrInfo returns the AttrInfo a fresh database's
// index.Manager must be constructed with before calling Bootstrap.
func BootstrapAttrInfo() index.AttrInfo { return bootstrapAttrInfo{} }

type bootstrapDef struct {
	id          uint64
	ident       string
	valueType   codec.Tag
	cardinality Cardinality
	unique      Uniqueness
	indexed     bool
}

var bootstrapDefs = []bootstrapDef{
	{IdentAttrID, ":db/ident", codec.TagKeyword, CardinalityOne, UniqueIdentity, false},
	{ValueTypeAttrID, ":db/valueType", codec.TagKeyword, CardinalityOne, UniqueNone, false},
	{CardinalityAttrID, ":db/cardinality", codec.TagKeyword, CardinalityOne, UniqueNone, false},
	{UniqueAttrID, ":db/unique", codec.TagKeyword, CardinalityOne, UniqueNone, false},
	{IndexAttrID, ":db/index", codec.TagBool, CardinalityOne, UniqueNone, false},
	{IsComponentAttrID, ":db/isComponent", codec.TagBool, CardinalityOne, UniqueNone, false},
	{DocAttrID, ":db/doc", codec.TagString, CardinalityOne, UniqueNone, false},
	{TxInstantAttrID, ":db/txInstant", codec.TagInstant, CardinalityOne, UniqueNone, false},
}

// Bootstrap writes the eight reserved attributes' self-describing
// datoms (tx 0) into mgr — which must have been constructed with
// BootstrapAttrInfo() — and returns a Cache reloaded from the result.
// Callers should discard mgr afterward and reopen an index.Manager
// against the returned roots with the real Cache as its AttrInfo.
func Bootstrap(mgr *index.Manager, tracker btree.OrphanTracker) (*Cache, error) {
	for _, d := range bootstrapDefs {
		datoms := []index.Datom{
			{E: d.id, A: IdentAttrID, V: codec.Keyword(d.ident), Tx: 0, Op: true},
			{E: d.id, A: ValueTypeAttrID, V: codec.Keyword(valueTypeKeyword(d.valueType)), Tx: 0, Op: true},
			{E: d.id, A: CardinalityAttrID, V: codec.Keyword(d.cardinality.keyword()), Tx: 0, Op: true},
		}
		if d.unique != UniqueNone {
			datoms = append(datoms, index.Datom{E: d.id, A: UniqueAttrID, V: codec.Keyword(d.unique.keyword()), Tx: 0, Op: true})
		}
		if d.indexed {
			datoms = append(datoms, index.Datom{E: d.id, A: IndexAttrID, V: codec.Bool(true), Tx: 0, Op: true})
		}
		for _, datom := range datoms {
			if err := mgr.InsertDatom(datom, tracker); err != nil {
				return nil, fmt.Errorf("schema: bootstrap %s: %w", d.ident, err)
			}
		}
	}

	cache := NewCache()
	if err := cache.Reload(mgr); err != nil {
		return nil, err
	}
	return cache, nil
}
