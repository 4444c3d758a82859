// Package index implements ZatDB's datom index family (component C7):
// the EAV, AVE, VAE, and TxLog trees, their per-index composite key
// encodings, and the routing logic that decides which of the four
// trees a given datom belongs in.
package index

import (
	"encoding/binary"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/storage/btree"
	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/page"
)

func putUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func getUint64(b []byte) uint64    { return binary.BigEndian.Uint64(b) }

func compareRaw(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// ── EAV: [E:8][A:8][encoded V] ────────────────────────────────────────────

func EncodeEAVKey(e, a uint64, v codec.Value) []byte {
	buf := make([]byte, 16+codec.EncodedSize(v))
	putUint64(buf[0:8], e)
	putUint64(buf[8:16], a)
	codec.Encode(v, buf[16:])
	return buf
}

func DecodeEAVEntity(key []byte) uint64 { return getUint64(key[0:8]) }
func DecodeEAVAttr(key []byte) uint64   { return getUint64(key[8:16]) }

func DecodeEAVValue(key []byte) (codec.Value, error) {
	v, _, err := codec.Decode(key[16:])
	return v, err
}

// CompareEAVKey orders by entity, then attribute, then value.
func CompareEAVKey(a, b []byte) int {
	if c := compareRaw(a[0:16], b[0:16]); c != 0 {
		return c
	}
	return codec.CompareEncoded(a[16:], b[16:])
}

// ── AVE: [A:8][encoded V][E:8] ────────────────────────────────────────────

func EncodeAVEKey(a uint64, v codec.Value, e uint64) []byte {
	vs := codec.EncodedSize(v)
	buf := make([]byte, 8+vs+8)
	putUint64(buf[0:8], a)
	codec.Encode(v, buf[8:8+vs])
	putUint64(buf[8+vs:8+vs+8], e)
	return buf
}

func DecodeAVEAttr(key []byte) uint64 { return getUint64(key[0:8]) }

func DecodeAVEValue(key []byte) (codec.Value, error) {
	v, _, err := codec.Decode(key[8:])
	return v, err
}

func DecodeAVEEntity(key []byte) (uint64, error) {
	n, err := codec.EncodedLen(key[8:])
	if err != nil {
		return 0, err
	}
	return getUint64(key[8+n:]), nil
}

// CompareAVEKey orders by attribute, then value, then entity. The
// value's encoded length is recovered independently on each side via
// codec.EncodedLen, since the two keys being compared may carry
// values of different encoded widths.
func CompareAVEKey(a, b []byte) int {
	if c := compareRaw(a[0:8], b[0:8]); c != 0 {
		return c
	}
	na, errA := codec.EncodedLen(a[8:])
	nb, errB := codec.EncodedLen(b[8:])
	if errA != nil || errB != nil {
		panic("index: corrupt AVE key")
	}
	if c := codec.CompareEncoded(a[8:8+na], b[8:8+nb]); c != 0 {
		return c
	}
	return compareRaw(a[8+na:], b[8+nb:])
}

// ── VAE: [V(ref):8][A:8][E:8] ─────────────────────────────────────────────

// EncodeVAEKey builds a VAE key. V is always a ref (a raw entity id),
// never a full encoded Value — VAE only ever holds ref-typed datoms.
func EncodeVAEKey(vref, a, e uint64) []byte {
	buf := make([]byte, 24)
	putUint64(buf[0:8], vref)
	putUint64(buf[8:16], a)
	putUint64(buf[16:24], e)
	return buf
}

func DecodeVAERef(key []byte) uint64    { return getUint64(key[0:8]) }
func DecodeVAEAttr(key []byte) uint64   { return getUint64(key[8:16]) }
func DecodeVAEEntity(key []byte) uint64 { return getUint64(key[16:24]) }

// CompareVAEKey is a plain fixed-width byte comparison — every field
// is a raw big-endian uint64, so byte order already matches numeric
// order.
func CompareVAEKey(a, b []byte) int { return compareRaw(a, b) }

// ── TxLog: [Tx:8][E:8][A:8][encoded V][Op:1] ──────────────────────────────

func EncodeTxLogKey(tx, e, a uint64, v codec.Value, op bool) []byte {
	vs := codec.EncodedSize(v)
	buf := make([]byte, 24+vs+1)
	putUint64(buf[0:8], tx)
	putUint64(buf[8:16], e)
	putUint64(buf[16:24], a)
	codec.Encode(v, buf[24:24+vs])
	if op {
		buf[24+vs] = 1
	}
	return buf
}

func DecodeTxLogTx(key []byte) uint64   { return getUint64(key[0:8]) }
func DecodeTxLogEntity(key []byte) uint64 { return getUint64(key[8:16]) }
func DecodeTxLogAttr(key []byte) uint64 { return getUint64(key[16:24]) }

func DecodeTxLogValue(key []byte) (codec.Value, error) {
	v, _, err := codec.Decode(key[24:])
	return v, err
}

// DecodeTxLogOp reports whether the record is an assertion (true) or
// a retraction (false).
func DecodeTxLogOp(key []byte) bool { return key[len(key)-1] != 0 }

// CompareTxLogKey orders by tx, then entity, then attribute, then
// value, then op.
func CompareTxLogKey(a, b []byte) int {
	if c := compareRaw(a[0:24], b[0:24]); c != 0 {
		return c
	}
	na, errA := codec.EncodedLen(a[24:])
	nb, errB := codec.EncodedLen(b[24:])
	if errA != nil || errB != nil {
		panic("index: corrupt TxLog key")
	}
	if c := codec.CompareEncoded(a[24:24+na], b[24:24+nb]); c != 0 {
		return c
	}
	return compareRaw(a[24+na:], b[24+nb:])
}

// ── Datom & index manager ─────────────────────────────────────────────────

// Datom is one immutable fact: (entity, attribute, value, tx, op).
type Datom struct {
	E  uint64
	A  uint64
	V  codec.Value
	Tx uint64
	Op bool // true = assert, false = retract
}

// AttrInfo is the slice of the schema cache the index layer consults
// to decide whether an attribute's datoms belong in AVE (indexed or
// unique) and/or VAE (ref-typed). The schema package's Cache
// satisfies this; kept as an interface here to avoid a cyclic import
// (the schema layer in turn uses this package's EAV key codec to scan
// the bootstrap partition).
type AttrInfo interface {
	IsIndexed(attr uint64) bool
	IsRef(attr uint64) bool
}

// Roots is the four tree roots an IndexManager wraps — the subset of
// Meta that this layer owns.
type Roots struct {
	EAV, AVE, VAE, TxLog page.ID
}

// Manager owns the four datom index trees and routes writes/deletes
// across them according to the schema cache's per-attribute policy.
// Each successful write replaces the tree handle it touched with one
// pointing at the new COW root — callers read Roots() back out after
// a batch of operations to populate the next Meta.
type Manager struct {
	fm   *file.Manager
	attr AttrInfo

	eav, ave, vae, txlog *btree.Tree
}

// Open wraps existing tree roots.
func Open(fm *file.Manager, roots Roots, attr AttrInfo) *Manager {
	return &Manager{
		fm:    fm,
		attr:  attr,
		eav:   btree.Open(fm, roots.EAV, page.IndexEAV, CompareEAVKey),
		ave:   btree.Open(fm, roots.AVE, page.IndexAVE, CompareAVEKey),
		vae:   btree.Open(fm, roots.VAE, page.IndexVAE, CompareVAEKey),
		txlog: btree.Open(fm, roots.TxLog, page.IndexTxLog, CompareTxLogKey),
	}
}

// Create bootstraps four brand new, empty index trees.
func Create(fm *file.Manager, attr AttrInfo) (*Manager, error) {
	eav, err := btree.Create(fm, page.IndexEAV, CompareEAVKey)
	if err != nil {
		return nil, err
	}
	ave, err := btree.Create(fm, page.IndexAVE, CompareAVEKey)
	if err != nil {
		return nil, err
	}
	vae, err := btree.Create(fm, page.IndexVAE, CompareVAEKey)
	if err != nil {
		return nil, err
	}
	txlog, err := btree.Create(fm, page.IndexTxLog, CompareTxLogKey)
	if err != nil {
		return nil, err
	}
	return &Manager{fm: fm, attr: attr, eav: eav, ave: ave, vae: vae, txlog: txlog}, nil
}

// Roots returns the current root tuple.
func (m *Manager) Roots() Roots {
	return Roots{EAV: m.eav.Root(), AVE: m.ave.Root(), VAE: m.vae.Root(), TxLog: m.txlog.Root()}
}

// InsertDatom writes d into EAV and TxLog unconditionally, and into
// AVE/VAE when the schema cache says the attribute calls for them.
func (m *Manager) InsertDatom(d Datom, tracker btree.OrphanTracker) error {
	newEAVRoot, err := m.eav.Insert(EncodeEAVKey(d.E, d.A, d.V), nil, tracker)
	if err != nil {
		return err
	}
	m.eav = btree.Open(m.fm, newEAVRoot, page.IndexEAV, CompareEAVKey)

	newTxRoot, err := m.txlog.Insert(EncodeTxLogKey(d.Tx, d.E, d.A, d.V, d.Op), nil, tracker)
	if err != nil {
		return err
	}
	m.txlog = btree.Open(m.fm, newTxRoot, page.IndexTxLog, CompareTxLogKey)

	if m.attr.IsIndexed(d.A) {
		newAVERoot, err := m.ave.Insert(EncodeAVEKey(d.A, d.V, d.E), nil, tracker)
		if err != nil {
			return err
		}
		m.ave = btree.Open(m.fm, newAVERoot, page.IndexAVE, CompareAVEKey)
	}
	if m.attr.IsRef(d.A) && d.V.Tag == codec.TagRef {
		newVAERoot, err := m.vae.Insert(EncodeVAEKey(d.V.Ref, d.A, d.E), nil, tracker)
		if err != nil {
			return err
		}
		m.vae = btree.Open(m.fm, newVAERoot, page.IndexVAE, CompareVAEKey)
	}
	return nil
}

// DeleteDatom removes (e, a, v) from EAV, and from AVE/VAE wherever it
// was indexed, then appends a retraction record to TxLog under
// retractTx. The originating assertion record in TxLog is left alone
// — spec.md §4.6: "Retractions do not remove the originating
// assertion from TxLog."
func (m *Manager) DeleteDatom(e, a uint64, v codec.Value, retractTx uint64, tracker btree.OrphanTracker) error {
	newEAVRoot, _, err := m.eav.Delete(EncodeEAVKey(e, a, v), tracker)
	if err != nil {
		return err
	}
	m.eav = btree.Open(m.fm, newEAVRoot, page.IndexEAV, CompareEAVKey)

	if m.attr.IsIndexed(a) {
		newAVERoot, _, err := m.ave.Delete(EncodeAVEKey(a, v, e), tracker)
		if err != nil {
			return err
		}
		m.ave = btree.Open(m.fm, newAVERoot, page.IndexAVE, CompareAVEKey)
	}
	if m.attr.IsRef(a) && v.Tag == codec.TagRef {
		newVAERoot, _, err := m.vae.Delete(EncodeVAEKey(v.Ref, a, e), tracker)
		if err != nil {
			return err
		}
		m.vae = btree.Open(m.fm, newVAERoot, page.IndexVAE, CompareVAEKey)
	}

	newTxRoot, err := m.txlog.Insert(EncodeTxLogKey(retractTx, e, a, v, false), nil, tracker)
	if err != nil {
		return err
	}
	m.txlog = btree.Open(m.fm, newTxRoot, page.IndexTxLog, CompareTxLogKey)
	return nil
}

// LookupEntityAttr probes EAV for the first (and, for cardinality-one
// attributes, only) value stored under (e, a).
func (m *Manager) LookupEntityAttr(e, a uint64) (codec.Value, bool, error) {
	it, err := m.eav.Seek(EncodeEAVKey(e, a, codec.Nil()))
	if err != nil {
		return codec.Value{}, false, err
	}
	if !it.Valid() || DecodeEAVEntity(it.Key()) != e || DecodeEAVAttr(it.Key()) != a {
		return codec.Value{}, false, nil
	}
	v, err := DecodeEAVValue(it.Key())
	if err != nil {
		return codec.Value{}, false, err
	}
	return v, true, nil
}

// ProbeAVE looks up whether any entity currently holds value v for
// attribute a, for the unique-identity upsert probe and the
// unique-value conflict check.
func (m *Manager) ProbeAVE(a uint64, v codec.Value) (entity uint64, found bool, err error) {
	it, err := m.ave.Seek(EncodeAVEKey(a, v, 0))
	if err != nil {
		return 0, false, err
	}
	if !it.Valid() {
		return 0, false, nil
	}
	key := it.Key()
	if DecodeAVEAttr(key) != a {
		return 0, false, nil
	}
	gotV, err := DecodeAVEValue(key)
	if err != nil {
		return 0, false, err
	}
	if codec.CompareEncoded(codec.AppendEncode(gotV), codec.AppendEncode(v)) != 0 {
		return 0, false, nil
	}
	ent, err := DecodeAVEEntity(key)
	if err != nil {
		return 0, false, err
	}
	return ent, true, nil
}

// EAVSeek returns an iterator positioned at the lower bound for key —
// used by the schema layer to scan the db partition in order.
func (m *Manager) EAVSeek(key []byte) (*btree.Iterator, error) {
	return m.eav.Seek(key)
}

// EAVRange returns an iterator over the half-open EAV key interval
// [start, end) — the index family's range(start, end) operation.
func (m *Manager) EAVRange(start, end []byte) (*btree.Iterator, error) {
	return m.eav.Range(start, end)
}
