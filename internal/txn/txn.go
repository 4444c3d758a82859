// Package txn implements ZatDB's transaction processor (component C9):
// the per-transact pipeline that validates a batch of operations,
// resolves tempids, enforces uniqueness, writes datoms through the
// index family, and hands the result off via the crash-safe meta
// protocol.
package txn

import (
	"bytes"
	"fmt"
	"time"

	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/index"
	"github.com/zatdb/zatdb/internal/schema"
	"github.com/zatdb/zatdb/internal/storage/file"
	"github.com/zatdb/zatdb/internal/storage/freedb"
	"github.com/zatdb/zatdb/internal/storage/page"
	"github.com/zatdb/zatdb/internal/zatdberr"
)

// Fixed in-process limits (spec's TempidOverflow/DatomOverflow). A
// single transact call touching more than this many distinct tempids
// or operations is almost certainly a caller bug, not a legitimate
// bulk load — those should be split across multiple transactions.
const (
	MaxTempidsPerTx = 4096
	MaxOpsPerTx     = 65536
)

// RefKind identifies which of the three entity-reference forms a TxOp
// uses.
type RefKind uint8

const (
	RefKnown RefKind = iota
	RefTempid
	RefTxEntity
)

// EntityRef names the entity side of an operation: a known existing
// id, a tempid string to be resolved during this transaction, or the
// special tx-entity reference (the transaction's own metadata entity).
type EntityRef struct {
	Kind   RefKind
	Known  uint64
	Tempid string
}

func Known(id uint64) EntityRef     { return EntityRef{Kind: RefKnown, Known: id} }
func Tempid(name string) EntityRef  { return EntityRef{Kind: RefTempid, Tempid: name} }
func TxEntityRef() EntityRef        { return EntityRef{Kind: RefTxEntity} }

// Op is one transact operation: assert or retract.
type Op uint8

const (
	OpAssert Op = iota
	OpRetract
)

// TxOp is a single input operation to Transact.
type TxOp struct {
	Op   Op
	E    EntityRef
	Attr string // :namespace/name keyword, resolved via the schema cache
	V    codec.Value
}

// Result is what a successful Transact call returns.
type Result struct {
	TxID       uint64
	Tempids    map[string]uint64
	DatomCount uint64
}

// Clock supplies the tx entity's :db/txInstant value. Abstracted so
// tests can pin a deterministic timestamp instead of calling the
// system clock.
type Clock interface {
	NowMicros() int64
}

type systemClock struct{}

func (systemClock) NowMicros() int64 { return time.Now().UnixMicro() }

// Processor drives the transaction pipeline against one open database.
// It is not safe for concurrent use — the caller (the Database facade)
// is responsible for the single-writer mutex spec.md §5 requires.
type Processor struct {
	fm    *file.Manager
	idx   *index.Manager
	cache *schema.Cache
	free  *freedb.DB
	carry *freedb.Tracker

	clock        Clock
	oldestReader func() uint64

	txID       uint64
	nextEntity uint64
	datomCount uint64
}

// NewProcessor builds a Processor seeded from the database's currently
// active meta. idx and free must already be open against that meta's
// roots, and cache must already reflect it (via schema.Bootstrap or a
// prior schema.Cache.Reload).
func NewProcessor(fm *file.Manager, idx *index.Manager, cache *schema.Cache, free *freedb.DB) *Processor {
	meta := fm.ActiveMeta()
	return &Processor{
		fm:         fm,
		idx:        idx,
		cache:      cache,
		free:       free,
		carry:      freedb.NewTracker(),
		clock:      systemClock{},
		txID:       meta.TxID,
		nextEntity: meta.NextEntity,
		datomCount: meta.DatomCount,
	}
}

// SetClock overrides the clock used for :db/txInstant. Test-only hook.
func (p *Processor) SetClock(c Clock) { p.clock = c }

// SetOldestReaderFunc overrides the floor used to gate free-page
// reclamation. Nil (the default) means no live readers — every FreeDB
// entry up to the last committed tx is reclaimable.
func (p *Processor) SetOldestReaderFunc(f func() uint64) { p.oldestReader = f }

func (p *Processor) TxID() uint64            { return p.txID }
func (p *Processor) NextEntity() uint64      { return p.nextEntity }
func (p *Processor) DatomCount() uint64      { return p.datomCount }
func (p *Processor) Cache() *schema.Cache    { return p.cache }
func (p *Processor) Index() *index.Manager   { return p.idx }
func (p *Processor) FreeDB() *freedb.DB      { return p.free }

func (p *Processor) oldestReaderTxID() uint64 {
	if p.oldestReader != nil {
		return p.oldestReader()
	}
	return p.txID
}

// rollback discards any in-memory mutation this attempt made to idx
// and free, restoring the snapshot captured at the start of Transact.
// The pages those mutations wrote are simply orphaned garbage — no
// meta was ever written pointing at them, so the next reclamation pass
// (keyed by a tx id that never existed) will never find them either;
// they're reclaimed the same way any pre-step-7 failure's writes are,
// by never being referenced in the first place.
func (p *Processor) rollback(preRoots index.Roots, preFreeRoot page.ID) {
	p.idx = index.Open(p.fm, preRoots, p.cache)
	p.free = freedb.Open(p.fm, preFreeRoot)
}

// Transact runs the full nine-step pipeline (spec.md §4.8) over ops
// and, on success, commits a new transaction and returns its id,
// tempid assignments, and datom count.
func (p *Processor) Transact(ops []TxOp) (*Result, error) {
	if len(ops) > MaxOpsPerTx {
		return nil, zatdberr.New(zatdberr.KindDatomOverflow, fmt.Sprintf("transaction has %d ops, limit is %d", len(ops), MaxOpsPerTx))
	}

	preRoots := p.idx.Roots()
	preFreeRoot := p.free.Root()

	// Step 1: validate.
	attrIDs := make([]uint64, len(ops))
	for i, op := range ops {
		id, ok := p.cache.ResolveIdent(op.Attr)
		if !ok {
			return nil, zatdberr.New(zatdberr.KindUnknownAttribute, op.Attr)
		}
		if !p.cache.ValidateType(id, op.V) {
			return nil, zatdberr.New(zatdberr.KindTypeMismatch, fmt.Sprintf("%s expects %v, got %v", op.Attr, mustAttr(p.cache, id).ValueType, op.V.Tag))
		}
		attrIDs[i] = id
	}

	// Step 2: allocate tempids.
	var tempidOrder []string
	seen := map[string]bool{}
	touchesBootstrap := map[string]bool{}
	for i, op := range ops {
		if op.E.Kind != RefTempid {
			continue
		}
		name := op.E.Tempid
		if !seen[name] {
			seen[name] = true
			tempidOrder = append(tempidOrder, name)
		}
		if schema.IsBootstrapAttr(attrIDs[i]) {
			touchesBootstrap[name] = true
		}
	}
	if len(tempidOrder) > MaxTempidsPerTx {
		return nil, zatdberr.New(zatdberr.KindTempidOverflow, fmt.Sprintf("%d distinct tempids, limit is %d", len(tempidOrder), MaxTempidsPerTx))
	}
	nextEntity := p.nextEntity
	tempids := make(map[string]uint64, len(tempidOrder))
	for _, name := range tempidOrder {
		partition := schema.PartitionUser
		if touchesBootstrap[name] {
			partition = schema.PartitionDB
		}
		tempids[name] = schema.MakeEntityID(partition, nextEntity)
		nextEntity++
	}

	// Step 3: unique-identity upsert.
	for i, op := range ops {
		if op.Op != OpAssert || op.E.Kind != RefTempid {
			continue
		}
		attr := mustAttr(p.cache, attrIDs[i])
		if attr.Unique != schema.UniqueIdentity {
			continue
		}
		found, ok, err := p.idx.ProbeAVE(attrIDs[i], op.V)
		if err != nil {
			return nil, err
		}
		if ok {
			tempids[op.E.Tempid] = found
		}
	}

	newTxID := p.txID + 1
	txEntityID := schema.MakeEntityID(schema.PartitionTx, newTxID)
	resolve := func(ref EntityRef) uint64 {
		switch ref.Kind {
		case RefKnown:
			return ref.Known
		case RefTempid:
			return tempids[ref.Tempid]
		default:
			return txEntityID
		}
	}

	// Reclaim free pages gated by the oldest live reader, before
	// BeginWrite installs this transaction's reuse queue: Reclaim's own
	// COW writes must land under the allocation state left by the
	// previous commit, not under a reuse queue meant for this tx's main
	// writes, or the two phases could hand out the same page id twice.
	reclaimCarry := freedb.NewTracker()
	reclaimCarry.Merge(p.carry)
	reclaimed, err := p.free.Reclaim(p.oldestReaderTxID(), reclaimCarry)
	if err != nil {
		p.rollback(preRoots, preFreeRoot)
		return nil, err
	}
	p.fm.BeginWrite(reclaimed)

	tracker := freedb.NewTracker()
	tracker.Merge(reclaimCarry)

	// Step 4: generate and write.
	var datomCount uint64
	resolvedE := make([]uint64, len(ops))
	for i, op := range ops {
		a := attrIDs[i]
		attr := mustAttr(p.cache, a)
		e := resolve(op.E)
		resolvedE[i] = e

		switch op.Op {
		case OpAssert:
			if attr.Unique == schema.UniqueValue {
				other, found, perr := p.idx.ProbeAVE(a, op.V)
				if perr != nil {
					p.rollback(preRoots, preFreeRoot)
					return nil, perr
				}
				if found && other != e {
					p.rollback(preRoots, preFreeRoot)
					return nil, zatdberr.New(zatdberr.KindUniqueValueConflict, fmt.Sprintf("%s: value already held by entity %d", op.Attr, other))
				}
			}
			if attr.Cardinality == schema.CardinalityMany {
				d := index.Datom{E: e, A: a, V: op.V, Tx: newTxID, Op: true}
				if ierr := p.idx.InsertDatom(d, tracker); ierr != nil {
					p.rollback(preRoots, preFreeRoot)
					return nil, ierr
				}
				datomCount++
				continue
			}
			oldV, found, lerr := p.idx.LookupEntityAttr(e, a)
			if lerr != nil {
				p.rollback(preRoots, preFreeRoot)
				return nil, lerr
			}
			switch {
			case !found:
				d := index.Datom{E: e, A: a, V: op.V, Tx: newTxID, Op: true}
				if ierr := p.idx.InsertDatom(d, tracker); ierr != nil {
					p.rollback(preRoots, preFreeRoot)
					return nil, ierr
				}
				datomCount++
			case bytes.Equal(codec.AppendEncode(oldV), codec.AppendEncode(op.V)):
				// Same value already asserted: idempotent no-op.
			default:
				if derr := p.idx.DeleteDatom(e, a, oldV, newTxID, tracker); derr != nil {
					p.rollback(preRoots, preFreeRoot)
					return nil, derr
				}
				datomCount++
				d := index.Datom{E: e, A: a, V: op.V, Tx: newTxID, Op: true}
				if ierr := p.idx.InsertDatom(d, tracker); ierr != nil {
					p.rollback(preRoots, preFreeRoot)
					return nil, ierr
				}
				datomCount++
			}
		case OpRetract:
			if derr := p.idx.DeleteDatom(e, a, op.V, newTxID, tracker); derr != nil {
				p.rollback(preRoots, preFreeRoot)
				return nil, derr
			}
			datomCount++
		}
	}

	// Step 5: tx entity.
	txDatom := index.Datom{E: txEntityID, A: schema.TxInstantAttrID, V: codec.Instant(p.clock.NowMicros()), Tx: newTxID, Op: true}
	if err := p.idx.InsertDatom(txDatom, tracker); err != nil {
		p.rollback(preRoots, preFreeRoot)
		return nil, err
	}
	datomCount++

	// Step 6: commit pages — persist this tx's orphans into FreeDB,
	// capturing FreeDB's own COW orphans for the next tx to carry in.
	carryOut := freedb.NewTracker()
	overflow, err := p.free.Persist(newTxID, tracker, carryOut)
	if err != nil {
		p.rollback(preRoots, preFreeRoot)
		return nil, err
	}
	for id, buf := range overflow {
		if werr := p.fm.WritePage(id, buf); werr != nil {
			p.rollback(preRoots, preFreeRoot)
			return nil, werr
		}
	}

	// Step 7: atomic handoff.
	roots := p.idx.Roots()
	newMeta := &file.Meta{
		PageSize:   uint32(p.fm.PageSize()),
		TxID:       newTxID,
		EAVRoot:    roots.EAV,
		AVERoot:    roots.AVE,
		VAERoot:    roots.VAE,
		TxLogRoot:  roots.TxLog,
		FreeRoot:   p.free.Root(),
		NextEntity: nextEntity,
		NextPage:   p.fm.PendingNextPage(),
		DatomCount: p.datomCount + datomCount,
	}
	if err := p.fm.Commit(nil, newMeta); err != nil {
		p.rollback(preRoots, preFreeRoot)
		return nil, err
	}

	// Step 8: post-commit.
	p.txID = newTxID
	p.nextEntity = nextEntity
	p.datomCount = newMeta.DatomCount
	p.carry = carryOut

	touchedSchema := false
	for _, e := range resolvedE {
		if schema.PartitionOf(e) == schema.PartitionDB {
			touchedSchema = true
			break
		}
	}
	if touchedSchema {
		if err := p.cache.Reload(p.idx); err != nil {
			return nil, err
		}
	}

	// Step 9: return.
	return &Result{TxID: newTxID, Tempids: tempids, DatomCount: datomCount}, nil
}

func mustAttr(c *schema.Cache, id uint64) *schema.Attr {
	a, _ := c.GetAttr(id)
	return a
}
