package blockstm

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"
)

// VersionedData is the multi-version store of plain (non-grouped) keys.
type VersionedData[K comparable, V TransactionWrite] struct {
	data sync.Map
}

type dataCells struct {
	sync.RWMutex
	tm *treemap.Map
}

type dataCell[V TransactionWrite] struct {
	flag        flag
	incarnation Incarnation
	// exactly one of value and delta is set
	value ValueWithLayout[V]
	delta *DeltaOp
}

type flag uint

const (
	flagDone flag = iota
	flagEstimate
)

// MVDataOutput is either a versioned value, or an aggregator value resolved from deltas
// (Value is nil).
type MVDataOutput[V TransactionWrite] struct {
	Version  Version
	Value    ValueWithLayout[V]
	Resolved uint64
}

func (o MVDataOutput[V]) IsResolved() bool {
	return o.Value == nil
}

func NewVersionedData[K comparable, V TransactionWrite]() *VersionedData[K, V] {
	return &VersionedData[K, V]{}
}

func shiftedIdxComparator(a, b interface{}) int {
	x, y := a.(ShiftedTxnIndex), b.(ShiftedTxnIndex)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// SetBaseValue installs the storage version of key. A raw base value is upgraded when an
// exchanged one is provided later; otherwise the first value wins.
func (d *VersionedData[K, V]) SetBaseValue(key K, value ValueWithLayout[V]) {
	cells := d.getOrCreateCells(key)
	cells.Lock()
	defer cells.Unlock()

	ci, ok := cells.tm.Get(StorageIdx)
	if !ok {
		cells.tm.Put(StorageIdx, &dataCell[V]{flag: flagDone, value: value})
		return
	}
	c := ci.(*dataCell[V])
	if _, raw := c.value.(RawFromStorage[V]); raw {
		if _, exchanged := value.(Exchanged[V]); exchanged {
			c.value = value
		}
	}
}

func (d *VersionedData[K, V]) Write(key K, txnIdx TxnIndex, incarnation Incarnation, value V, layout *TypeLayout) {
	d.put(key, txnIdx, &dataCell[V]{
		flag:        flagDone,
		incarnation: incarnation,
		value:       Exchanged[V]{Val: value, Layout: layout},
	})
}

func (d *VersionedData[K, V]) AddDelta(key K, txnIdx TxnIndex, incarnation Incarnation, delta DeltaOp) {
	d.put(key, txnIdx, &dataCell[V]{
		flag:        flagDone,
		incarnation: incarnation,
		delta:       &delta,
	})
}

func (d *VersionedData[K, V]) put(key K, txnIdx TxnIndex, cell *dataCell[V]) {
	cells := d.getOrCreateCells(key)
	cells.Lock()
	defer cells.Unlock()

	idx := Shift(txnIdx)
	if ci, ok := cells.tm.Get(idx); ok && ci.(*dataCell[V]).incarnation > cell.incarnation {
		panic(codeInvariantError("existing value of %v at txn %d has higher incarnation %d than %d",
			key, txnIdx, ci.(*dataCell[V]).incarnation, cell.incarnation))
	}
	cells.tm.Put(idx, cell)
}

func (d *VersionedData[K, V]) Remove(key K, txnIdx TxnIndex) {
	cells := d.getCells(key)
	if cells == nil {
		return
	}
	cells.Lock()
	cells.tm.Remove(Shift(txnIdx))
	cells.Unlock()
}

// MarkEstimate panics if txnIdx never wrote key.
func (d *VersionedData[K, V]) MarkEstimate(key K, txnIdx TxnIndex) {
	cells := d.getCells(key)
	if cells == nil {
		panic(codeInvariantError("path to %v must exist to mark estimate", key))
	}
	cells.Lock()
	defer cells.Unlock()

	ci, ok := cells.tm.Get(Shift(txnIdx))
	if !ok {
		panic(codeInvariantError("entry of %v by txn %d must exist to mark estimate", key, txnIdx))
	}
	ci.(*dataCell[V]).flag = flagEstimate
}

// FetchData reads the latest value of key written strictly below txnIdx.
func (d *VersionedData[K, V]) FetchData(key K, txnIdx TxnIndex) (out MVDataOutput[V], err error) {
	cells := d.getCells(key)
	if cells == nil {
		err = ErrUninitialized
		return
	}

	cells.RLock()
	defer cells.RUnlock()

	// collected top-down
	var deltas []DeltaOp
	// shifted indices <= txnIdx are exactly the unshifted ones < txnIdx
	next := ShiftedTxnIndex(txnIdx)
	for {
		fk, fv := cells.tm.Floor(next)
		if fk == nil {
			break
		}
		idx := fk.(ShiftedTxnIndex)
		c := fv.(*dataCell[V])

		if c.flag == flagEstimate {
			blocking, _ := idx.Idx()
			err = &DependencyError{Idx: blocking}
			return
		}

		if c.delta == nil {
			version := StorageVersion()
			if writer, ok := idx.Idx(); ok {
				version = NewVersion(writer, c.incarnation)
			}
			if len(deltas) == 0 {
				out = MVDataOutput[V]{Version: version, Value: c.value}
				return
			}
			out.Resolved, err = resolveDeltas(c.value, deltas)
			return
		}

		deltas = append(deltas, *c.delta)
		if idx == StorageIdx {
			break
		}
		next = idx - 1
	}

	if len(deltas) == 0 {
		err = ErrUninitialized
		return
	}
	merged := deltas[len(deltas)-1]
	for i := len(deltas) - 2; i >= 0; i-- {
		if merged, err = deltas[i].MergeWithPrevious(merged); err != nil {
			return
		}
	}
	err = &UnresolvedError{Delta: merged}
	return
}

func resolveDeltas[V TransactionWrite](base ValueWithLayout[V], deltas []DeltaOp) (uint64, error) {
	b, ok := base.Value().Bytes()
	if !ok {
		return 0, errors.Wrap(ErrDeltaApplicationFailure, "delta applied to deleted value")
	}
	v, err := DecodeAggregatorValue(b)
	if err != nil {
		return 0, err
	}
	for i := len(deltas) - 1; i >= 0; i-- {
		if v, err = deltas[i].ApplyTo(v); err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (d *VersionedData[K, V]) getCells(key K) *dataCells {
	val, ok := d.data.Load(key)
	if !ok {
		return nil
	}
	return val.(*dataCells)
}

func (d *VersionedData[K, V]) getOrCreateCells(key K) *dataCells {
	if cells := d.getCells(key); cells != nil {
		return cells
	}
	val, _ := d.data.LoadOrStore(key, &dataCells{tm: treemap.NewWith(shiftedIdxComparator)})
	return val.(*dataCells)
}
