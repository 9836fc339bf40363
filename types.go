package blockstm

import "fmt"

// TxnIndex is the position of a transaction in the block.
type TxnIndex uint32

// Incarnation counts re-executions of a single transaction.
type Incarnation uint32

// ShiftedTxnIndex is TxnIndex+1, with 0 reserved for values that predate the block.
type ShiftedTxnIndex uint32

// StorageIdx sorts before every in-block write.
const StorageIdx ShiftedTxnIndex = 0

func Shift(idx TxnIndex) ShiftedTxnIndex {
	return ShiftedTxnIndex(idx) + 1
}

// Idx returns the unshifted index, false for the storage sentinel.
func (s ShiftedTxnIndex) Idx() (TxnIndex, bool) {
	if s == StorageIdx {
		return 0, false
	}
	return TxnIndex(s - 1), true
}

// Version identifies who produced a value: a transaction incarnation, or storage.
type Version struct {
	index       TxnIndex
	incarnation Incarnation
	storage     bool
}

func NewVersion(idx TxnIndex, incarnation Incarnation) Version {
	return Version{index: idx, incarnation: incarnation}
}

func StorageVersion() Version {
	return Version{storage: true}
}

func (v Version) IsStorage() bool {
	return v.storage
}

// Txn returns the writer of the value, false if it was loaded from storage.
func (v Version) Txn() (TxnIndex, Incarnation, bool) {
	return v.index, v.incarnation, !v.storage
}

func (v Version) String() string {
	if v.storage {
		return "storage"
	}
	return fmt.Sprintf("(%d,%d)", v.index, v.incarnation)
}

type WriteOpKind int

const (
	WriteOpCreation WriteOpKind = iota
	WriteOpModification
	WriteOpDeletion
)

func (k WriteOpKind) String() string {
	switch k {
	case WriteOpCreation:
		return "creation"
	case WriteOpModification:
		return "modification"
	case WriteOpDeletion:
		return "deletion"
	default:
		return fmt.Sprintf("WriteOpKind(%d)", int(k))
	}
}

type StateValueMetadata struct {
	Deposit           uint64
	CreationTimeUsecs uint64
}

// TransactionWrite is what a transaction leaves behind for a state key. Implementations
// are treated as immutable once handed to a store.
type TransactionWrite interface {
	// Bytes returns false for deletions.
	Bytes() ([]byte, bool)
	WriteOpKind() WriteOpKind
	Metadata() *StateValueMetadata
}

// GroupTag addresses a sub-resource inside a resource group.
type GroupTag[T any] interface {
	comparable
	Compare(other T) int
	// SerializedSize is the number of bytes the tag occupies in the encoded group.
	SerializedSize() (int, error)
}

// TypeLayout is a resolved structural layout of a value, shared by pointer.
type TypeLayout struct {
	Name string
	// HasDelayedFields is set when the value embeds identifiers that must be exchanged.
	HasDelayedFields bool
}

// GroupKey is the composite key of one tagged resource.
type GroupKey[K comparable, T comparable] struct {
	Key K
	Tag T
}

type TaggedValue[T any, V any] struct {
	Tag   T
	Value V
}

// TaggedWrite is one tag written by an incarnation, together with its layout.
type TaggedWrite[T any, V any] struct {
	Tag    T
	Value  V
	Layout *TypeLayout
}
