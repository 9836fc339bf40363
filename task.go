package blockstm

import "github.com/pkg/errors"

type ExecutionStatusKind int

const (
	StatusSuccess ExecutionStatusKind = iota
	// StatusSkipRest completes the transaction and skips the rest of the block.
	StatusSkipRest
	// StatusAbort rejects the transaction. It is not retried.
	StatusAbort
)

func (k ExecutionStatusKind) String() string {
	switch k {
	case StatusSuccess:
		return "success"
	case StatusSkipRest:
		return "skip_rest"
	case StatusAbort:
		return "abort"
	default:
		return "unknown"
	}
}

type ExecutionStatus[O any] struct {
	kind   ExecutionStatusKind
	output O
	err    error
}

func Success[O any](output O) ExecutionStatus[O] {
	return ExecutionStatus[O]{kind: StatusSuccess, output: output}
}

func SkipRest[O any](output O) ExecutionStatus[O] {
	return ExecutionStatus[O]{kind: StatusSkipRest, output: output}
}

func Abort[O any](err error) ExecutionStatus[O] {
	return ExecutionStatus[O]{kind: StatusAbort, err: err}
}

func (s ExecutionStatus[O]) Kind() ExecutionStatusKind {
	return s.kind
}

// Output is false for aborts.
func (s ExecutionStatus[O]) Output() (O, bool) {
	return s.output, s.kind != StatusAbort
}

func (s ExecutionStatus[O]) Err() error {
	return s.err
}

// StatusCode is why a transaction was discarded.
type StatusCode uint64

const (
	StatusCodeUnknownInvariantViolation StatusCode = iota + 1
	StatusCodeSequenceNumberTooOld
	StatusCodeSpeculativeExecutionAbort
	StatusCodeDeltaApplicationFailure
)

// StatusCodeOf picks the discard code for an abort error.
func StatusCodeOf(err error) StatusCode {
	var coded interface{ StatusCode() StatusCode }
	switch {
	case errors.As(err, &coded):
		return coded.StatusCode()
	case errors.Is(err, ErrDeltaApplicationFailure):
		return StatusCodeDeltaApplicationFailure
	default:
		if _, ok := IsDependency(err); ok {
			return StatusCodeSpeculativeExecutionAbort
		}
		return StatusCodeUnknownInvariantViolation
	}
}

type FeeStatement struct {
	TotalChargeGasUnits   uint64
	ExecutionGasUnits     uint64
	IOGasUnits            uint64
	StorageFeeOctas       uint64
	StorageFeeRefundOctas uint64
}

type Event struct {
	TypeTag string
	Data    []byte
}

type KeyWrite[K any, V any] struct {
	Key   K
	Value V
}

type KeyDelta[K any] struct {
	Key   K
	Delta DeltaOp
}

// GroupWrite is everything an incarnation wrote to one resource group, together with the
// group size resulting from it.
type GroupWrite[K any, T any, V any] struct {
	Key  K
	Tags []TaggedWrite[T, V]
	Size ResourceGroupSize
}

type MaterializedDelta[K any] struct {
	Key   K
	Value uint64
}

// FinalizedGroup is the committed content of a group right after a transaction.
type FinalizedGroup[K any, T any, V TransactionWrite] struct {
	Key  K
	Tags []TaggedValue[T, ValueWithLayout[V]]
	Size ResourceGroupSize
}

// MaterializedWriteSet is the output of a transaction with every delta and group resolved.
type MaterializedWriteSet[K any, T any, V TransactionWrite] struct {
	Resources    []KeyWrite[K, V]
	Modules      []KeyWrite[K, V]
	AggregatorV1 []MaterializedDelta[K]
	Groups       []FinalizedGroup[K, T, V]
	Events       []Event
}

// TransactionOutput is what an executed transaction hands back. The write sets are read right
// after execution; MaterializedWriteSet is only available once the committed values of deltas
// and groups were incorporated.
type TransactionOutput[K comparable, T GroupTag[T], V TransactionWrite] interface {
	ResourceWriteSet() []KeyWrite[K, V]
	ModuleWriteSet() []KeyWrite[K, V]
	ResourceGroupWriteSet() []GroupWrite[K, T, V]
	AggregatorV1DeltaSet() []KeyDelta[K]
	Events() []Event

	IncorporateMaterializedOutput(deltas []MaterializedDelta[K], groups []FinalizedGroup[K, T, V]) error
	MaterializedWriteSet() (MaterializedWriteSet[K, T, V], bool)

	FeeStatement() FeeStatement
	IsKeptSuccess() bool
}

// ExecutorTask runs one transaction against a view of the versioned stores. A read that fails
// with a *DependencyError must end the incarnation: return Abort with the error, never panic.
type ExecutorTask[Txn any, K comparable, T GroupTag[T], V TransactionWrite, O TransactionOutput[K, T, V]] interface {
	ExecuteTransaction(view ExecutorView[K, T], txn Txn, txnIdx TxnIndex) ExecutionStatus[O]
	// SkipOutput is the output of transactions after a SkipRest.
	SkipOutput() O
	// DiscardOutput is the output of a transaction rejected by the block.
	DiscardOutput(code StatusCode) O
}
