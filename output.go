package blockstm

import "github.com/pkg/errors"

type OutputStatus int

const (
	OutputKeptSuccess OutputStatus = iota
	// OutputKeptFailure is charged for but keeps no writes.
	OutputKeptFailure
	OutputDiscarded
	OutputSkipped
)

// VMOutput is a plain TransactionOutput for engines that produce their write sets eagerly.
type VMOutput[K comparable, T GroupTag[T], V TransactionWrite] struct {
	Resources []KeyWrite[K, V]
	Modules   []KeyWrite[K, V]
	Groups    []GroupWrite[K, T, V]
	Deltas    []KeyDelta[K]
	EventList []Event
	Fee       FeeStatement
	Status    OutputStatus
	// Code is set for discarded outputs.
	Code StatusCode

	materialized *MaterializedWriteSet[K, T, V]
}

func NewSkipOutput[K comparable, T GroupTag[T], V TransactionWrite]() *VMOutput[K, T, V] {
	return &VMOutput[K, T, V]{Status: OutputSkipped}
}

func NewDiscardOutput[K comparable, T GroupTag[T], V TransactionWrite](code StatusCode) *VMOutput[K, T, V] {
	return &VMOutput[K, T, V]{Status: OutputDiscarded, Code: code}
}

func (o *VMOutput[K, T, V]) ResourceWriteSet() []KeyWrite[K, V]          { return o.Resources }
func (o *VMOutput[K, T, V]) ModuleWriteSet() []KeyWrite[K, V]            { return o.Modules }
func (o *VMOutput[K, T, V]) ResourceGroupWriteSet() []GroupWrite[K, T, V] { return o.Groups }
func (o *VMOutput[K, T, V]) AggregatorV1DeltaSet() []KeyDelta[K]         { return o.Deltas }
func (o *VMOutput[K, T, V]) Events() []Event                             { return o.EventList }
func (o *VMOutput[K, T, V]) FeeStatement() FeeStatement                  { return o.Fee }

func (o *VMOutput[K, T, V]) IsKeptSuccess() bool {
	return o.Status == OutputKeptSuccess
}

func (o *VMOutput[K, T, V]) IncorporateMaterializedOutput(deltas []MaterializedDelta[K], groups []FinalizedGroup[K, T, V]) error {
	if o.materialized != nil {
		return codeInvariantError("output already materialized")
	}
	if len(deltas) != len(o.Deltas) {
		return errors.Errorf("%d materialized deltas for %d deltas", len(deltas), len(o.Deltas))
	}
	if len(groups) != len(o.Groups) {
		return errors.Errorf("%d finalized groups for %d group writes", len(groups), len(o.Groups))
	}
	o.materialized = &MaterializedWriteSet[K, T, V]{
		Resources:    o.Resources,
		Modules:      o.Modules,
		AggregatorV1: deltas,
		Groups:       groups,
		Events:       o.EventList,
	}
	return nil
}

func (o *VMOutput[K, T, V]) MaterializedWriteSet() (MaterializedWriteSet[K, T, V], bool) {
	if o.materialized == nil {
		return MaterializedWriteSet[K, T, V]{}, false
	}
	return *o.materialized, true
}
