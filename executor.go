package blockstm

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BlockExecutor runs a block in order, one incarnation per transaction, on top of the
// versioned stores, then materializes every output from the committed state. It never
// observes dependencies, so it is the reference every speculative schedule must agree with.
type BlockExecutor[Txn any, K comparable, T GroupTag[T], V TransactionWrite, O TransactionOutput[K, T, V]] struct {
	concurrency int
	task        ExecutorTask[Txn, K, T, V, O]
	base        StateReader[K, T, V]
	logger      *zap.Logger
}

// BlockResult holds the outputs in block order and the stores they were installed into.
type BlockResult[K comparable, T GroupTag[T], V TransactionWrite, O any] struct {
	Outputs []O
	Stores  *Stores[K, T, V]
}

func NewBlockExecutor[Txn any, K comparable, T GroupTag[T], V TransactionWrite, O TransactionOutput[K, T, V]](
	cfg *Config,
	task ExecutorTask[Txn, K, T, V, O],
	base StateReader[K, T, V],
	logger *zap.Logger,
) *BlockExecutor[Txn, K, T, V, O] {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BlockExecutor[Txn, K, T, V, O]{
		concurrency: concurrency,
		task:        task,
		base:        base,
		logger:      logger,
	}
}

func (e *BlockExecutor[Txn, K, T, V, O]) ExecuteBlock(ctx context.Context, txns []Txn) (*BlockResult[K, T, V, O], error) {
	stores := NewStores[K, T, V]()
	outputs := make([]O, len(txns))
	// executed marks outputs produced by the task, as opposed to skip and discard outputs
	executed := make([]bool, len(txns))

	skipRest := false
	for i, txn := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := TxnIndex(i)
		if skipRest {
			outputs[i] = e.task.SkipOutput()
			txnStatusCounter.WithLabelValues("skipped").Inc()
			continue
		}

		view := NewLatestView(stores, e.base, idx)
		status := e.task.ExecuteTransaction(view, txn, idx)
		txnStatusCounter.WithLabelValues(status.Kind().String()).Inc()

		output, ok := status.Output()
		if !ok {
			err := status.Err()
			if IsPanicError(err) {
				e.logger.Error("invariant violation while executing transaction",
					zap.Uint32("txn", uint32(idx)), zap.Error(err))
				return nil, err
			}
			if blocking, dep := IsDependency(err); dep {
				perr := codeInvariantError("txn %d depends on txn %d in sequential execution", idx, blocking)
				e.logger.Error("invariant violation while executing transaction",
					zap.Uint32("txn", uint32(idx)), zap.Error(perr))
				return nil, perr
			}
			e.logger.Debug("transaction discarded", zap.Uint32("txn", uint32(idx)), zap.Error(err))
			outputs[i] = e.task.DiscardOutput(StatusCodeOf(err))
			continue
		}

		if err := e.checkDeltas(stores, idx, output); err != nil {
			if !errors.Is(err, ErrDeltaApplicationFailure) {
				e.logger.Error("failed to apply transaction deltas",
					zap.Uint32("txn", uint32(idx)), zap.Error(err))
				return nil, err
			}
			e.logger.Debug("transaction discarded", zap.Uint32("txn", uint32(idx)), zap.Error(err))
			txnStatusCounter.WithLabelValues("delta_failure").Inc()
			outputs[i] = e.task.DiscardOutput(StatusCodeDeltaApplicationFailure)
			continue
		}
		if err := e.install(stores, idx, output); err != nil {
			e.logger.Error("failed to install transaction output",
				zap.Uint32("txn", uint32(idx)), zap.Error(err))
			return nil, err
		}
		outputs[i] = output
		executed[i] = true
		if status.Kind() == StatusSkipRest {
			e.logger.Info("skipping rest of the block", zap.Uint32("txn", uint32(idx)))
			skipRest = true
		}
	}

	// Every transaction is committed now, outputs can be materialized independently.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range outputs {
		if !executed[i] {
			continue
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.materialize(stores, TxnIndex(i), outputs[i])
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("failed to materialize block", zap.Error(err))
		return nil, err
	}

	return &BlockResult[K, T, V, O]{Outputs: outputs, Stores: stores}, nil
}

// checkDeltas applies the deltas of output on top of the values visible to idx, so that a
// failing delta discards the transaction before anything it wrote is installed.
func (e *BlockExecutor[Txn, K, T, V, O]) checkDeltas(stores *Stores[K, T, V], idx TxnIndex, output O) error {
	deltas := output.AggregatorV1DeltaSet()
	if len(deltas) == 0 {
		return nil
	}
	view := NewLatestView(stores, e.base, idx)
	values := make(map[K]uint64, len(deltas))
	for _, d := range deltas {
		v, ok := values[d.Key]
		if !ok {
			var err error
			if v, err = view.GetAggregatorV1Value(d.Key); err != nil {
				return errors.Wrapf(err, "aggregator %v", d.Key)
			}
		}
		v, err := d.Delta.ApplyTo(v)
		if err != nil {
			return errors.Wrapf(err, "aggregator %v", d.Key)
		}
		values[d.Key] = v
	}
	return nil
}

func (e *BlockExecutor[Txn, K, T, V, O]) install(stores *Stores[K, T, V], idx TxnIndex, output O) error {
	for _, w := range output.ResourceWriteSet() {
		stores.Data.Write(w.Key, idx, 0, w.Value, nil)
	}
	for _, w := range output.ModuleWriteSet() {
		stores.Modules.Write(w.Key, idx, 0, w.Value, nil)
	}
	// repeated keys are folded into one delta per key
	var order []K
	merged := make(map[K]DeltaOp)
	for _, d := range output.AggregatorV1DeltaSet() {
		prev, ok := merged[d.Key]
		if !ok {
			order = append(order, d.Key)
			merged[d.Key] = d.Delta
			continue
		}
		delta, err := d.Delta.MergeWithPrevious(prev)
		if err != nil {
			return errors.Wrapf(err, "merge deltas of %v", d.Key)
		}
		merged[d.Key] = delta
	}
	for _, key := range order {
		stores.Data.AddDelta(key, idx, 0, merged[key])
	}
	for _, gw := range output.ResourceGroupWriteSet() {
		if _, err := stores.Groups.Write(gw.Key, idx, 0, gw.Tags, gw.Size, nil); err != nil {
			return errors.Wrapf(err, "write group %v", gw.Key)
		}
	}
	return nil
}

func (e *BlockExecutor[Txn, K, T, V, O]) materialize(stores *Stores[K, T, V], idx TxnIndex, output O) error {
	deltaSet := output.AggregatorV1DeltaSet()
	deltas := make([]MaterializedDelta[K], 0, len(deltaSet))
	for _, d := range deltaSet {
		value, err := e.resolveAggregator(stores, d.Key, idx)
		if err != nil {
			return errors.Wrapf(err, "materialize delta of %v at txn %d", d.Key, idx)
		}
		deltas = append(deltas, MaterializedDelta[K]{Key: d.Key, Value: value})
	}

	groupWrites := output.ResourceGroupWriteSet()
	groups := make([]FinalizedGroup[K, T, V], 0, len(groupWrites))
	for _, gw := range groupWrites {
		tags, size, err := stores.Groups.FinalizeGroup(gw.Key, idx)
		if err != nil {
			e.logger.Error("failed to finalize group",
				zap.Any("group", gw.Key), zap.Uint32("txn", uint32(idx)), zap.Error(err))
			return err
		}
		groups = append(groups, FinalizedGroup[K, T, V]{Key: gw.Key, Tags: tags, Size: size})
	}
	return output.IncorporateMaterializedOutput(deltas, groups)
}

// resolveAggregator reads the value right after idx. A delta may sit on a key that was never
// read in the block, in which case the base value is loaded first.
func (e *BlockExecutor[Txn, K, T, V, O]) resolveAggregator(stores *Stores[K, T, V], key K, idx TxnIndex) (uint64, error) {
	out, err := stores.Data.FetchData(key, idx+1)
	var unresolved *UnresolvedError
	if errors.As(err, &unresolved) {
		base, berr := e.base.GetStateValue(key)
		if berr != nil {
			return 0, errors.Wrapf(berr, "read base value of %v", key)
		}
		stores.Data.SetBaseValue(key, RawFromStorage[V]{Val: base})
		out, err = stores.Data.FetchData(key, idx+1)
	}
	if err != nil {
		return 0, err
	}
	if out.IsResolved() {
		return out.Resolved, nil
	}
	return 0, codeInvariantError("delta of %v at txn %d resolved to a plain write", key, idx)
}
