package blockstm

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

// VersionedGroupData is the multi-version store of resource groups. Every tag of a group is
// versioned independently, while the size of the whole group and the superset of tags ever
// seen are tracked per group.
//
// A group must be initialized by SetRawBaseValues (i.e. its base read once) before anything
// else can be done with it; until then reads fail with ErrUninitialized and mutations fail
// with a PanicError.
type VersionedGroupData[K comparable, T GroupTag[T], V TransactionWrite] struct {
	values *VersionedData[GroupKey[K, T], V]
	groups sync.Map
}

type groupState[T comparable] struct {
	sync.RWMutex
	sizes versionedGroupSize
	// superset of tags written, estimated or loaded from storage
	tags map[T]struct{}
}

type versionedGroupSize struct {
	entries *btree.Map[ShiftedTxnIndex, *sizeEntry]
	// Set once a size change was observed that is not explained by the first write over the
	// storage version. Never reset.
	sizeHasChanged bool
}

type sizeEntry struct {
	size     ResourceGroupSize
	estimate bool
}

func NewVersionedGroupData[K comparable, T GroupTag[T], V TransactionWrite]() *VersionedGroupData[K, T, V] {
	return &VersionedGroupData[K, T, V]{values: NewVersionedData[GroupKey[K, T], V]()}
}

// latest returns the newest entry at or below idx.
func (s *versionedGroupSize) latest(idx ShiftedTxnIndex) (found ShiftedTxnIndex, entry *sizeEntry, ok bool) {
	s.entries.Descend(idx, func(k ShiftedTxnIndex, v *sizeEntry) bool {
		found, entry, ok = k, v, true
		return false
	})
	return
}

func (s *groupState[T]) initialized() bool {
	return s.sizes.entries.Len() > 0
}

// SetRawBaseValues initializes a group from storage. Calls after the first successful one
// are no-ops.
func (g *VersionedGroupData[K, T, V]) SetRawBaseValues(key K, baseValues []TaggedValue[T, V]) error {
	state := g.getOrCreateGroup(key)
	state.Lock()
	defer state.Unlock()

	if _, ok := state.sizes.entries.Get(StorageIdx); ok {
		return nil
	}

	size := ZeroCombined()
	for _, bv := range baseValues {
		n, ok := bytesLen(bv.Value)
		if !ok {
			continue
		}
		if err := IncrementSizeForAddTaggedResource(&size, bv.Tag, n); err != nil {
			return errors.Wrapf(err, "base size of group %v", key)
		}
	}

	for _, bv := range baseValues {
		state.tags[bv.Tag] = struct{}{}
		g.values.SetBaseValue(GroupKey[K, T]{Key: key, Tag: bv.Tag}, RawFromStorage[V]{Val: bv.Value})
	}
	// the group becomes visible as initialized only here
	state.sizes.entries.Set(StorageIdx, &sizeEntry{size: size})
	return nil
}

// UpdateTaggedBaseValueWithLayout replaces a raw base value by one with a resolved layout.
func (g *VersionedGroupData[K, T, V]) UpdateTaggedBaseValueWithLayout(key K, tag T, value V, layout *TypeLayout) {
	g.values.SetBaseValue(GroupKey[K, T]{Key: key, Tag: tag}, Exchanged[V]{Val: value, Layout: layout})
}

// Write records the output of one incarnation for a group. prevTags are the tags the previous
// incarnation of txnIdx wrote to this group; those not written again are removed.
//
// The result is true when the write may invalidate reads by higher transactions: a tag was
// written that the previous incarnation did not write, or the group size differs from the one
// visible right after txnIdx before this write.
func (g *VersionedGroupData[K, T, V]) Write(
	key K,
	txnIdx TxnIndex,
	incarnation Incarnation,
	values []TaggedWrite[T, V],
	size ResourceGroupSize,
	prevTags map[T]struct{},
) (bool, error) {
	state := g.getGroup(key)
	if state == nil {
		return false, codeInvariantError("group (tags) %v must be initialized to write to", key)
	}
	state.Lock()
	defer state.Unlock()

	if !state.initialized() {
		return false, codeInvariantError("group (sizes) %v must be initialized to write to", key)
	}

	ret := false
	written := make(map[T]struct{}, len(values))
	for _, w := range values {
		state.tags[w.Tag] = struct{}{}
		if _, ok := prevTags[w.Tag]; !ok {
			ret = true
		}
		written[w.Tag] = struct{}{}
		g.values.Write(GroupKey[K, T]{Key: key, Tag: w.Tag}, txnIdx, incarnation, w.Value, w.Layout)
	}
	for tag := range prevTags {
		if _, ok := written[tag]; !ok {
			g.values.Remove(GroupKey[K, T]{Key: key, Tag: tag}, txnIdx)
		}
	}

	if !(state.sizes.sizeHasChanged && ret) {
		prevIdx, prev, ok := state.sizes.latest(Shift(txnIdx))
		if !ok {
			return false, codeInvariantError("initialized group sizes of %v must contain storage version", key)
		}
		changed := prev.size != size
		if changed && (prevIdx != StorageIdx || incarnation > 0) {
			state.sizes.sizeHasChanged = true
		}
		ret = ret || changed
	}

	state.sizes.entries.Set(Shift(txnIdx), &sizeEntry{size: size})
	groupWriteCounter.Inc()
	return ret, nil
}

// MarkEstimate flags the entries txnIdx wrote for the given tags and the group size. It
// panics with a *PanicError if txnIdx never wrote them.
func (g *VersionedGroupData[K, T, V]) MarkEstimate(key K, txnIdx TxnIndex, tags []T) {
	for _, tag := range tags {
		g.values.MarkEstimate(GroupKey[K, T]{Key: key, Tag: tag}, txnIdx)
	}

	state := g.getGroup(key)
	if state == nil {
		panic(codeInvariantError("group %v must exist to mark estimate", key))
	}
	state.Lock()
	defer state.Unlock()

	entry, ok := state.sizes.entries.Get(Shift(txnIdx))
	if !ok {
		panic(codeInvariantError("size entry of group %v by txn %d must exist to mark estimate", key, txnIdx))
	}
	entry.estimate = true
	groupEstimateCounter.Inc()
}

// Remove retracts everything txnIdx wrote for the given tags and the group size.
func (g *VersionedGroupData[K, T, V]) Remove(key K, txnIdx TxnIndex, tags []T) {
	for _, tag := range tags {
		g.values.Remove(GroupKey[K, T]{Key: key, Tag: tag}, txnIdx)
	}

	state := g.getGroup(key)
	if state == nil {
		panic(codeInvariantError("group %v must exist to remove", key))
	}
	state.Lock()
	state.sizes.entries.Delete(Shift(txnIdx))
	state.Unlock()
	groupRemoveCounter.Inc()
}

// FetchTaggedData reads the latest value of tag written strictly below txnIdx.
func (g *VersionedGroupData[K, T, V]) FetchTaggedData(key K, tag T, txnIdx TxnIndex) (Version, ValueWithLayout[V], error) {
	out, err := g.values.FetchData(GroupKey[K, T]{Key: key, Tag: tag}, txnIdx)
	switch {
	case err == nil:
		if out.IsResolved() {
			return Version{}, nil, codeInvariantError("resolved delta in group %v tag %v", key, tag)
		}
		// base values are seeded before the group size, not visible until then
		if out.Version.IsStorage() && !g.isInitialized(key) {
			return Version{}, nil, ErrUninitialized
		}
		return out.Version, out.Value, nil
	case errors.Is(err, ErrUninitialized):
		if g.isInitialized(key) {
			return Version{}, nil, ErrTagNotFound
		}
		return Version{}, nil, ErrUninitialized
	default:
		if _, ok := IsDependency(err); ok {
			groupDependencyCounter.Inc()
			return Version{}, nil, err
		}
		return Version{}, nil, codeInvariantError("unexpected error %v fetching group %v tag %v", err, key, tag)
	}
}

// GetGroupSize reads the group size visible to txnIdx. An estimated size is only reported as
// a dependency once the group has shown a size change; until then it is returned as is.
func (g *VersionedGroupData[K, T, V]) GetGroupSize(key K, txnIdx TxnIndex) (ResourceGroupSize, error) {
	state := g.getGroup(key)
	if state == nil {
		return ResourceGroupSize{}, ErrUninitialized
	}
	state.RLock()
	defer state.RUnlock()

	idx, entry, ok := state.sizes.latest(ShiftedTxnIndex(txnIdx))
	if !ok {
		return ResourceGroupSize{}, ErrUninitialized
	}
	if entry.estimate && state.sizes.sizeHasChanged {
		blocking, _ := idx.Idx()
		groupDependencyCounter.Inc()
		return ResourceGroupSize{}, &DependencyError{Idx: blocking}
	}
	return entry.size, nil
}

// ValidateGroupSize fails on any read error.
func (g *VersionedGroupData[K, T, V]) ValidateGroupSize(key K, txnIdx TxnIndex, expected ResourceGroupSize) bool {
	size, err := g.GetGroupSize(key, txnIdx)
	return err == nil && size == expected
}

// FinalizeGroup flattens the group as of right after txnIdx. All transactions up to txnIdx
// must be committed. Tags are returned in Compare order; deleted tags are left out.
func (g *VersionedGroupData[K, T, V]) FinalizeGroup(key K, txnIdx TxnIndex) ([]TaggedValue[T, ValueWithLayout[V]], ResourceGroupSize, error) {
	state := g.getGroup(key)
	if state == nil {
		return nil, ResourceGroupSize{}, codeInvariantError("group tags of %v must be initialized", key)
	}
	state.RLock()
	tags := make([]T, 0, len(state.tags))
	for tag := range state.tags {
		tags = append(tags, tag)
	}
	state.RUnlock()
	slices.SortFunc(tags, func(a, b T) int { return a.Compare(b) })

	committed := make([]TaggedValue[T, ValueWithLayout[V]], 0, len(tags))
	for _, tag := range tags {
		_, value, err := g.FetchTaggedData(key, tag, txnIdx+1)
		switch {
		case err == nil:
			if value.WriteOpKind() != WriteOpDeletion {
				committed = append(committed, TaggedValue[T, ValueWithLayout[V]]{Tag: tag, Value: value})
			}
		case errors.Is(err, ErrTagNotFound):
		default:
			return nil, ResourceGroupSize{}, codeInvariantError("unexpected error in finalize group %v fetching tag %v: %v", key, tag, err)
		}
	}

	size, err := g.GetGroupSize(key, txnIdx+1)
	if err != nil {
		return nil, ResourceGroupSize{}, codeInvariantError("unexpected error in finalize group %v fetching size: %v", key, err)
	}
	groupFinalizeCounter.Inc()
	finalizedGroupSize.Observe(float64(size.Get()))
	return committed, size, nil
}

// GroupKeys lists the initialized groups.
func (g *VersionedGroupData[K, T, V]) GroupKeys() []K {
	var keys []K
	g.groups.Range(func(k, v any) bool {
		state := v.(*groupState[T])
		state.RLock()
		ok := state.initialized()
		state.RUnlock()
		if ok {
			keys = append(keys, k.(K))
		}
		return true
	})
	return keys
}

func (g *VersionedGroupData[K, T, V]) isInitialized(key K) bool {
	state := g.getGroup(key)
	if state == nil {
		return false
	}
	state.RLock()
	defer state.RUnlock()
	return state.initialized()
}

func (g *VersionedGroupData[K, T, V]) getGroup(key K) *groupState[T] {
	val, ok := g.groups.Load(key)
	if !ok {
		return nil
	}
	return val.(*groupState[T])
}

func (g *VersionedGroupData[K, T, V]) getOrCreateGroup(key K) *groupState[T] {
	if state := g.getGroup(key); state != nil {
		return state
	}
	val, _ := g.groups.LoadOrStore(key, &groupState[T]{
		sizes: versionedGroupSize{entries: btree.NewMap[ShiftedTxnIndex, *sizeEntry](0)},
		tags:  make(map[T]struct{}),
	})
	return val.(*groupState[T])
}
