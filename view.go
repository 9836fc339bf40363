package blockstm

import (
	"github.com/pkg/errors"
)

// StateReader provides the values that predate the block. Absent keys are returned as
// deletions, never as errors.
type StateReader[K comparable, T GroupTag[T], V TransactionWrite] interface {
	GetStateValue(key K) (V, error)
	GetGroupState(key K) ([]TaggedValue[T, V], error)
}

// ResourceGroupView reads tagged resources of groups. Missing tags read as nil bytes.
type ResourceGroupView[K comparable, T any] interface {
	GetResourceFromGroup(groupKey K, tag T, layout *TypeLayout) ([]byte, error)
	ResourceExistsInGroup(groupKey K, tag T) (bool, error)
	ResourceGroupSize(groupKey K) (ResourceGroupSize, error)
}

// ExecutorView is everything a transaction may read. Missing resources read as nil bytes.
type ExecutorView[K comparable, T any] interface {
	ResourceGroupView[K, T]

	GetResourceBytes(key K, layout *TypeLayout) ([]byte, error)
	GetResourceStateValueMetadata(key K) (*StateValueMetadata, error)
	ResourceExists(key K) (bool, error)
	GetModuleBytes(key K) ([]byte, error)
	GetAggregatorV1Value(key K) (uint64, error)
}

// Stores are the versioned stores of one block.
type Stores[K comparable, T GroupTag[T], V TransactionWrite] struct {
	Data    *VersionedData[K, V]
	Modules *VersionedData[K, V]
	Groups  *VersionedGroupData[K, T, V]
}

func NewStores[K comparable, T GroupTag[T], V TransactionWrite]() *Stores[K, T, V] {
	return &Stores[K, T, V]{
		Data:    NewVersionedData[K, V](),
		Modules: NewVersionedData[K, V](),
		Groups:  NewVersionedGroupData[K, T, V](),
	}
}

// LatestView reads the stores as transaction txnIdx sees them, loading base values from
// storage on first access. It is used by a single incarnation and is not safe for
// concurrent use.
type LatestView[K comparable, T GroupTag[T], V TransactionWrite] struct {
	stores *Stores[K, T, V]
	base   StateReader[K, T, V]
	txnIdx TxnIndex
	reads  *CapturedReads[K, T]
}

func NewLatestView[K comparable, T GroupTag[T], V TransactionWrite](stores *Stores[K, T, V], base StateReader[K, T, V], txnIdx TxnIndex) *LatestView[K, T, V] {
	return &LatestView[K, T, V]{
		stores: stores,
		base:   base,
		txnIdx: txnIdx,
		reads:  newCapturedReads[K, T](),
	}
}

func (v *LatestView[K, T, V]) TxnIndex() TxnIndex {
	return v.txnIdx
}

// CapturedReads are the reads performed so far, for validation.
func (v *LatestView[K, T, V]) CapturedReads() *CapturedReads[K, T] {
	return v.reads
}

func (v *LatestView[K, T, V]) GetResourceBytes(key K, layout *TypeLayout) ([]byte, error) {
	value, err := v.readResource(v.stores.Data, key, layout, v.reads.resources)
	if err != nil {
		return nil, err
	}
	b, _ := value.Bytes()
	return b, nil
}

func (v *LatestView[K, T, V]) GetResourceStateValueMetadata(key K) (*StateValueMetadata, error) {
	value, err := v.readResource(v.stores.Data, key, nil, v.reads.resources)
	if err != nil {
		return nil, err
	}
	if value.WriteOpKind() == WriteOpDeletion {
		return nil, nil
	}
	return value.Metadata(), nil
}

func (v *LatestView[K, T, V]) ResourceExists(key K) (bool, error) {
	value, err := v.readResource(v.stores.Data, key, nil, v.reads.resources)
	if err != nil {
		return false, err
	}
	return value.WriteOpKind() != WriteOpDeletion, nil
}

func (v *LatestView[K, T, V]) GetModuleBytes(key K) ([]byte, error) {
	value, err := v.readResource(v.stores.Modules, key, nil, v.reads.modules)
	if err != nil {
		return nil, err
	}
	b, _ := value.Bytes()
	return b, nil
}

func (v *LatestView[K, T, V]) GetAggregatorV1Value(key K) (uint64, error) {
	for loaded := false; ; loaded = true {
		out, err := v.stores.Data.FetchData(key, v.txnIdx)
		if err == nil {
			if out.IsResolved() {
				return out.Resolved, nil
			}
			v.reads.resources[key] = out.Version
			b, ok := out.Value.Value().Bytes()
			if !ok {
				return 0, errors.Wrapf(ErrDeltaApplicationFailure, "aggregator %v is deleted", key)
			}
			return DecodeAggregatorValue(b)
		}
		var unresolved *UnresolvedError
		if loaded || !(errors.Is(err, ErrUninitialized) || errors.As(err, &unresolved)) {
			return 0, err
		}
		if err := v.loadBaseValue(v.stores.Data, key); err != nil {
			return 0, err
		}
	}
}

func (v *LatestView[K, T, V]) GetResourceFromGroup(groupKey K, tag T, layout *TypeLayout) ([]byte, error) {
	value, ok, err := v.readTagged(groupKey, tag, layout)
	if err != nil || !ok {
		return nil, err
	}
	b, _ := value.Bytes()
	return b, nil
}

func (v *LatestView[K, T, V]) ResourceExistsInGroup(groupKey K, tag T) (bool, error) {
	value, ok, err := v.readTagged(groupKey, tag, nil)
	if err != nil || !ok {
		return false, err
	}
	return value.WriteOpKind() != WriteOpDeletion, nil
}

func (v *LatestView[K, T, V]) ResourceGroupSize(groupKey K) (ResourceGroupSize, error) {
	if err := v.initializeGroup(groupKey); err != nil {
		return ResourceGroupSize{}, err
	}
	size, err := v.stores.Groups.GetGroupSize(groupKey, v.txnIdx)
	if err != nil {
		return ResourceGroupSize{}, err
	}
	v.reads.groupSizes[groupKey] = size
	return size, nil
}

func (v *LatestView[K, T, V]) readResource(store *VersionedData[K, V], key K, layout *TypeLayout, reads map[K]Version) (value V, err error) {
	for loaded := false; ; loaded = true {
		var out MVDataOutput[V]
		out, err = store.FetchData(key, v.txnIdx)
		if err == nil {
			if out.IsResolved() {
				err = codeInvariantError("resource %v resolved from deltas, read it as an aggregator", key)
				return
			}
			reads[key] = out.Version
			if layout != nil && out.Version.IsStorage() {
				if _, raw := out.Value.(RawFromStorage[V]); raw {
					store.SetBaseValue(key, Exchanged[V]{Val: out.Value.Value(), Layout: layout})
				}
			}
			value = out.Value.Value()
			return
		}
		if loaded || !errors.Is(err, ErrUninitialized) {
			return
		}
		if err = v.loadBaseValue(store, key); err != nil {
			return
		}
	}
}

func (v *LatestView[K, T, V]) loadBaseValue(store *VersionedData[K, V], key K) error {
	value, err := v.base.GetStateValue(key)
	if err != nil {
		return errors.Wrapf(err, "read base value of %v", key)
	}
	store.SetBaseValue(key, RawFromStorage[V]{Val: value})
	return nil
}

func (v *LatestView[K, T, V]) initializeGroup(groupKey K) error {
	if _, err := v.stores.Groups.GetGroupSize(groupKey, v.txnIdx); !errors.Is(err, ErrUninitialized) {
		return nil
	}
	base, err := v.base.GetGroupState(groupKey)
	if err != nil {
		return errors.Wrapf(err, "read base group %v", groupKey)
	}
	return v.stores.Groups.SetRawBaseValues(groupKey, base)
}

// readTagged returns false when the tag does not exist for txnIdx.
func (v *LatestView[K, T, V]) readTagged(groupKey K, tag T, layout *TypeLayout) (value V, ok bool, err error) {
	if err = v.initializeGroup(groupKey); err != nil {
		return
	}
	version, vl, err := v.stores.Groups.FetchTaggedData(groupKey, tag, v.txnIdx)
	key := GroupKey[K, T]{Key: groupKey, Tag: tag}
	switch {
	case err == nil:
		v.reads.groupTags[key] = tagRead{version: version, exists: true}
		if layout != nil && version.IsStorage() {
			if _, raw := vl.(RawFromStorage[V]); raw {
				v.stores.Groups.UpdateTaggedBaseValueWithLayout(groupKey, tag, vl.Value(), layout)
			}
		}
		return vl.Value(), true, nil
	case errors.Is(err, ErrTagNotFound):
		v.reads.groupTags[key] = tagRead{}
		return value, false, nil
	default:
		return value, false, err
	}
}

type tagRead struct {
	version Version
	exists  bool
}

// CapturedReads are the versions an incarnation observed.
type CapturedReads[K comparable, T comparable] struct {
	resources  map[K]Version
	modules    map[K]Version
	groupTags  map[GroupKey[K, T]]tagRead
	groupSizes map[K]ResourceGroupSize
}

func newCapturedReads[K comparable, T comparable]() *CapturedReads[K, T] {
	return &CapturedReads[K, T]{
		resources:  make(map[K]Version),
		modules:    make(map[K]Version),
		groupTags:  make(map[GroupKey[K, T]]tagRead),
		groupSizes: make(map[K]ResourceGroupSize),
	}
}

// GroupTagsRead lists the tags of groupKey the incarnation read.
func (r *CapturedReads[K, T]) GroupTagsRead(groupKey K) []T {
	var tags []T
	for k := range r.groupTags {
		if k.Key == groupKey {
			tags = append(tags, k.Tag)
		}
	}
	return tags
}

// ValidateCapturedReads reports whether every captured read would observe the same version
// at txnIdx now. Reads of aggregators resolved from deltas are not captured for validation.
func ValidateCapturedReads[K comparable, T GroupTag[T], V TransactionWrite](stores *Stores[K, T, V], reads *CapturedReads[K, T], txnIdx TxnIndex) bool {
	for key, version := range reads.resources {
		out, err := stores.Data.FetchData(key, txnIdx)
		if err != nil || out.IsResolved() || out.Version != version {
			return false
		}
	}
	for key, version := range reads.modules {
		out, err := stores.Modules.FetchData(key, txnIdx)
		if err != nil || out.IsResolved() || out.Version != version {
			return false
		}
	}
	for key, read := range reads.groupTags {
		version, _, err := stores.Groups.FetchTaggedData(key.Key, key.Tag, txnIdx)
		switch {
		case err == nil:
			if !read.exists || version != read.version {
				return false
			}
		case errors.Is(err, ErrTagNotFound):
			if read.exists {
				return false
			}
		default:
			return false
		}
	}
	for key, size := range reads.groupSizes {
		if !stores.Groups.ValidateGroupSize(key, txnIdx, size) {
			return false
		}
	}
	return true
}
