package blockstm

import (
	"cmp"
	"errors"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

type testTag uint32

// unsizedTag cannot report its serialized size.
const unsizedTag testTag = 999

func (t testTag) Compare(other testTag) int {
	return cmp.Compare(t, other)
}

func (t testTag) SerializedSize() (int, error) {
	if t == unsizedTag {
		return 0, errors.New("unsized tag")
	}
	return protowire.SizeVarint(uint64(t)), nil
}

type testValue struct {
	kind WriteOpKind
	data []byte
	meta *StateValueMetadata
}

func (v *testValue) Bytes() ([]byte, bool) {
	if v.kind == WriteOpDeletion {
		return nil, false
	}
	return v.data, true
}

func (v *testValue) WriteOpKind() WriteOpKind       { return v.kind }
func (v *testValue) Metadata() *StateValueMetadata { return v.meta }

func value(s string) *testValue {
	return &testValue{kind: WriteOpModification, data: []byte(s)}
}

func aggregator(v uint64) *testValue {
	return &testValue{kind: WriteOpModification, data: EncodeAggregatorValue(v)}
}

func deletion() *testValue {
	return &testValue{kind: WriteOpDeletion}
}

type testGroupData = VersionedGroupData[string, testTag, *testValue]

func newTestGroupData() *testGroupData {
	return NewVersionedGroupData[string, testTag, *testValue]()
}

func base(kv ...interface{}) []TaggedValue[testTag, *testValue] {
	var out []TaggedValue[testTag, *testValue]
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, TaggedValue[testTag, *testValue]{Tag: testTag(kv[i].(int)), Value: value(kv[i+1].(string))})
	}
	return out
}

func writes(kv ...interface{}) []TaggedWrite[testTag, *testValue] {
	var out []TaggedWrite[testTag, *testValue]
	for i := 0; i+1 < len(kv); i += 2 {
		v, ok := kv[i+1].(*testValue)
		if !ok {
			v = value(kv[i+1].(string))
		}
		out = append(out, TaggedWrite[testTag, *testValue]{Tag: testTag(kv[i].(int)), Value: v})
	}
	return out
}

func tagSet(tags ...int) map[testTag]struct{} {
	set := make(map[testTag]struct{}, len(tags))
	for _, t := range tags {
		set[testTag(t)] = struct{}{}
	}
	return set
}

// sizeOf is the combined size of single byte tags with the given value lengths.
func sizeOf(valueLens ...int) ResourceGroupSize {
	size := ZeroCombined()
	for _, n := range valueLens {
		size.numTaggedResources++
		size.allTaggedResourcesSize += uint64(1 + protowire.SizeVarint(uint64(n)) + n)
	}
	return size
}

func sizeHasChanged(g *testGroupData, key string) bool {
	state := g.getGroup(key)
	state.RLock()
	defer state.RUnlock()
	return state.sizes.sizeHasChanged
}

// memReader is an in-memory StateReader counting its reads.
type memReader struct {
	mu         sync.Mutex
	values     map[string]*testValue
	groups     map[string][]TaggedValue[testTag, *testValue]
	valueReads int
	groupReads int
}

func newMemReader() *memReader {
	return &memReader{
		values: make(map[string]*testValue),
		groups: make(map[string][]TaggedValue[testTag, *testValue]),
	}
}

func (r *memReader) GetStateValue(key string) (*testValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valueReads++
	if v, ok := r.values[key]; ok {
		return v, nil
	}
	return deletion(), nil
}

func (r *memReader) GetGroupState(key string) ([]TaggedValue[testTag, *testValue], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupReads++
	return r.groups[key], nil
}
