package storage

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhiqiangxu/blockstm"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"
)

func openTestStore(t *testing.T) *BadgerStore {
	s, err := OpenBadger("", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func finalized(key Key, kv ...interface{}) blockstm.FinalizedGroup[Key, Tag, *WriteOp] {
	g := blockstm.FinalizedGroup[Key, Tag, *WriteOp]{Key: key, Size: blockstm.ZeroCombined()}
	for i := 0; i+1 < len(kv); i += 2 {
		tag, data := Tag(kv[i].(int)), kv[i+1].(string)
		g.Tags = append(g.Tags, blockstm.TaggedValue[Tag, blockstm.ValueWithLayout[*WriteOp]]{
			Tag:   tag,
			Value: blockstm.Exchanged[*WriteOp]{Val: Modification([]byte(data))},
		})
		if err := blockstm.IncrementSizeForAddTaggedResource(&g.Size, tag, len(data)); err != nil {
			panic(err)
		}
	}
	return g
}

func TestBadgerStateValues(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetStateValue("a")
	require.NoError(t, err)
	assert.Equal(t, blockstm.WriteOpDeletion, v.WriteOpKind())

	meta := &blockstm.StateValueMetadata{Deposit: 100, CreationTimeUsecs: 1700000000000000}
	require.NoError(t, s.Commit(MaterializedOutput{
		Resources: []blockstm.KeyWrite[Key, *WriteOp]{{Key: "a", Value: &WriteOp{Kind: blockstm.WriteOpCreation, Data: []byte("1"), Meta: meta}}},
		Modules:   []blockstm.KeyWrite[Key, *WriteOp]{{Key: "m", Value: Creation([]byte("code"))}},
	}))

	v, err = s.GetStateValue("a")
	require.NoError(t, err)
	assert.Equal(t, &WriteOp{Kind: blockstm.WriteOpModification, Data: []byte("1"), Meta: meta}, v)
	v, err = s.GetStateValue("m")
	require.NoError(t, err)
	assert.Equal(t, []byte("code"), v.Data)
	assert.Nil(t, v.Meta)

	require.NoError(t, s.Commit(MaterializedOutput{
		Resources: []blockstm.KeyWrite[Key, *WriteOp]{{Key: "a", Value: Deletion()}},
	}))
	v, err = s.GetStateValue("a")
	require.NoError(t, err)
	assert.Equal(t, blockstm.WriteOpDeletion, v.WriteOpKind())
}

func TestBadgerAggregator(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Commit(MaterializedOutput{
		AggregatorV1: []blockstm.MaterializedDelta[Key]{{Key: "supply", Value: 42}},
	}))

	v, err := s.GetStateValue("supply")
	require.NoError(t, err)
	n, err := blockstm.DecodeAggregatorValue(v.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestBadgerGroups(t *testing.T) {
	s := openTestStore(t)

	values, err := s.GetGroupState("g")
	require.NoError(t, err)
	assert.Empty(t, values)

	g := finalized("g", 1, "a", 300, "bb", 70000, "")
	require.NoError(t, s.Commit(MaterializedOutput{Groups: []blockstm.FinalizedGroup[Key, Tag, *WriteOp]{g}}))

	values, err = s.GetGroupState("g")
	require.NoError(t, err)
	assert.Equal(t, []blockstm.TaggedValue[Tag, *WriteOp]{
		{Tag: 1, Value: Modification([]byte("a"))},
		{Tag: 300, Value: Modification([]byte("bb"))},
		{Tag: 70000, Value: Modification([]byte{})},
	}, values)

	raw, ok, err := s.get([]byte(prefixGroup + "g"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g.Size.Get(), uint64(len(raw)))

	// emptied groups are deleted
	require.NoError(t, s.Commit(MaterializedOutput{Groups: []blockstm.FinalizedGroup[Key, Tag, *WriteOp]{finalized("g")}}))
	_, ok, err = s.get([]byte(prefixGroup + "g"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerGroupSizeMismatch(t *testing.T) {
	s := openTestStore(t)
	g := finalized("g", 1, "a")
	g.Size = blockstm.CombinedSize(1, 10)

	err := s.Commit(MaterializedOutput{
		Resources: []blockstm.KeyWrite[Key, *WriteOp]{{Key: "a", Value: Creation([]byte("1"))}},
		Groups:    []blockstm.FinalizedGroup[Key, Tag, *WriteOp]{g},
	})
	require.Error(t, err)

	// nothing of the failed commit is visible
	v, err := s.GetStateValue("a")
	require.NoError(t, err)
	assert.Equal(t, blockstm.WriteOpDeletion, v.WriteOpKind())
}

func TestCodecCorrupted(t *testing.T) {
	_, err := decodeValue([]byte{0xff})
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = decodeValue(append(encodeValue(Creation([]byte("x"))), 0x20, 0x01))
	assert.ErrorIs(t, err, ErrCorrupted)

	b := encodeGroup([]blockstm.TaggedValue[Tag, []byte]{{Tag: 1, Value: []byte("a")}})
	tags, err := decodeGroup(b)
	require.NoError(t, err)
	assert.Equal(t, []blockstm.TaggedValue[Tag, []byte]{{Tag: 1, Value: []byte("a")}}, tags)

	assert.NotPanics(t, func() {
		_, err = decodeGroup(protowire.AppendVarint(nil, 1<<62))
	})
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = decodeGroup(append(b, 0))
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = decodeGroup(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrCorrupted)
}

type groupTxn struct {
	group   Key
	tag     Tag
	data    []byte
	counter Key
}

type groupTask struct{}

func (groupTask) ExecuteTransaction(view blockstm.ExecutorView[Key, Tag], txn groupTxn, _ blockstm.TxnIndex) blockstm.ExecutionStatus[*Output] {
	op := Deletion()
	if txn.data != nil {
		op = Modification(txn.data)
	}
	writes := []blockstm.TaggedWrite[Tag, *WriteOp]{{Tag: txn.tag, Value: op}}
	size, err := blockstm.GroupSizeAfterWrites[Key, Tag, *WriteOp](view, txn.group, writes)
	if err != nil {
		return blockstm.Abort[*Output](err)
	}
	out := &Output{
		Groups: []blockstm.GroupWrite[Key, Tag, *WriteOp]{{Key: txn.group, Tags: writes, Size: size}},
	}
	if txn.counter != "" {
		out.Deltas = []blockstm.KeyDelta[Key]{{Key: txn.counter, Delta: blockstm.AddDelta(1, math.MaxUint64)}}
	}
	return blockstm.Success(out)
}

func (groupTask) SkipOutput() *Output {
	return blockstm.NewSkipOutput[Key, Tag, *WriteOp]()
}

func (groupTask) DiscardOutput(code blockstm.StatusCode) *Output {
	return blockstm.NewDiscardOutput[Key, Tag, *WriteOp](code)
}

func TestExecuteAndCommitBlocks(t *testing.T) {
	s := openTestStore(t)
	reader, err := NewCachedReader(s, 16)
	require.NoError(t, err)

	cfg := blockstm.DefaultConfig()
	run := func(block []groupTxn) {
		executor := blockstm.NewBlockExecutor[groupTxn, Key, Tag, *WriteOp, *Output](cfg, groupTask{}, reader, zaptest.NewLogger(t))
		result, err := executor.ExecuteBlock(context.Background(), block)
		require.NoError(t, err)
		for _, out := range result.Outputs {
			ws, ok := out.MaterializedWriteSet()
			require.True(t, ok)
			require.NoError(t, s.Commit(ws))
			reader.Invalidate(ws)
		}
	}

	var block []groupTxn
	for i := 0; i < 20; i++ {
		block = append(block, groupTxn{group: Key(fmt.Sprintf("g%d", i%2)), tag: Tag(i % 5), data: []byte(fmt.Sprint(i))})
	}
	run(block)

	values, err := reader.GetGroupState("g0")
	require.NoError(t, err)
	assert.Equal(t, []blockstm.TaggedValue[Tag, *WriteOp]{
		{Tag: 0, Value: Modification([]byte("10"))},
		{Tag: 1, Value: Modification([]byte("16"))},
		{Tag: 2, Value: Modification([]byte("12"))},
		{Tag: 3, Value: Modification([]byte("18"))},
		{Tag: 4, Value: Modification([]byte("14"))},
	}, values)

	run([]groupTxn{
		{group: "g0", tag: 1},
		{group: "g0", tag: 3},
		{group: "g1", tag: 7, data: []byte("new")},
	})

	values, err = reader.GetGroupState("g0")
	require.NoError(t, err)
	assert.Equal(t, []blockstm.TaggedValue[Tag, *WriteOp]{
		{Tag: 0, Value: Modification([]byte("10"))},
		{Tag: 2, Value: Modification([]byte("12"))},
		{Tag: 4, Value: Modification([]byte("14"))},
	}, values)

	values, err = s.GetGroupState("g1")
	require.NoError(t, err)
	assert.Len(t, values, 6)
	assert.Equal(t, Tag(7), values[5].Tag)
}

func TestExecuteFreshStoreWithCounter(t *testing.T) {
	s := openTestStore(t)
	cfg := blockstm.DefaultConfig()

	var block []groupTxn
	for i := 0; i < 12; i++ {
		block = append(block, groupTxn{group: Key(fmt.Sprintf("group/%d", i%3)), tag: Tag(i % 4), data: []byte(fmt.Sprint(i)), counter: "counter"})
	}
	run := func() []*Output {
		executor := blockstm.NewBlockExecutor[groupTxn, Key, Tag, *WriteOp, *Output](cfg, groupTask{}, s, zaptest.NewLogger(t))
		result, err := executor.ExecuteBlock(context.Background(), block)
		require.NoError(t, err)
		for _, out := range result.Outputs {
			if ws, ok := out.MaterializedWriteSet(); ok {
				require.NoError(t, s.Commit(ws))
			}
		}
		return result.Outputs
	}

	// the counter does not exist yet
	for _, out := range run() {
		assert.Equal(t, blockstm.OutputDiscarded, out.Status)
		assert.Equal(t, blockstm.StatusCodeDeltaApplicationFailure, out.Code)
	}
	values, err := s.GetGroupState("group/0")
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, s.Commit(MaterializedOutput{
		Resources: []blockstm.KeyWrite[Key, *WriteOp]{{Key: "counter", Value: Creation(blockstm.EncodeAggregatorValue(0))}},
	}))
	for _, out := range run() {
		assert.True(t, out.IsKeptSuccess())
	}

	v, err := s.GetStateValue("counter")
	require.NoError(t, err)
	n, err := blockstm.DecodeAggregatorValue(v.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(block)), n)

	values, err = s.GetGroupState("group/0")
	require.NoError(t, err)
	assert.Equal(t, []blockstm.TaggedValue[Tag, *WriteOp]{
		{Tag: 0, Value: Modification([]byte("0"))},
		{Tag: 1, Value: Modification([]byte("9"))},
		{Tag: 2, Value: Modification([]byte("6"))},
		{Tag: 3, Value: Modification([]byte("3"))},
	}, values)
}
