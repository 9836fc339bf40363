package storage

import (
	"cmp"

	"github.com/zhiqiangxu/blockstm"
	"google.golang.org/protobuf/encoding/protowire"
)

// Key is a state key. Groups, resources and modules share the key space.
type Key string

// Tag addresses a resource inside a group. It is encoded as a varint.
type Tag uint32

func (t Tag) Compare(other Tag) int {
	return cmp.Compare(t, other)
}

func (t Tag) SerializedSize() (int, error) {
	return protowire.SizeVarint(uint64(t)), nil
}

// WriteOp is the value type of the stores.
type WriteOp struct {
	Kind blockstm.WriteOpKind
	Data []byte
	Meta *blockstm.StateValueMetadata
}

var _ blockstm.TransactionWrite = (*WriteOp)(nil)

func Creation(data []byte) *WriteOp {
	return &WriteOp{Kind: blockstm.WriteOpCreation, Data: data}
}

func Modification(data []byte) *WriteOp {
	return &WriteOp{Kind: blockstm.WriteOpModification, Data: data}
}

func Deletion() *WriteOp {
	return &WriteOp{Kind: blockstm.WriteOpDeletion}
}

func (w *WriteOp) Bytes() ([]byte, bool) {
	if w.Kind == blockstm.WriteOpDeletion {
		return nil, false
	}
	return w.Data, true
}

func (w *WriteOp) WriteOpKind() blockstm.WriteOpKind {
	return w.Kind
}

func (w *WriteOp) Metadata() *blockstm.StateValueMetadata {
	return w.Meta
}

type (
	Reader              = blockstm.StateReader[Key, Tag, *WriteOp]
	Output              = blockstm.VMOutput[Key, Tag, *WriteOp]
	MaterializedOutput  = blockstm.MaterializedWriteSet[Key, Tag, *WriteOp]
	VersionedGroupStore = blockstm.VersionedGroupData[Key, Tag, *WriteOp]
)
