package storage

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/zhiqiangxu/blockstm"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrCorrupted = stderrors.New("corrupted value")

const (
	fieldData         protowire.Number = 1
	fieldDeposit      protowire.Number = 2
	fieldCreationTime protowire.Number = 3
)

func encodeValue(w *WriteOp) []byte {
	b := protowire.AppendTag(nil, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, w.Data)
	if w.Meta != nil {
		b = protowire.AppendTag(b, fieldDeposit, protowire.VarintType)
		b = protowire.AppendVarint(b, w.Meta.Deposit)
		b = protowire.AppendTag(b, fieldCreationTime, protowire.VarintType)
		b = protowire.AppendVarint(b, w.Meta.CreationTimeUsecs)
	}
	return b
}

func decodeValue(b []byte) (*WriteOp, error) {
	w := &WriteOp{Kind: blockstm.WriteOpModification}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(ErrCorrupted, protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch {
		case num == fieldData && typ == protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(ErrCorrupted, protowire.ParseError(n).Error())
			}
			w.Data = append([]byte{}, data...)
			b = b[n:]
		case (num == fieldDeposit || num == fieldCreationTime) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(ErrCorrupted, protowire.ParseError(n).Error())
			}
			if w.Meta == nil {
				w.Meta = &blockstm.StateValueMetadata{}
			}
			if num == fieldDeposit {
				w.Meta.Deposit = v
			} else {
				w.Meta.CreationTimeUsecs = v
			}
			b = b[n:]
		default:
			return nil, errors.Wrapf(ErrCorrupted, "unexpected field %d of type %d", num, typ)
		}
	}
	return w, nil
}

// encodeGroup lays a group out as the tag count followed by (tag, length-prefixed bytes) in
// tag order. Its length is exactly the combined ResourceGroupSize of the tags.
func encodeGroup(tags []blockstm.TaggedValue[Tag, []byte]) []byte {
	b := protowire.AppendVarint(nil, uint64(len(tags)))
	for _, tv := range tags {
		b = protowire.AppendVarint(b, uint64(tv.Tag))
		b = protowire.AppendBytes(b, tv.Value)
	}
	return b
}

func decodeGroup(b []byte) ([]blockstm.TaggedValue[Tag, []byte], error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, errors.Wrap(ErrCorrupted, protowire.ParseError(n).Error())
	}
	b = b[n:]
	// every tagged value takes at least a tag byte and a length byte
	if count > uint64(len(b))/2 {
		return nil, errors.Wrapf(ErrCorrupted, "%d tags in %d bytes", count, len(b))
	}
	tags := make([]blockstm.TaggedValue[Tag, []byte], 0, count)
	for i := uint64(0); i < count; i++ {
		tag, n := protowire.ConsumeVarint(b)
		if n < 0 || tag > uint64(^uint32(0)) {
			return nil, errors.Wrapf(ErrCorrupted, "tag %d of group", i)
		}
		b = b[n:]
		data, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Wrapf(ErrCorrupted, "value of tag %d", tag)
		}
		b = b[n:]
		tags = append(tags, blockstm.TaggedValue[Tag, []byte]{Tag: Tag(tag), Value: append([]byte{}, data...)})
	}
	if len(b) != 0 {
		return nil, errors.Wrapf(ErrCorrupted, "%d trailing bytes in group", len(b))
	}
	return tags, nil
}
