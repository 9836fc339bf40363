package blockstm

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ResourceGroupSize is the serialized size of a resource group. Concrete is the zero sentinel
// used where a group has no tagged contents to track; Combined is maintained incrementally.
type ResourceGroupSize struct {
	combined bool

	concrete               uint64
	numTaggedResources     uint64
	allTaggedResourcesSize uint64
}

func ConcreteSize(size uint64) ResourceGroupSize {
	return ResourceGroupSize{concrete: size}
}

func CombinedSize(numTaggedResources, allTaggedResourcesSize uint64) ResourceGroupSize {
	return ResourceGroupSize{
		combined:               true,
		numTaggedResources:     numTaggedResources,
		allTaggedResourcesSize: allTaggedResourcesSize,
	}
}

func ZeroCombined() ResourceGroupSize {
	return CombinedSize(0, 0)
}

func ZeroConcrete() ResourceGroupSize {
	return ConcreteSize(0)
}

func (s ResourceGroupSize) IsCombined() bool {
	return s.combined
}

func (s ResourceGroupSize) NumTaggedResources() uint64 {
	return s.numTaggedResources
}

func (s ResourceGroupSize) AllTaggedResourcesSize() uint64 {
	return s.allTaggedResourcesSize
}

// Get returns the number of bytes the encoded group occupies.
func (s ResourceGroupSize) Get() uint64 {
	if !s.combined {
		return s.concrete
	}
	if s.numTaggedResources == 0 {
		return 0
	}
	return uint64(protowire.SizeVarint(s.numTaggedResources)) + s.allTaggedResourcesSize
}

func (s ResourceGroupSize) String() string {
	if !s.combined {
		return fmt.Sprintf("Concrete(%d)", s.concrete)
	}
	return fmt.Sprintf("Combined(%d, %d)", s.numTaggedResources, s.allTaggedResourcesSize)
}

// GroupTaggedResourceSize is the contribution of one tagged value to the group size.
func GroupTaggedResourceSize[T GroupTag[T]](tag T, valueByteLen int) (uint64, error) {
	tagSize, err := tag.SerializedSize()
	if err != nil {
		return 0, errors.Wrapf(ErrGroupSize, "tag %v: %v", tag, err)
	}
	return uint64(tagSize) + uint64(protowire.SizeVarint(uint64(valueByteLen))) + uint64(valueByteLen), nil
}

func IncrementSizeForAddTaggedResource[T GroupTag[T]](size *ResourceGroupSize, tag T, valueByteLen int) error {
	if !size.combined {
		return codeInvariantError("unexpected concrete group size %s when adding tag %v", size, tag)
	}
	delta, err := GroupTaggedResourceSize(tag, valueByteLen)
	if err != nil {
		return err
	}
	size.numTaggedResources++
	size.allTaggedResourcesSize += delta
	return nil
}

func DecrementSizeForRemoveTag[T GroupTag[T]](size *ResourceGroupSize, tag T, oldValueByteLen int) error {
	if !size.combined {
		return codeInvariantError("unexpected concrete group size %s when removing tag %v", size, tag)
	}
	delta, err := GroupTaggedResourceSize(tag, oldValueByteLen)
	if err != nil {
		return err
	}
	if size.numTaggedResources == 0 || size.allTaggedResourcesSize < delta {
		return errors.Wrapf(ErrGroupSize, "removing tag %v of %d bytes from %s underflows", tag, oldValueByteLen, size)
	}
	size.numTaggedResources--
	size.allTaggedResourcesSize -= delta
	return nil
}

// GroupSizeAsSum computes a combined size from scratch.
func GroupSizeAsSum[T GroupTag[T]](tagged []TaggedValue[T, int]) (ResourceGroupSize, error) {
	size := ZeroCombined()
	for _, tv := range tagged {
		if err := IncrementSizeForAddTaggedResource(&size, tv.Tag, tv.Value); err != nil {
			return ResourceGroupSize{}, err
		}
	}
	return size, nil
}

// GroupSizeAfterWrites computes the size of a group once writes are applied on top of what
// view sees, adjusting only the written tags.
func GroupSizeAfterWrites[K comparable, T GroupTag[T], V TransactionWrite](view ResourceGroupView[K, T], groupKey K, writes []TaggedWrite[T, V]) (ResourceGroupSize, error) {
	size, err := view.ResourceGroupSize(groupKey)
	if err != nil {
		return ResourceGroupSize{}, err
	}
	for _, w := range writes {
		exists, err := view.ResourceExistsInGroup(groupKey, w.Tag)
		if err != nil {
			return ResourceGroupSize{}, err
		}
		if exists {
			old, err := view.GetResourceFromGroup(groupKey, w.Tag, nil)
			if err != nil {
				return ResourceGroupSize{}, err
			}
			if err := DecrementSizeForRemoveTag(&size, w.Tag, len(old)); err != nil {
				return ResourceGroupSize{}, err
			}
		}
		if n, ok := bytesLen(w.Value); ok {
			if err := IncrementSizeForAddTaggedResource(&size, w.Tag, n); err != nil {
				return ResourceGroupSize{}, err
			}
		}
	}
	return size, nil
}
