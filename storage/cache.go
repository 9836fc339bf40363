package storage

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/zhiqiangxu/blockstm"
)

// CachedReader keeps recently read base values in memory. Cached values are shared with the
// stores and must not be mutated.
type CachedReader struct {
	inner  Reader
	values *lru.Cache
	groups *lru.Cache
}

var _ Reader = (*CachedReader)(nil)

func NewCachedReader(inner Reader, size int) (*CachedReader, error) {
	values, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "value cache")
	}
	groups, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "group cache")
	}
	return &CachedReader{inner: inner, values: values, groups: groups}, nil
}

func (c *CachedReader) GetStateValue(key Key) (*WriteOp, error) {
	if v, ok := c.values.Get(key); ok {
		return v.(*WriteOp), nil
	}
	v, err := c.inner.GetStateValue(key)
	if err != nil {
		return nil, err
	}
	c.values.Add(key, v)
	return v, nil
}

func (c *CachedReader) GetGroupState(key Key) ([]blockstm.TaggedValue[Tag, *WriteOp], error) {
	if v, ok := c.groups.Get(key); ok {
		return v.([]blockstm.TaggedValue[Tag, *WriteOp]), nil
	}
	v, err := c.inner.GetGroupState(key)
	if err != nil {
		return nil, err
	}
	c.groups.Add(key, v)
	return v, nil
}

// Invalidate drops cached entries of keys changed by a commit.
func (c *CachedReader) Invalidate(ws MaterializedOutput) {
	for _, w := range ws.Resources {
		c.values.Remove(w.Key)
	}
	for _, w := range ws.Modules {
		c.values.Remove(w.Key)
	}
	for _, d := range ws.AggregatorV1 {
		c.values.Remove(d.Key)
	}
	for _, g := range ws.Groups {
		c.groups.Remove(g.Key)
	}
}
