package blockstm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaApplyTo(t *testing.T) {
	cases := []struct {
		delta DeltaOp
		base  uint64
		want  uint64
		fail  bool
	}{
		{AddDelta(5, 100), 10, 15, false},
		{AddDelta(90, 100), 10, 100, false},
		{AddDelta(91, 100), 10, 0, true},
		{AddDelta(101, 100), 0, 0, true},
		{AddDelta(1, math.MaxUint64), math.MaxUint64 - 1, math.MaxUint64, false},
		{AddDelta(1, math.MaxUint64), math.MaxUint64, 0, true},
		{SubDelta(10, 100), 10, 0, false},
		{SubDelta(11, 100), 10, 0, true},
	}
	for _, c := range cases {
		got, err := c.delta.ApplyTo(c.base)
		if c.fail {
			assert.ErrorIs(t, err, ErrDeltaApplicationFailure, "%s on %d", c.delta, c.base)
			continue
		}
		require.NoError(t, err, "%s on %d", c.delta, c.base)
		assert.Equal(t, c.want, got, "%s on %d", c.delta, c.base)
	}
}

func TestDeltaMergeWithPrevious(t *testing.T) {
	cases := []struct {
		delta, prev, want DeltaOp
	}{
		{AddDelta(5, 100), AddDelta(3, 100), AddDelta(8, 100)},
		{SubDelta(5, 100), SubDelta(3, 100), SubDelta(8, 100)},
		{AddDelta(5, 100), SubDelta(3, 100), AddDelta(2, 100)},
		{SubDelta(5, 100), AddDelta(3, 100), SubDelta(2, 100)},
		{AddDelta(3, 100), SubDelta(5, 100), SubDelta(2, 100)},
		{AddDelta(3, 100), SubDelta(3, 100), AddDelta(0, 100)},
	}
	for _, c := range cases {
		got, err := c.delta.MergeWithPrevious(c.prev)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s after %s", c.delta, c.prev)
	}

	_, err := AddDelta(1, 100).MergeWithPrevious(AddDelta(1, 200))
	assert.ErrorIs(t, err, ErrDeltaApplicationFailure)
	_, err = AddDelta(60, 100).MergeWithPrevious(AddDelta(50, 100))
	assert.ErrorIs(t, err, ErrDeltaApplicationFailure)
}

func TestAggregatorValueEncoding(t *testing.T) {
	b := EncodeAggregatorValue(0x0102)
	assert.Equal(t, []byte{2, 1, 0, 0, 0, 0, 0, 0}, b)

	v, err := DecodeAggregatorValue(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102), v)

	_, err = DecodeAggregatorValue(b[:7])
	assert.ErrorIs(t, err, ErrDeltaApplicationFailure)
}
