package blockstm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// DeltaOp is a bounded commutative update of an aggregator stored as a little-endian u64.
type DeltaOp struct {
	Negative bool
	Amount   uint64
	MaxValue uint64
}

func AddDelta(amount, maxValue uint64) DeltaOp {
	return DeltaOp{Amount: amount, MaxValue: maxValue}
}

func SubDelta(amount, maxValue uint64) DeltaOp {
	return DeltaOp{Negative: true, Amount: amount, MaxValue: maxValue}
}

func (d DeltaOp) String() string {
	sign := "+"
	if d.Negative {
		sign = "-"
	}
	return fmt.Sprintf("%s%d (max %d)", sign, d.Amount, d.MaxValue)
}

// ApplyTo fails on underflow or when the result exceeds MaxValue.
func (d DeltaOp) ApplyTo(base uint64) (uint64, error) {
	if d.Negative {
		if base < d.Amount {
			return 0, errors.Wrapf(ErrDeltaApplicationFailure, "%d %s underflows", base, d)
		}
		return base - d.Amount, nil
	}
	if d.Amount > d.MaxValue || base > d.MaxValue-d.Amount {
		return 0, errors.Wrapf(ErrDeltaApplicationFailure, "%d %s overflows", base, d)
	}
	return base + d.Amount, nil
}

// MergeWithPrevious folds an earlier delta under d.
func (d DeltaOp) MergeWithPrevious(prev DeltaOp) (DeltaOp, error) {
	if d.MaxValue != prev.MaxValue {
		return DeltaOp{}, errors.Wrapf(ErrDeltaApplicationFailure, "merging %s with %s", d, prev)
	}
	merged := DeltaOp{MaxValue: d.MaxValue}
	switch {
	case d.Negative == prev.Negative:
		merged.Negative = d.Negative
		merged.Amount = d.Amount + prev.Amount
		if merged.Amount < d.Amount || merged.Amount > d.MaxValue {
			return DeltaOp{}, errors.Wrapf(ErrDeltaApplicationFailure, "merging %s with %s", d, prev)
		}
	case d.Amount >= prev.Amount:
		merged.Negative = d.Negative
		merged.Amount = d.Amount - prev.Amount
	default:
		merged.Negative = prev.Negative
		merged.Amount = prev.Amount - d.Amount
	}
	return merged, nil
}

const aggregatorValueLen = 8

func EncodeAggregatorValue(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, aggregatorValueLen), v)
}

func DecodeAggregatorValue(b []byte) (uint64, error) {
	if len(b) != aggregatorValueLen {
		return 0, errors.Wrapf(ErrDeltaApplicationFailure, "aggregator value has %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
