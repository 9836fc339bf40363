package blockstm

// ValueWithLayout is either RawFromStorage or Exchanged.
type ValueWithLayout[V TransactionWrite] interface {
	Value() V
	WriteOpKind() WriteOpKind
	// BytesLen is false for deletions.
	BytesLen() (int, bool)

	valueWithLayout()
}

// RawFromStorage is a value loaded from durable state whose layout is not known yet.
type RawFromStorage[V TransactionWrite] struct {
	Val V
}

// Exchanged is a value written in the block, or a base value whose layout was resolved.
// Layout is nil when the writer did not need one.
type Exchanged[V TransactionWrite] struct {
	Val    V
	Layout *TypeLayout
}

var (
	_ ValueWithLayout[TransactionWrite] = RawFromStorage[TransactionWrite]{}
	_ ValueWithLayout[TransactionWrite] = Exchanged[TransactionWrite]{}
)

func (r RawFromStorage[V]) Value() V                 { return r.Val }
func (r RawFromStorage[V]) WriteOpKind() WriteOpKind { return r.Val.WriteOpKind() }
func (r RawFromStorage[V]) BytesLen() (int, bool)    { return bytesLen(r.Val) }
func (RawFromStorage[V]) valueWithLayout()           {}

func (e Exchanged[V]) Value() V                 { return e.Val }
func (e Exchanged[V]) WriteOpKind() WriteOpKind { return e.Val.WriteOpKind() }
func (e Exchanged[V]) BytesLen() (int, bool)    { return bytesLen(e.Val) }
func (Exchanged[V]) valueWithLayout()           {}

func bytesLen[V TransactionWrite](v V) (int, bool) {
	b, ok := v.Bytes()
	if !ok {
		return 0, false
	}
	return len(b), true
}

// LayoutOf returns the layout of an exchanged value, nil for raw ones.
func LayoutOf[V TransactionWrite](v ValueWithLayout[V]) *TypeLayout {
	if e, ok := v.(Exchanged[V]); ok {
		return e.Layout
	}
	return nil
}
