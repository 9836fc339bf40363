package blockstm

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Expected signals of optimistic execution. Callers abort the incarnation or treat the tag as
// absent; these are never bugs.
var (
	ErrUninitialized           = stderrors.New("uninitialized")
	ErrTagNotFound             = stderrors.New("tag not found")
	ErrDeltaApplicationFailure = stderrors.New("delta application failure")
)

// ErrGroupSize is returned when a group size cannot be computed from its tagged values.
var ErrGroupSize = stderrors.New("group size")

// DependencyError means the read landed on an estimate written by Idx.
type DependencyError struct {
	Idx TxnIndex
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency on txn %d", e.Idx)
}

// IsDependency reports the blocking transaction if err carries a dependency.
func IsDependency(err error) (TxnIndex, bool) {
	var dep *DependencyError
	if errors.As(err, &dep) {
		return dep.Idx, true
	}
	return 0, false
}

// UnresolvedError is returned for a key that only has deltas and no base value.
type UnresolvedError struct {
	Delta DeltaOp
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved delta %s", e.Delta)
}

// PanicError is a violated caller contract, never retried.
type PanicError struct {
	err error
}

func codeInvariantError(format string, args ...interface{}) *PanicError {
	return &PanicError{err: errors.Errorf(format, args...)}
}

func (e *PanicError) Error() string {
	return "code invariant error: " + e.err.Error()
}

func (e *PanicError) Unwrap() error {
	return e.err
}

// Format prints the stack captured at the violation with %+v.
func (e *PanicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "code invariant error: %+v", e.err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func IsPanicError(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}
