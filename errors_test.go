package blockstm

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSentinelsCarryNoStack(t *testing.T) {
	for _, err := range []error{ErrUninitialized, ErrTagNotFound, ErrDeltaApplicationFailure, ErrGroupSize} {
		assert.Equal(t, err.Error(), fmt.Sprintf("%+v", err))
	}

	wrapped := fmt.Sprintf("%+v", errors.Wrap(ErrTagNotFound, "read"))
	assert.NotContains(t, wrapped, "doInit")
	assert.Contains(t, wrapped, "TestSentinelsCarryNoStack")
}

func TestPanicErrorFormat(t *testing.T) {
	err := codeInvariantError("broken %d", 1)
	assert.Equal(t, "code invariant error: broken 1", err.Error())
	assert.Contains(t, fmt.Sprintf("%+v", err), "TestPanicErrorFormat")
	assert.True(t, IsPanicError(errors.Wrap(err, "outer")))
}
