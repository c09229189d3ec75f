package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_KindSurvivesWrapping(t *testing.T) {
	err := Conflict("ExecuteMerge", "account %s is already merged", "a-1")
	wrapped := fmt.Errorf("handler: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrConflict, kind)
	assert.Equal(t, "handler: ExecuteMerge: account a-1 is already merged", wrapped.Error())
}

func TestError_CauseIsReachable(t *testing.T) {
	cause := errors.New("disk full")
	err := AuditWriteFailure("record", cause)

	assert.True(t, errors.Is(err, ErrAuditWriteFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestKindOf_Unclassified(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
	assert.False(t, IsClassified(nil))
	assert.True(t, IsClassified(PartialFailure("op", errors.New("boom"))))
}

func TestForbidden(t *testing.T) {
	err := Forbidden("ApplyFields", "actor %q may not perform admin mutations", "u-1")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrForbidden, kind)
	assert.Equal(t, `ApplyFields: actor "u-1" may not perform admin mutations`, err.Error())
}
