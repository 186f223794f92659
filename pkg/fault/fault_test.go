package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUntaggedIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(Conflict, "store.commit", "head moved")
	err := Wrap(StorageError, "chain.commit", inner)
	assert.Equal(t, Conflict, KindOf(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Equal(t, "chain.commit: store.commit: head moved", err.Error())
}

func TestWrapTagsPlainError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(UpstreamUnavailable, "proof.authorize", cause)
	require.Error(t, err)
	assert.True(t, IsKind(err, UpstreamUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, KindOf(err).Retryable())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(StorageError, "op", nil))
}

func TestErrorsAsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(InvalidKey, "persona.parse", "bad length %d", 12))
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, InvalidKey, fe.Kind)
	assert.Equal(t, "INVALID_KEY", fe.Kind.Code())
	assert.Equal(t, "persona.parse: bad length 12", fe.Error())
}

func TestConflictNotRetryable(t *testing.T) {
	assert.False(t, Conflict.Retryable())
	assert.False(t, NotAuthorized.Retryable())
	assert.False(t, SignatureInvalid.Retryable())
}
