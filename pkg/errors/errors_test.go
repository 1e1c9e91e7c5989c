package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapsToSentinel(t *testing.T) {
	err := ForFile(KindTransport, "transfer", "f1", fmt.Errorf("status 500: %w", ErrUploadFailed))

	assert.True(t, Is(err, ErrUploadFailed))
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Contains(t, err.Error(), "file f1")
}

func TestKindOf_WrappedTwice(t *testing.T) {
	inner := New(KindJobCreation, "create job", ErrJobCreationFailed)
	outer := fmt.Errorf("prepare: %w", inner)

	assert.Equal(t, KindJobCreation, KindOf(outer))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
}
