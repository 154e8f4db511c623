package errclass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Network.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.True(t, RateLimit.Retryable())
	assert.False(t, Validation.Retryable())
	assert.False(t, Configuration.Retryable())
}

func TestFatal(t *testing.T) {
	assert.True(t, Configuration.Fatal())
	assert.True(t, Internal.Fatal())
	assert.False(t, Network.Fatal())
}

func TestClassOfWrapped(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	wrapped := New(Network, "subprocess.run", base)

	assert.Equal(t, Network, ClassOf(wrapped))
	assert.True(t, Is(wrapped, Network))
	require.ErrorIs(t, wrapped, base)
}

func TestClassOfUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, Internal, ClassOf(errors.New("boom")))
}
