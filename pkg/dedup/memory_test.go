package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryServiceReserveReleaseCycle(t *testing.T) {
	s := NewMemoryService(0)
	defer s.Close()
	ctx := context.Background()

	ok, err := s.TryReserve(ctx, "plan-abc12345:step-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second reservation of the same key is rejected.
	ok, err = s.TryReserve(ctx, "plan-abc12345:step-1")
	require.NoError(t, err)
	assert.False(t, ok)

	reserved, err := s.IsReserved(ctx, "plan-abc12345:step-1")
	require.NoError(t, err)
	assert.True(t, reserved)

	require.NoError(t, s.Release(ctx, "plan-abc12345:step-1"))

	reserved, err = s.IsReserved(ctx, "plan-abc12345:step-1")
	require.NoError(t, err)
	assert.False(t, reserved)

	// Released key can be reserved again.
	ok, err = s.TryReserve(ctx, "plan-abc12345:step-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryServiceReleaseUnknownKeyIsNoop(t *testing.T) {
	s := NewMemoryService(0)
	defer s.Close()
	assert.NoError(t, s.Release(context.Background(), "never-reserved"))
}

func TestMemoryServiceExpiry(t *testing.T) {
	s := NewMemoryService(20 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	ok, err := s.TryReserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// Expired reservation is observable as free and re-reservable.
	reserved, err := s.IsReserved(ctx, "k")
	require.NoError(t, err)
	assert.False(t, reserved)

	ok, err = s.TryReserve(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
