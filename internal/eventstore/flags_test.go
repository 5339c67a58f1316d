package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSetGetClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, set, err := s.GetFlag(ctx, FlagMute)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.SetFlag(ctx, FlagMute, "1", 0))
	val, set, err := s.GetFlag(ctx, FlagMute)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, "1", val)

	require.NoError(t, s.ClearFlag(ctx, FlagMute))
	_, set, err = s.GetFlag(ctx, FlagMute)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestFlagExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// expires_at has second resolution, so back-date past the boundary.
	require.NoError(t, s.SetFlag(ctx, FlagMaintenance, "1", -2*time.Second))
	_, set, err := s.GetFlag(ctx, FlagMaintenance)
	require.NoError(t, err)
	assert.False(t, set, "expired flag must read as unset")
}

func TestFlagRemaining(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remaining, err := s.FlagRemaining(ctx, FlagMute)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.NoError(t, s.SetFlag(ctx, FlagMute, "1", time.Hour))
	remaining, err = s.FlagRemaining(ctx, FlagMute)
	require.NoError(t, err)
	assert.Greater(t, remaining, 50*time.Minute)
}
