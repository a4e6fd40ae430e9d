package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "picklight.db"))
	require.NoError(t, err)
	require.NoError(t, s.MigrateUp())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryDetections(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordDetection(12, true))
	require.NoError(t, s.RecordDetection(40, false))

	dets, err := s.RecentDetections(10)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	// Newest first.
	assert.Equal(t, 40, dets[0].Pin)
	assert.False(t, dets[0].Correct)
	assert.Equal(t, 12, dets[1].Pin)
	assert.True(t, dets[1].Correct)
	assert.False(t, dets[0].Timestamp.IsZero())
}

func TestRecentDetectionsHonorsLimit(t *testing.T) {
	s := newTestStore(t)

	for pin := 1; pin <= 5; pin++ {
		require.NoError(t, s.RecordDetection(pin, true))
	}

	dets, err := s.RecentDetections(3)
	require.NoError(t, err)
	assert.Len(t, dets, 3)
	assert.Equal(t, 5, dets[0].Pin)
}

func TestBlockLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.BlockStarted("blk-1", []int{12, 13, 14}, "serial"))

	blocks, err := s.Blocks(10)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "blk-1", blocks[0].ID)
	assert.Equal(t, []int{12, 13, 14}, blocks[0].Pins)
	assert.Equal(t, "serial", blocks[0].Source)
	assert.Nil(t, blocks[0].CompletedAt)

	require.NoError(t, s.BlockCompleted("blk-1"))

	blocks, err = s.Blocks(10)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].CompletedAt)
	assert.False(t, blocks[0].CompletedAt.IsZero())
}

func TestBlockCompletedUnknownID(t *testing.T) {
	s := newTestStore(t)

	err := s.BlockCompleted("nope")
	assert.Error(t, err)
}

func TestMigrateUpDown(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.MigrateUp())

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Up again is a no-op.
	require.NoError(t, s.MigrateUp())

	require.NoError(t, s.MigrateDown())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestPinRoundTrip(t *testing.T) {
	assert.Equal(t, "12,13,14", joinPins([]int{12, 13, 14}))
	assert.Equal(t, []int{12, 13, 14}, splitPins("12,13,14"))
	assert.Nil(t, splitPins(""))
	assert.Equal(t, []int{5}, splitPins("5,junk"))
}
