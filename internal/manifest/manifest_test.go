package manifest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())

	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{RunID: "a", Label: "SSP245", Season: "DJF", Statistic: "mean", Path: "out/SSP245/pr_max_SSP245_DJF_mean.nc", Start: 2050, End: 2069, Members: []string{"r1i1p1f2", "r2i1p1f2"}, WrittenAt: at},
		{RunID: "a", Label: "SSP245", Season: "DJF", Statistic: "std", Path: "out/SSP245/pr_max_SSP245_DJF_std.nc", Start: 2050, End: 2069, Members: []string{"r1i1p1f2"}, WrittenAt: at},
		{RunID: "b", Label: "ARISE", Season: "all", Statistic: "mean", Path: "out/ARISE/pr_max_ARISE_all_mean.nc", Start: 2050, End: 2069, WrittenAt: at},
	}
	for _, r := range recs {
		require.NoError(t, s.Add(ctx, r))
	}

	got, err := s.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[0].Path, got[0].Path)
	assert.Equal(t, recs[0].Members, got[0].Members)
	assert.Equal(t, 2050, got[1].Start)
	assert.True(t, at.Equal(got[0].WrittenAt))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Empty(t, all[2].Members)

	// Re-recording a path within a run replaces it.
	recs[0].Statistic = "mean"
	recs[0].Members = []string{"r3i1p1f2"}
	require.NoError(t, s.Add(ctx, recs[0]))
	got, err = s.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"r3i1p1f2"}, got[1].Members)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, Record{RunID: "a", Label: "ARISE", Season: "JJA", Statistic: "std", Path: "x.nc"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].WrittenAt.IsZero())
}
