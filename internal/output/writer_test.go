package output

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm0/prmax/internal/dataset"
)

func testWriter(root string) *Writer {
	return NewWriter(slog.New(slog.NewTextHandler(io.Discard, nil)), root, "pr", "run-1", "UKESM1-0-LL day pr")
}

func TestPath(t *testing.T) {
	w := testWriter("Output_data")
	assert.Equal(t, filepath.Join("Output_data", "SSP245_baseline", "pr_max_SSP245_baseline_DJF_std.nc"), w.Path("SSP245_baseline", "DJF", Std))
	assert.Equal(t, filepath.Join("Output_data", "ARISE", "pr_max_ARISE_all_mean.nc"), w.Path("ARISE", SeasonAll, Mean))
}

func TestSave(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Output_data")
	w := testWriter(root)
	grid := dataset.Grid{Lat: []float64{-45, 45}, Lon: []float64{0, 120, 240}}
	ens := &dataset.Ensemble{
		Grid:    grid,
		Members: []string{"r1i1p1f2", "r2i1p1f2"},
		Attrs:   map[string]any{dataset.AttrTimeBounds: []int32{2050, 2069}},
	}
	st := dataset.Stats{
		Grid: grid,
		Mean: []float64{1, 2, 3, 4, 5, math.NaN()},
		Std:  []float64{0.5, 0.5, 0.5, 0.5, 0.5, math.NaN()},
	}

	outs, err := w.Save(context.Background(), "ARISE", "JJA", ens, st)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, Std, outs[0].Statistic)
	assert.Equal(t, Mean, outs[1].Statistic)
	assert.Equal(t, []int32{2050, 2069}, outs[1].Bounds)

	nc, err := netcdf.Open(outs[1].Path)
	require.NoError(t, err)
	defer nc.Close()

	v, err := nc.GetVariable("pr")
	require.NoError(t, err)
	assert.Equal(t, []string{"lat", "lon"}, v.Dimensions)
	data, ok := v.Values.([][]float32)
	require.True(t, ok, "got %T", v.Values)
	assert.Equal(t, []float32{1, 2, 3}, data[0])
	assert.Equal(t, float32(5), data[1][1])
	assert.True(t, math.IsNaN(float64(data[1][2])))

	lat, err := nc.GetVariable("lat")
	require.NoError(t, err)
	assert.Equal(t, grid.Lat, lat.Values)

	attrs := nc.Attributes()
	for key, want := range map[string]any{
		"label":     "ARISE",
		"season":    "JJA",
		"statistic": "mean",
		"members":   "r1i1p1f2 r2i1p1f2",
		"run_id":    "run-1",
	} {
		got, ok := attrs.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok = attrs.Get(dataset.AttrTimeBounds)
	assert.True(t, ok)
}

func TestSaveOverwrites(t *testing.T) {
	root := t.TempDir()
	w := testWriter(root)
	grid := dataset.Grid{Lat: []float64{0}, Lon: []float64{0}}
	ens := &dataset.Ensemble{Grid: grid, Members: []string{"r1"}, Attrs: map[string]any{}}
	require.NoError(t, os.MkdirAll(w.Dir("SSP245"), 0o755))
	require.NoError(t, os.WriteFile(w.Path("SSP245", SeasonAll, Mean), []byte("stale"), 0o644))

	_, err := w.Save(context.Background(), "SSP245", SeasonAll, ens, dataset.Stats{Grid: grid, Mean: []float64{7}, Std: []float64{0}})
	require.NoError(t, err)

	nc, err := netcdf.Open(w.Path("SSP245", SeasonAll, Mean))
	require.NoError(t, err)
	defer nc.Close()
	v, err := nc.GetVariable("pr")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{7}}, v.Values)
}

func TestSaveGridMismatch(t *testing.T) {
	w := testWriter(t.TempDir())
	grid := dataset.Grid{Lat: []float64{0}, Lon: []float64{0, 1}}
	ens := &dataset.Ensemble{Grid: grid, Attrs: map[string]any{}}
	_, err := w.Save(context.Background(), "ARISE", "DJF", ens, dataset.Stats{Grid: grid, Mean: []float64{1}, Std: []float64{1}})
	assert.ErrorIs(t, err, dataset.ErrGridMismatch)
}
