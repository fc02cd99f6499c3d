package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm0/prmax/internal/config"
	"github.com/rtm0/prmax/internal/manifest"
	"github.com/rtm0/prmax/internal/vm"
)

var (
	lat = []float64{-30, 30}
	lon = []float64{0, 90, 180}
)

// writeYear writes a 360_day year of daily values where every cell holds
// base plus the month number.
func writeYear(t *testing.T, path string, year int, base float32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	times := make([]float64, 360)
	values := make([][][]float32, 360)
	for d := range times {
		times[d] = float64((year-1850)*360+d) + 0.5
		v := base + float32(d/30+1)
		values[d] = [][]float32{{v, v, v}, {v, v, v}}
	}
	cw, err := cdf.OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, cw.AddVar("lat", api.Variable{Values: lat, Dimensions: []string{"lat"}}))
	require.NoError(t, cw.AddVar("lon", api.Variable{Values: lon, Dimensions: []string{"lon"}}))
	timeAttrs, err := util.NewOrderedMap(
		[]string{"units", "calendar"},
		map[string]any{"units": "days since 1850-01-01", "calendar": "360_day"})
	require.NoError(t, err)
	require.NoError(t, cw.AddVar("time", api.Variable{Values: times, Dimensions: []string{"time"}, Attributes: timeAttrs}))
	require.NoError(t, cw.AddVar("pr", api.Variable{Values: values, Dimensions: []string{"time", "lat", "lon"}}))
	require.NoError(t, cw.Close())
}

func testConfig(t *testing.T) config.Config {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Model = "TEST-ESM"
	cfg.CMIP6Root = filepath.Join(root, "CMIP6")
	cfg.ARISERoot = filepath.Join(root, "arise")
	cfg.OutputDir = filepath.Join(root, "Output_data")
	cfg.Members = []string{"r1i1p1f2", "r2i1p1f2"}
	cfg.Baseline = config.Window{Start: 2013, End: 2013}
	cfg.Assessment = config.Window{Start: 2050, End: 2050}
	cfg.Workers = 2

	for i, m := range cfg.Members {
		base := float32(10 * i)
		hist := filepath.Join(cfg.CMIP6Root, "CMIP", "MOHC", cfg.Model, "historical", m, "day", "pr", "gn", "latest")
		writeYear(t, filepath.Join(hist, "pr_day_20130101-20131230.nc"), 2013, base)
		ssp := filepath.Join(cfg.CMIP6Root, "ScenarioMIP", "MOHC", cfg.Model, "ssp245", m, "day", "pr", "gn", "latest")
		writeYear(t, filepath.Join(ssp, "pr_day_20500101-20501230.nc"), 2050, base+100)
		arise := filepath.Join(cfg.ARISERoot, "ARISE", "MOHC", cfg.Model, "arise-sai-1p5", m, "day", "pr", "gn", "v20220101")
		writeYear(t, filepath.Join(arise, "pr_day_20500101-20501230.nc"), 2050, base+50)
	}
	return cfg
}

func readMean(t *testing.T, path string) float32 {
	t.Helper()
	nc, err := netcdf.Open(path)
	require.NoError(t, err)
	defer nc.Close()
	v, err := nc.GetVariable("pr")
	require.NoError(t, err)
	return v.Values.([][]float32)[1][2]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	store, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer store.Close()

	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	vmCli, err := vm.NewClient(discard(), srv.URL+"/write", 1, "prmax")
	require.NoError(t, err)

	p := New(cfg, discard(), WithManifest(store), WithVM(vmCli), WithRunID("test-run"))
	require.NoError(t, p.Run(context.Background()))

	for _, label := range []string{"SSP245_baseline", "SSP245", "ARISE"} {
		for _, season := range []string{"DJF", "MAM", "JJA", "SON", "all"} {
			for _, stat := range []string{"mean", "std"} {
				path := filepath.Join(cfg.OutputDir, label, "pr_max_"+label+"_"+season+"_"+stat+".nc")
				_, err := os.Stat(path)
				assert.NoError(t, err, path)
			}
		}
	}

	// Members hold base+month with bases 0 and 10. The baseline DJF of 2013
	// holds December only.
	out := func(label, season, stat string) string {
		return filepath.Join(cfg.OutputDir, label, "pr_max_"+label+"_"+season+"_"+stat+".nc")
	}
	assert.Equal(t, float32(17), readMean(t, out("SSP245_baseline", "DJF", "mean")))
	assert.Equal(t, float32(5), readMean(t, out("SSP245_baseline", "DJF", "std")))
	assert.Equal(t, float32(10), readMean(t, out("SSP245_baseline", "MAM", "mean")))
	assert.Equal(t, float32(117), readMean(t, out("SSP245", "all", "mean")))
	assert.Equal(t, float32(66), readMean(t, out("ARISE", "SON", "mean")))

	recs, err := store.List(context.Background(), "test-run")
	require.NoError(t, err)
	assert.Len(t, recs, 30)
	assert.Equal(t, 2013, recs[0].Start)
	assert.Equal(t, []string{"r1i1p1f2", "r2i1p1f2"}, recs[0].Members)
	assert.Equal(t, int64(30), posts.Load())
}

func TestRunPreindustrial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Branches = []string{config.BranchPreindustrial}
	dir := filepath.Join(cfg.CMIP6Root, "CMIP", "MOHC", cfg.Model, "piControl", "r1i1p1f2", "day", "pr", "gn", "latest")
	for i, y := range []int{1960, 1961, 1962, 1963} {
		writeYear(t, filepath.Join(dir, "pr_day_"+string(rune('a'+i))+".nc"), y, float32(i))
	}

	p := New(cfg, discard())
	require.NoError(t, p.Run(context.Background()))

	// Only the first three files are read: annual maxima 12, 13, 14.
	path := filepath.Join(cfg.OutputDir, LabelPreindustrial, "pr_max_preindustrial_all_mean.nc")
	assert.Equal(t, float32(13), readMean(t, path))
}

func TestLocate(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, discard())
	branches, err := p.Locate()
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, config.BranchSSP245, branches[0].Name)
	require.Len(t, branches[0].Members, 2)
	assert.Len(t, branches[0].Members[0].Files, 2)
	assert.Equal(t, "r2i1p1f2", branches[1].Members[1].Name)

	cfg.Members = []string{"r9i1p1f2"}
	_, err = New(cfg, discard()).Locate()
	assert.Error(t, err)
}

func TestRunMissingArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model = "MISSING"
	err := New(cfg, discard()).Run(context.Background())
	assert.Error(t, err)
	_, statErr := os.Stat(cfg.OutputDir)
	assert.True(t, os.IsNotExist(statErr), "nothing is written when locating fails")
}

func TestLabels(t *testing.T) {
	p := New(config.Default(), discard())
	assert.Equal(t, "SSP245", p.ScenarioLabel())
	assert.Equal(t, "SSP245_baseline", p.BaselineLabel())
	assert.NotEmpty(t, p.RunID())
}
