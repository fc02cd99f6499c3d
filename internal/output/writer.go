// Package output writes reduced ensemble statistics to NetCDF files laid out
// as {root}/{label}/{prefix}_{label}_{season}_{statistic}.nc.
package output

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"

	"github.com/rtm0/prmax/internal/dataset"
)

// SeasonAll names the aggregate over the annual series.
const SeasonAll = "all"

// Statistic names.
const (
	Mean = "mean"
	Std  = "std"
)

// Output describes one written file.
type Output struct {
	Label     string
	Season    string
	Statistic string
	Path      string
	Members   []string
	Bounds    []int32
}

// Writer saves statistics below a root directory.
type Writer struct {
	logger   *slog.Logger
	root     string
	variable string
	prefix   string
	runID    string
	source   string
}

// NewWriter creates a writer for variable. Output files are named
// {variable}_max_{label}_{season}_{statistic}.nc.
func NewWriter(logger *slog.Logger, root, variable, runID, source string) *Writer {
	return &Writer{
		logger:   logger,
		root:     root,
		variable: variable,
		prefix:   variable + "_max",
		runID:    runID,
		source:   source,
	}
}

// Dir returns the directory holding label's outputs.
func (w *Writer) Dir(label string) string {
	return filepath.Join(w.root, label)
}

// Path returns the file a statistic is written to.
func (w *Writer) Path(label, season, statistic string) string {
	name := fmt.Sprintf("%s_%s_%s_%s.nc", w.prefix, label, season, statistic)
	return filepath.Join(w.Dir(label), name)
}

// Save writes the standard deviation and mean in st, overwriting existing
// files. The attributes of ens are carried into the files.
func (w *Writer) Save(ctx context.Context, label, season string, ens *dataset.Ensemble, st dataset.Stats) ([]Output, error) {
	if err := os.MkdirAll(w.Dir(label), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	var outs []Output
	for _, stat := range []struct {
		name   string
		values []float64
	}{
		{Std, st.Std},
		{Mean, st.Mean},
	} {
		if err := ctx.Err(); err != nil {
			return outs, err
		}
		out := Output{
			Label:     label,
			Season:    season,
			Statistic: stat.name,
			Path:      w.Path(label, season, stat.name),
			Members:   ens.Members,
		}
		if b, ok := ens.Attrs[dataset.AttrTimeBounds].([]int32); ok {
			out.Bounds = b
		}
		if err := w.write(out, ens, st.Grid, stat.values); err != nil {
			return outs, fmt.Errorf("write %s: %w", out.Path, err)
		}
		w.logger.Info("saved", "label", label, "season", season, "statistic", stat.name, "path", out.Path, "samples", ens.Len())
		outs = append(outs, out)
	}
	return outs, nil
}

func (w *Writer) write(out Output, ens *dataset.Ensemble, grid dataset.Grid, values []float64) error {
	if len(values) != grid.Size() {
		return fmt.Errorf("%w: %d values for %d cells", dataset.ErrGridMismatch, len(values), grid.Size())
	}
	if err := os.Remove(out.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	cw, err := cdf.OpenWriter(out.Path)
	if err != nil {
		return err
	}
	if err := w.addVars(cw, out, grid, values); err != nil {
		cw.Close()
		return err
	}
	globals, err := w.globalAttrs(out, ens)
	if err != nil {
		cw.Close()
		return err
	}
	if err := cw.AddGlobalAttrs(globals); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

func (w *Writer) addVars(cw *cdf.CDFWriter, out Output, grid dataset.Grid, values []float64) error {
	latAttrs, err := util.NewOrderedMap(
		[]string{"units", "standard_name"},
		map[string]any{"units": "degrees_north", "standard_name": "latitude"})
	if err != nil {
		return err
	}
	if err := cw.AddVar("lat", api.Variable{Values: grid.Lat, Dimensions: []string{"lat"}, Attributes: latAttrs}); err != nil {
		return err
	}
	lonAttrs, err := util.NewOrderedMap(
		[]string{"units", "standard_name"},
		map[string]any{"units": "degrees_east", "standard_name": "longitude"})
	if err != nil {
		return err
	}
	if err := cw.AddVar("lon", api.Variable{Values: grid.Lon, Dimensions: []string{"lon"}, Attributes: lonAttrs}); err != nil {
		return err
	}

	nlon := len(grid.Lon)
	data := make([][]float32, len(grid.Lat))
	for i := range data {
		row := make([]float32, nlon)
		for j := range row {
			row[j] = float32(values[i*nlon+j])
		}
		data[i] = row
	}
	varAttrs, err := util.NewOrderedMap(
		[]string{"_FillValue", "cell_methods"},
		map[string]any{
			"_FillValue":   []float32{float32(math.NaN())},
			"cell_methods": fmt.Sprintf("time: maximum within %s time: %s over years Ensemble_member: %s", freqName(out.Season), out.Statistic, out.Statistic),
		})
	if err != nil {
		return err
	}
	return cw.AddVar(w.variable, api.Variable{Values: data, Dimensions: []string{"lat", "lon"}, Attributes: varAttrs})
}

func freqName(season string) string {
	if season == SeasonAll {
		return "years"
	}
	return "seasons"
}

func (w *Writer) globalAttrs(out Output, ens *dataset.Ensemble) (api.AttributeMap, error) {
	vals := map[string]any{
		"label":     out.Label,
		"season":    out.Season,
		"statistic": out.Statistic,
		"members":   strings.Join(out.Members, " "),
		"run_id":    w.runID,
		"source":    w.source,
	}
	keys := []string{"label", "season", "statistic", "members", "run_id", "source"}
	var extra []string
	for k, v := range ens.Attrs {
		if _, ok := vals[k]; ok {
			continue
		}
		vals[k] = v
		extra = append(extra, k)
	}
	sort.Strings(extra)
	return util.NewOrderedMap(append(keys, extra...), vals)
}
