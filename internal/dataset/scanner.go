package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/cenkalti/backoff/v4"

	"github.com/rtm0/prmax/internal/cftime"
)

var (
	latNames  = []string{"lat", "latitude"}
	lonNames  = []string{"lon", "longitude"}
	timeNames = []string{"time"}
)

// openBackOff returns the retry policy for opening files on the archive.
var openBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// Scanner retrieves the values of one variable from a file one time step at
// a time.
type Scanner struct {
	path   string
	nc     api.Group
	grid   Grid
	dates  []cftime.Date
	vg     api.VarGetter
	fill   []float64
	keep   func(cftime.Date) bool
	pos    int
	date   cftime.Date
	values []float32
	err    error
}

// NewScanner opens filePath and prepares to scan variable, which must have
// (time, lat, lon) dimensions. Opening is retried on transient failures.
func NewScanner(ctx context.Context, filePath, variable string) (*Scanner, error) {
	nc, err := open(ctx, filePath)
	if err != nil {
		return nil, err
	}
	s, err := newScanner(nc, filePath, variable)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return s, nil
}

func open(ctx context.Context, filePath string) (api.Group, error) {
	var nc api.Group
	op := func() error {
		var err error
		nc, err = netcdf.Open(filePath)
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(openBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	return nc, nil
}

func newScanner(nc api.Group, filePath, variable string) (*Scanner, error) {
	s := &Scanner{path: filePath, nc: nc}
	var err error
	if s.grid.Lat, err = coordValues(nc, latNames); err != nil {
		return nil, err
	}
	if s.grid.Lon, err = coordValues(nc, lonNames); err != nil {
		return nil, err
	}
	if s.dates, err = timeValues(nc); err != nil {
		return nil, err
	}
	s.vg, err = nc.GetVarGetter(variable)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", variable, err)
	}
	dims := s.vg.Dimensions()
	if len(dims) != 3 {
		return nil, fmt.Errorf("variable %q has dimensions %v; want (time, lat, lon)", variable, dims)
	}
	// Len is the length of the leading (time) dimension.
	ntime := s.vg.Len()
	nlat, _ := nc.GetDimension(dims[1])
	nlon, _ := nc.GetDimension(dims[2])
	if ntime != int64(len(s.dates)) || nlat != uint64(len(s.grid.Lat)) || nlon != uint64(len(s.grid.Lon)) {
		return nil, fmt.Errorf("variable %q has shape [%d %d %d]; want [%d %d %d]",
			variable, ntime, nlat, nlon, len(s.dates), len(s.grid.Lat), len(s.grid.Lon))
	}
	if attrs := s.vg.Attributes(); attrs != nil {
		for _, name := range []string{"_FillValue", "missing_value"} {
			if v, ok := attrs.Get(name); ok {
				s.fill = append(s.fill, numbers(v)...)
			}
		}
	}
	return s, nil
}

func lookupVar(nc api.Group, names []string) (api.VarGetter, error) {
	for _, name := range names {
		if vg, err := nc.GetVarGetter(name); err == nil {
			return vg, nil
		}
	}
	return nil, fmt.Errorf("no coordinate variable among %v", names)
}

func coordValues(nc api.Group, names []string) ([]float64, error) {
	vg, err := lookupVar(nc, names)
	if err != nil {
		return nil, err
	}
	v, err := vg.Values()
	if err != nil {
		return nil, err
	}
	out := numbers(v)
	if out == nil {
		return nil, fmt.Errorf("coordinate %v has unsupported type %T", names, v)
	}
	return out, nil
}

func timeValues(nc api.Group) ([]cftime.Date, error) {
	vg, err := lookupVar(nc, timeNames)
	if err != nil {
		return nil, err
	}
	var units, calendar string
	if attrs := vg.Attributes(); attrs != nil {
		if v, ok := attrs.Get("units"); ok {
			units, _ = v.(string)
		}
		if v, ok := attrs.Get("calendar"); ok {
			calendar, _ = v.(string)
		}
	}
	u, err := cftime.ParseUnits(units, calendar)
	if err != nil {
		return nil, err
	}
	v, err := vg.Values()
	if err != nil {
		return nil, err
	}
	offsets := numbers(v)
	if offsets == nil {
		return nil, fmt.Errorf("time has unsupported type %T", v)
	}
	dates := make([]cftime.Date, len(offsets))
	for i, off := range offsets {
		dates[i] = u.Date(off)
	}
	return dates, nil
}

// numbers converts a numeric scalar or slice to float64s. It returns nil for
// anything else.
func numbers(v any) []float64 {
	switch x := v.(type) {
	case float64:
		return []float64{x}
	case float32:
		return []float64{float64(x)}
	case int32:
		return []float64{float64(x)}
	case int64:
		return []float64{float64(x)}
	case int16:
		return []float64{float64(x)}
	case []float64:
		return append([]float64(nil), x...)
	case []float32:
		return convert(x)
	case []int64:
		return convert(x)
	case []int32:
		return convert(x)
	case []int16:
		return convert(x)
	}
	return nil
}

func convert[T float32 | int64 | int32 | int16](x []T) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

// Close closes the scanner.
func (s *Scanner) Close() {
	s.nc.Close()
}

// Grid returns the horizontal grid of the scanned variable.
func (s *Scanner) Grid() Grid {
	return s.grid
}

// Filter restricts scanning to the time steps keep accepts. Rejected steps
// are not read.
func (s *Scanner) Filter(keep func(cftime.Date) bool) {
	s.keep = keep
}

// Summary returns the summary information about the file suitable for
// logging.
func (s *Scanner) Summary() []any {
	summary := []any{
		"file", s.path,
		"timeCnt", len(s.dates),
		"latCnt", len(s.grid.Lat),
		"lonCnt", len(s.grid.Lon),
	}
	if len(s.dates) > 0 {
		summary = append(summary, "first", s.dates[0].String(), "last", s.dates[len(s.dates)-1].String())
	}
	return summary
}

// Scan reads the values of the next accepted time step.
func (s *Scanner) Scan() bool {
	for s.pos < len(s.dates) && s.keep != nil && !s.keep(s.dates[s.pos]) {
		s.pos++
	}
	if s.pos >= len(s.dates) || s.err != nil {
		return false
	}
	v, err := s.vg.GetSlice(int64(s.pos), int64(s.pos)+1)
	if err != nil {
		s.err = fmt.Errorf("%s: time step %d: %w", s.path, s.pos, err)
		return false
	}
	values, err := s.flatten(v)
	if err != nil {
		s.err = fmt.Errorf("%s: time step %d: %w", s.path, s.pos, err)
		return false
	}
	s.date = s.dates[s.pos]
	s.values = values
	s.pos++
	return true
}

func (s *Scanner) flatten(v any) ([]float32, error) {
	out := make([]float32, 0, s.grid.Size())
	switch x := v.(type) {
	case [][][]float32:
		for _, row := range x[0] {
			out = append(out, row...)
		}
	case [][][]float64:
		for _, row := range x[0] {
			for _, f := range row {
				out = append(out, float32(f))
			}
		}
	default:
		return nil, fmt.Errorf("unsupported variable type %T", v)
	}
	if len(s.fill) > 0 {
		nan := float32(math.NaN())
		for i, f := range out {
			for _, fv := range s.fill {
				if f == float32(fv) {
					out[i] = nan
					break
				}
			}
		}
	}
	return out, nil
}

// Date returns the date of the time step read by the last Scan().
func (s *Scanner) Date() cftime.Date {
	return s.date
}

// Values returns the values read by the last Scan() as a flat lat*lon grid.
// The function transfers ownership of the values to the caller and the
// subsequent calls to this function without prior invocation of Scan() will
// return nil.
func (s *Scanner) Values() []float32 {
	values := s.values
	s.values = nil
	return values
}

// Err returns the first error encountered by Scan.
func (s *Scanner) Err() error {
	return s.err
}
