package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rtm0/prmax/internal/cftime"
)

// ErrGridMismatch is returned when fields that must share a horizontal grid
// do not.
var ErrGridMismatch = errors.New("grid mismatch")

// Grid holds the horizontal coordinates of a field. Cell (i, j) is stored at
// index i*len(Lon)+j.
type Grid struct {
	Lat []float64
	Lon []float64
}

// Size returns the number of grid cells.
func (g Grid) Size() int {
	return len(g.Lat) * len(g.Lon)
}

// Equal reports whether g and o have the same coordinates.
func (g Grid) Equal(o Grid) bool {
	const tol = 1e-6
	return len(g.Lat) == len(o.Lat) && len(g.Lon) == len(o.Lon) &&
		floats.EqualApprox(g.Lat, o.Lat, tol) && floats.EqualApprox(g.Lon, o.Lon, tol)
}

// Frequency is a resampling frequency.
type Frequency int

const (
	// Seasonal bins quarters starting in December (DJF, MAM, JJA, SON).
	Seasonal Frequency = iota
	// Annual bins calendar years.
	Annual
)

func (f Frequency) String() string {
	if f == Annual {
		return "annual"
	}
	return "seasonal"
}

// Period labels a resampled bin by the year and month it starts in. A DJF
// period is labelled with the December that opens it.
type Period struct {
	Year  int
	Month int
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Before reports whether p starts before q.
func (p Period) Before(q Period) bool {
	if p.Year != q.Year {
		return p.Year < q.Year
	}
	return p.Month < q.Month
}

// Season returns the season a seasonal period covers.
func (p Period) Season() string {
	return cftime.SeasonOf(p.Month)
}

// PeriodOf returns the bin d falls into.
func (f Frequency) PeriodOf(d cftime.Date) Period {
	if f == Annual {
		return Period{Year: d.Year, Month: 1}
	}
	switch d.Month {
	case 12:
		return Period{Year: d.Year, Month: 12}
	case 1, 2:
		return Period{Year: d.Year - 1, Month: 12}
	default:
		return Period{Year: d.Year, Month: 3 * (d.Month / 3)}
	}
}

// Series is one member's resampled field: a grid of values per period, with
// periods in chronological order.
type Series struct {
	Periods []Period
	Data    [][]float32
}

// Len returns the number of periods.
func (s Series) Len() int {
	return len(s.Periods)
}

func (s Series) filter(keep func(Period) bool) Series {
	var out Series
	for i, p := range s.Periods {
		if keep(p) {
			out.Periods = append(out.Periods, p)
			out.Data = append(out.Data, s.Data[i])
		}
	}
	return out
}

// Resampler folds time steps into per-period maxima.
type Resampler struct {
	freq  Frequency
	size  int
	index map[Period]int
	s     Series
}

// NewResampler creates a resampler for fields of size cells.
func NewResampler(freq Frequency, size int) *Resampler {
	return &Resampler{
		freq:  freq,
		size:  size,
		index: make(map[Period]int),
	}
}

// Add folds the values of one time step. NaN values are skipped.
func (r *Resampler) Add(d cftime.Date, values []float32) error {
	if len(values) != r.size {
		return fmt.Errorf("%w: time step %s has %d cells; want %d", ErrGridMismatch, d, len(values), r.size)
	}
	p := r.freq.PeriodOf(d)
	i, ok := r.index[p]
	if !ok {
		grid := make([]float32, r.size)
		nan := float32(math.NaN())
		for k := range grid {
			grid[k] = nan
		}
		i = len(r.s.Periods)
		r.index[p] = i
		r.s.Periods = append(r.s.Periods, p)
		r.s.Data = append(r.s.Data, grid)
	}
	grid := r.s.Data[i]
	for k, v := range values {
		if v != v {
			continue
		}
		if cur := grid[k]; cur != cur || v > cur {
			grid[k] = v
		}
	}
	return nil
}

// Series returns the resampled series sorted by period.
func (r *Resampler) Series() Series {
	s := Series{
		Periods: append([]Period(nil), r.s.Periods...),
		Data:    append([][]float32(nil), r.s.Data...),
	}
	sort.Sort(byPeriod(s))
	return s
}

type byPeriod Series

func (b byPeriod) Len() int           { return len(b.Periods) }
func (b byPeriod) Less(i, j int) bool { return b.Periods[i].Before(b.Periods[j]) }
func (b byPeriod) Swap(i, j int) {
	b.Periods[i], b.Periods[j] = b.Periods[j], b.Periods[i]
	b.Data[i], b.Data[j] = b.Data[j], b.Data[i]
}

// Attribute names carried by ensembles into output files.
const (
	AttrTimeBounds = "t_bnds"
)

// Ensemble is a resampled field with an ensemble-member dimension.
type Ensemble struct {
	Freq    Frequency
	Grid    Grid
	Members []string
	Series  []Series
	Attrs   map[string]any
}

func (e *Ensemble) derive(keep func(Period) bool) *Ensemble {
	out := &Ensemble{
		Freq:    e.Freq,
		Grid:    e.Grid,
		Members: append([]string(nil), e.Members...),
		Series:  make([]Series, len(e.Series)),
		Attrs:   make(map[string]any, len(e.Attrs)+1),
	}
	for k, v := range e.Attrs {
		out.Attrs[k] = v
	}
	for i, s := range e.Series {
		out.Series[i] = s.filter(keep)
	}
	return out
}

// Slice keeps the periods whose label year lies in [start, end] and records
// the window in the t_bnds attribute.
func (e *Ensemble) Slice(start, end int) *Ensemble {
	out := e.derive(func(p Period) bool {
		return p.Year >= start && p.Year <= end
	})
	out.Attrs[AttrTimeBounds] = []int32{int32(start), int32(end)}
	return out
}

// Season keeps the periods that cover the named season.
func (e *Ensemble) Season(name string) *Ensemble {
	return e.derive(func(p Period) bool {
		return p.Season() == name
	})
}

// Len returns the number of (member, period) samples.
func (e *Ensemble) Len() int {
	n := 0
	for _, s := range e.Series {
		n += s.Len()
	}
	return n
}

// Stats holds per-cell statistics over time and ensemble members.
type Stats struct {
	Grid  Grid
	Mean  []float64
	Std   []float64
	Count []int
}

// Reduce computes the per-cell mean and population standard deviation over
// every (period, member) sample. NaN samples are skipped; a cell without any
// finite sample is NaN in both outputs.
func (e *Ensemble) Reduce() Stats {
	size := e.Grid.Size()
	st := Stats{
		Grid:  e.Grid,
		Mean:  make([]float64, size),
		Std:   make([]float64, size),
		Count: make([]int, size),
	}
	buf := make([]float64, 0, e.Len())
	for k := 0; k < size; k++ {
		buf = buf[:0]
		for _, s := range e.Series {
			for _, grid := range s.Data {
				if v := grid[k]; v == v {
					buf = append(buf, float64(v))
				}
			}
		}
		st.Count[k] = len(buf)
		if len(buf) == 0 {
			st.Mean[k], st.Std[k] = math.NaN(), math.NaN()
			continue
		}
		st.Mean[k], st.Std[k] = stat.PopMeanStdDev(buf, nil)
	}
	return st
}

// Span returns the first and last label years across all members. ok is
// false when the ensemble holds no periods.
func (e *Ensemble) Span() (start, end int, ok bool) {
	for _, s := range e.Series {
		if s.Len() == 0 {
			continue
		}
		first, last := s.Periods[0].Year, s.Periods[s.Len()-1].Year
		if !ok || first < start {
			start = first
		}
		if !ok || last > end {
			end = last
		}
		ok = true
	}
	return start, end, ok
}
