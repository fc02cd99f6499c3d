package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtm0/prmax/internal/cftime"
)

// Source is one ensemble member's files, in chronological order.
type Source struct {
	Name  string
	Files []string
}

// Options control loading.
type Options struct {
	// Variable is the name of the variable to read.
	Variable string
	// From and To bound the years (inclusive) of the time steps that are
	// read. Zero means unbounded.
	From, To int
	// Workers is the number of members loaded concurrently.
	Workers int
	Logger  *slog.Logger
}

func (o Options) keep(d cftime.Date) bool {
	return (o.From == 0 || d.Year >= o.From) && (o.To == 0 || d.Year <= o.To)
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Member is one member's seasonal and annual maxima.
type Member struct {
	Name     string
	Grid     Grid
	Seasonal Series
	Annual   Series
	Steps    int
}

// LoadMember scans src's files in order and resamples them to seasonal and
// annual maxima. All files must share one grid.
func LoadMember(ctx context.Context, src Source, opts Options) (Member, error) {
	m := Member{Name: src.Name}
	if len(src.Files) == 0 {
		return m, fmt.Errorf("member %s: no files", src.Name)
	}
	var seasonal, annual *Resampler
	logger := opts.logger()
	for _, path := range src.Files {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		s, err := NewScanner(ctx, path, opts.Variable)
		if err != nil {
			return m, fmt.Errorf("member %s: %w", src.Name, err)
		}
		logger.Debug("scanning", s.Summary()...)
		if seasonal == nil {
			m.Grid = s.Grid()
			seasonal = NewResampler(Seasonal, m.Grid.Size())
			annual = NewResampler(Annual, m.Grid.Size())
		} else if !m.Grid.Equal(s.Grid()) {
			s.Close()
			return m, fmt.Errorf("member %s: %s: %w", src.Name, path, ErrGridMismatch)
		}
		s.Filter(opts.keep)
		for s.Scan() {
			if err := ctx.Err(); err != nil {
				s.Close()
				return m, err
			}
			d, values := s.Date(), s.Values()
			if err := seasonal.Add(d, values); err != nil {
				s.Close()
				return m, err
			}
			if err := annual.Add(d, values); err != nil {
				s.Close()
				return m, err
			}
			m.Steps++
		}
		err = s.Err()
		s.Close()
		if err != nil {
			return m, fmt.Errorf("member %s: %w", src.Name, err)
		}
	}
	m.Seasonal = seasonal.Series()
	m.Annual = annual.Series()
	return m, nil
}

// LoadEnsemble loads members concurrently and stacks them along the ensemble
// member dimension, preserving the order of srcs.
func LoadEnsemble(ctx context.Context, srcs []Source, opts Options) (seasonal, annual *Ensemble, err error) {
	if len(srcs) == 0 {
		return nil, nil, fmt.Errorf("no ensemble members")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.logger()
	members := make([]Member, len(srcs))
	var done atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			m, err := LoadMember(gctx, src, opts)
			if err != nil {
				return err
			}
			members[i] = m
			n := done.Add(1)
			logger.Info("progress",
				"member", m.Name,
				"steps", m.Steps,
				"loaded", fmt.Sprintf("%d/%d", n, len(srcs)),
				"in", time.Since(start).Round(time.Second))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	grid := members[0].Grid
	seasonal = &Ensemble{Freq: Seasonal, Grid: grid, Attrs: map[string]any{}}
	annual = &Ensemble{Freq: Annual, Grid: grid, Attrs: map[string]any{}}
	for _, m := range members {
		if !grid.Equal(m.Grid) {
			return nil, nil, fmt.Errorf("member %s: %w with member %s", m.Name, ErrGridMismatch, members[0].Name)
		}
		seasonal.Members = append(seasonal.Members, m.Name)
		seasonal.Series = append(seasonal.Series, m.Seasonal)
		annual.Members = append(annual.Members, m.Name)
		annual.Series = append(annual.Series, m.Annual)
	}
	return seasonal, annual, nil
}
