// Package pipeline runs the extreme-precipitation reduction for each
// experiment branch: locate member files, load and resample them, slice the
// assessment windows and save the per-season statistics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rtm0/prmax/internal/archive"
	"github.com/rtm0/prmax/internal/config"
	"github.com/rtm0/prmax/internal/dataset"
	"github.com/rtm0/prmax/internal/manifest"
	"github.com/rtm0/prmax/internal/output"
	"github.com/rtm0/prmax/internal/vm"
)

// Labels of the preindustrial and ARISE outputs. Scenario labels derive from
// the scenario name.
const (
	LabelARISE         = "ARISE"
	LabelPreindustrial = "preindustrial"
)

// Pipeline holds everything a run needs.
type Pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	runID    string
	locator  *archive.Locator
	writer   *output.Writer
	manifest *manifest.Store
	vm       *vm.Client
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithManifest records every written file in m.
func WithManifest(m *manifest.Store) Option {
	return func(p *Pipeline) { p.manifest = m }
}

// WithVM exports every reduced grid through c.
func WithVM(c *vm.Client) Option {
	return func(p *Pipeline) { p.vm = c }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// New creates a pipeline for cfg.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
		locator: &archive.Locator{
			CMIP6Root:   cfg.CMIP6Root,
			ARISERoot:   cfg.ARISERoot,
			Institution: cfg.Institution,
			Model:       cfg.Model,
			Table:       cfg.Table,
			Variable:    cfg.Variable,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	source := fmt.Sprintf("%s %s %s", cfg.Model, cfg.Table, cfg.Variable)
	p.writer = output.NewWriter(logger, cfg.OutputDir, cfg.Variable, p.runID, source)
	return p
}

// RunID returns the id stamped on this run's outputs.
func (p *Pipeline) RunID() string {
	return p.runID
}

// ScenarioLabel returns the label of the scenario assessment outputs.
func (p *Pipeline) ScenarioLabel() string {
	return strings.ToUpper(p.cfg.Scenario)
}

// BaselineLabel returns the label of the scenario baseline outputs.
func (p *Pipeline) BaselineLabel() string {
	return p.ScenarioLabel() + "_baseline"
}

// Branch is an experiment branch and its resolved members.
type Branch struct {
	Name    string
	Members []archive.Member
}

// Locate resolves the member files of every enabled branch.
func (p *Pipeline) Locate() ([]Branch, error) {
	var out []Branch
	for _, name := range p.cfg.Branches {
		members, err := p.locate(name)
		if err != nil {
			return nil, fmt.Errorf("locate %s: %w", name, err)
		}
		out = append(out, Branch{Name: name, Members: members})
	}
	return out, nil
}

func (p *Pipeline) locate(branch string) ([]archive.Member, error) {
	switch branch {
	case config.BranchSSP245:
		return p.locator.Scenario(p.cfg.Scenario, p.cfg.Members)
	case config.BranchARISE:
		return p.locator.ARISE()
	case config.BranchPreindustrial:
		m, err := p.locator.PiControl()
		if err != nil {
			return nil, err
		}
		return []archive.Member{m}, nil
	}
	return nil, fmt.Errorf("unknown branch %q", branch)
}

// Run processes every enabled branch in order. Any failure aborts the run.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("run", "id", p.runID, "model", p.cfg.Model, "variable", p.cfg.Variable, "branches", p.cfg.Branches)
	start := time.Now()
	for _, branch := range p.cfg.Branches {
		if err := p.runBranch(ctx, branch); err != nil {
			return fmt.Errorf("%s: %w", branch, err)
		}
	}
	p.logger.Info("done", "id", p.runID, "in", time.Since(start).Round(time.Second))
	return nil
}

func (p *Pipeline) runBranch(ctx context.Context, branch string) error {
	members, err := p.locate(branch)
	if err != nil {
		return err
	}
	opts := dataset.Options{
		Variable: p.cfg.Variable,
		Workers:  p.cfg.Workers,
		Logger:   p.logger.With("branch", branch),
	}
	if branch == config.BranchSSP245 {
		opts.From, opts.To = p.cfg.Load.Start, p.cfg.Load.End
	}
	seasonal, annual, err := dataset.LoadEnsemble(ctx, sources(members), opts)
	if err != nil {
		return err
	}

	switch branch {
	case config.BranchSSP245:
		b, a := p.cfg.Baseline, p.cfg.Assessment
		if err := p.ProcessAndSave(ctx, p.BaselineLabel(), annual.Slice(b.Start, b.End), seasonal.Slice(b.Start, b.End)); err != nil {
			return err
		}
		return p.ProcessAndSave(ctx, p.ScenarioLabel(), annual.Slice(a.Start, a.End), seasonal.Slice(a.Start, a.End))
	case config.BranchARISE:
		a := p.cfg.Assessment
		return p.ProcessAndSave(ctx, LabelARISE, annual.Slice(a.Start, a.End), seasonal.Slice(a.Start, a.End))
	default:
		// The control run has no calendar meaning: keep all of it.
		first, last, ok := annual.Span()
		if !ok {
			return fmt.Errorf("no time steps in %s", branch)
		}
		// A leading DJF is labelled with the December before the first year.
		s := seasonal.Slice(first-1, last)
		s.Attrs[dataset.AttrTimeBounds] = []int32{int32(first), int32(last)}
		return p.ProcessAndSave(ctx, LabelPreindustrial, annual.Slice(first, last), s)
	}
}

func sources(members []archive.Member) []dataset.Source {
	out := make([]dataset.Source, len(members))
	for i, m := range members {
		out[i] = dataset.Source{Name: m.Name, Files: m.Files}
	}
	return out
}

// ProcessAndSave saves the mean and standard deviation over the combined
// time and ensemble-member dimensions: one pair per configured season from
// seasonal, and the "all" pair from annual.
func (p *Pipeline) ProcessAndSave(ctx context.Context, label string, annual, seasonal *dataset.Ensemble) error {
	for _, season := range p.cfg.Seasons {
		if err := p.save(ctx, label, season, seasonal.Season(season)); err != nil {
			return err
		}
	}
	return p.save(ctx, label, output.SeasonAll, annual)
}

func (p *Pipeline) save(ctx context.Context, label, season string, ens *dataset.Ensemble) error {
	if ens.Len() == 0 {
		p.logger.Warn("no samples; statistics are NaN", "label", label, "season", season)
	}
	st := ens.Reduce()
	outs, err := p.writer.Save(ctx, label, season, ens, st)
	if err != nil {
		return err
	}
	for _, out := range outs {
		if err := p.record(ctx, out); err != nil {
			return err
		}
		if err := p.export(ctx, out, st); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, out output.Output) error {
	if p.manifest == nil {
		return nil
	}
	r := manifest.Record{
		RunID:     p.runID,
		Label:     out.Label,
		Season:    out.Season,
		Statistic: out.Statistic,
		Path:      out.Path,
		Members:   out.Members,
	}
	if len(out.Bounds) == 2 {
		r.Start, r.End = int(out.Bounds[0]), int(out.Bounds[1])
	}
	return p.manifest.Add(ctx, r)
}

func (p *Pipeline) export(ctx context.Context, out output.Output, st dataset.Stats) error {
	if p.vm == nil {
		return nil
	}
	values := st.Mean
	if out.Statistic == output.Std {
		values = st.Std
	}
	var ts time.Time
	if len(out.Bounds) == 2 {
		ts = time.Date(int(out.Bounds[0]), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	recs := vm.GridRecords(out.Label, out.Season, out.Statistic, st.Grid.Lat, st.Grid.Lon, values, ts)
	if err := p.vm.Insert(ctx, recs, p.cfg.VMBatchSize); err != nil {
		return fmt.Errorf("export %s: %w", out.Path, err)
	}
	return nil
}
