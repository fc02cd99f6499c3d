package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rtm0/prmax/internal/config"
	"github.com/rtm0/prmax/internal/manifest"
	"github.com/rtm0/prmax/internal/pipeline"
	"github.com/rtm0/prmax/internal/vm"
)

var (
	configFile string
	v          = config.New()
	cfg        config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "prmax",
	Short: "Seasonal and annual extreme-precipitation statistics across climate-model ensembles.",
	Long: `prmax computes the mean and standard deviation of seasonal and annual
precipitation maxima across ensemble members for a baseline and a future
window of a scenario, and for the stratospheric aerosol injection runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.LogLevel)
		return err
	},
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Locate, load, reduce and save every enabled branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []pipeline.Option
		if cfg.Manifest != "" {
			store, err := manifest.Open(cfg.Manifest)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts, pipeline.WithManifest(store))
		}
		if cfg.VMInsertURL != "" {
			vmCli, err := vm.NewClient(logger, cfg.VMInsertURL, runtime.NumCPU(), cfg.VMMetricPrefix)
			if err != nil {
				logger.Error("Could not create new VM client", "err", err)
				return err
			}
			opts = append(opts, pipeline.WithVM(vmCli))
		}
		p := pipeline.New(cfg, logger, opts...)
		if err := p.Run(cmd.Context()); err != nil {
			logger.Error("Run failed", "id", p.RunID(), "err", err)
			return err
		}
		return nil
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print the files each branch would read",
	RunE: func(cmd *cobra.Command, args []string) error {
		branches, err := pipeline.New(cfg, logger).Locate()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, b := range branches {
			for _, m := range b.Members {
				fmt.Fprintf(out, "%s\t%s\t%d files\n", b.Name, m.Name, len(m.Files))
				for _, f := range m.Files {
					fmt.Fprintf(out, "\t%s\n", f)
				}
			}
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest [run-id]",
	Short: "List the outputs recorded in the manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Manifest == "" {
			return fmt.Errorf("no manifest configured; set --manifest")
		}
		if _, err := os.Stat(cfg.Manifest); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		store, err := manifest.Open(cfg.Manifest)
		if err != nil {
			return err
		}
		defer store.Close()
		var runID string
		if len(args) == 1 {
			runID = args[0]
		}
		recs, err := store.List(cmd.Context(), runID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range recs {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d-%d\t%s\t%s\n",
				r.RunID, r.Label, r.Season, r.Statistic, r.Start, r.End, strings.Join(r.Members, ","), r.Path)
		}
		return nil
	},
}

func init() {
	defaults := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "configuration file (YAML or TOML)")
	pf.String("log-level", defaults.LogLevel, "log level: debug, info, warn or error")
	pf.String("model", defaults.Model, "model name in the archive")
	pf.String("institution", defaults.Institution, "institution of the scenario and ARISE runs")
	pf.String("variable", defaults.Variable, "variable to reduce")
	pf.String("table", defaults.Table, "table (frequency) of the input files")
	pf.String("scenario", defaults.Scenario, "scenario the historical runs are joined into")
	pf.StringSlice("members", defaults.Members, "scenario ensemble members")
	pf.StringSlice("seasons", defaults.Seasons, "seasons to save")
	pf.StringSlice("branches", defaults.Branches, "branches to run: ssp245, arise, preindustrial")
	pf.Int("baseline-start", defaults.Baseline.Start, "first year of the baseline window")
	pf.Int("baseline-end", defaults.Baseline.End, "last year of the baseline window")
	pf.Int("assessment-start", defaults.Assessment.Start, "first year of the assessment window")
	pf.Int("assessment-end", defaults.Assessment.End, "last year of the assessment window")
	pf.Int("load-start", defaults.Load.Start, "first year read from the scenario runs")
	pf.Int("load-end", defaults.Load.End, "last year read from the scenario runs")
	pf.String("cmip6-root", defaults.CMIP6Root, "CMIP6 archive root")
	pf.String("arise-root", defaults.ARISERoot, "ARISE archive root")
	pf.String("output-dir", defaults.OutputDir, "output directory")
	pf.String("manifest", defaults.Manifest, "SQLite manifest of written files")
	pf.Int("workers", defaults.Workers, "number of ensemble members loaded concurrently; 0 means one per CPU")
	pf.String("vm-insert-url", defaults.VMInsertURL, "Victoria Metrics insert API URL to export statistics to. Empty disables export")
	pf.String("vm-metric-prefix", defaults.VMMetricPrefix, "metric prefix of exported statistics")
	pf.Int("vm-batch-size", defaults.VMBatchSize, "number of records sent to VM in one batch")

	rootCmd.AddCommand(runCmd, locateCmd, configCmd, manifestCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
