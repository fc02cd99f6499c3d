// Package config holds the run configuration. Values are merged by viper
// from defaults, an optional YAML or TOML file, PRMAX_* environment variables
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rtm0/prmax/internal/cftime"
)

// Window is an inclusive range of years.
type Window struct {
	Start int `mapstructure:"start" yaml:"start"`
	End   int `mapstructure:"end" yaml:"end"`
}

func (w Window) String() string {
	return fmt.Sprintf("%d-%d", w.Start, w.End)
}

func (w Window) validate(name string) error {
	if w.Start == 0 || w.End == 0 {
		return fmt.Errorf("%s window %s is incomplete", name, w)
	}
	if w.Start > w.End {
		return fmt.Errorf("%s window %s ends before it starts", name, w)
	}
	return nil
}

// Branch names.
const (
	BranchSSP245        = "ssp245"
	BranchARISE         = "arise"
	BranchPreindustrial = "preindustrial"
)

// Config is the run configuration.
type Config struct {
	Model       string   `mapstructure:"model" yaml:"model"`
	Institution string   `mapstructure:"institution" yaml:"institution"`
	Variable    string   `mapstructure:"variable" yaml:"variable"`
	Table       string   `mapstructure:"table" yaml:"table"`
	Scenario    string   `mapstructure:"scenario" yaml:"scenario"`
	Members     []string `mapstructure:"members" yaml:"members"`
	Seasons     []string `mapstructure:"seasons" yaml:"seasons"`
	Branches    []string `mapstructure:"branches" yaml:"branches"`

	// Baseline is the reference period taken from the joined
	// historical-into-scenario runs.
	Baseline Window `mapstructure:"baseline" yaml:"baseline"`
	// Assessment is the period compared across scenario and ARISE runs.
	Assessment Window `mapstructure:"assessment" yaml:"assessment"`
	// Load bounds the years read from the joined scenario runs.
	Load Window `mapstructure:"load" yaml:"load"`

	CMIP6Root string `mapstructure:"cmip6_root" yaml:"cmip6_root"`
	ARISERoot string `mapstructure:"arise_root" yaml:"arise_root"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Manifest  string `mapstructure:"manifest" yaml:"manifest"`

	Workers  int    `mapstructure:"workers" yaml:"workers"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	VMInsertURL    string `mapstructure:"vm_insert_url" yaml:"vm_insert_url"`
	VMMetricPrefix string `mapstructure:"vm_metric_prefix" yaml:"vm_metric_prefix"`
	VMBatchSize    int    `mapstructure:"vm_batch_size" yaml:"vm_batch_size"`
}

var defaults = map[string]any{
	"model":       "UKESM1-0-LL",
	"institution": "MOHC",
	"variable":    "pr",
	"table":       "day",
	"scenario":    "ssp245",
	// ARISE members; the baseline uses the same members.
	"members":  []string{"r1i1p1f2", "r2i1p1f2", "r3i1p1f2", "r4i1p1f2", "r8i1p1f2"},
	"seasons":  append([]string(nil), cftime.Seasons...),
	"branches": []string{BranchSSP245, BranchARISE},
	// 2013-2032 is the 20-year period closest to 1.5K of warming in
	// UKESM1-0-LL.
	"baseline.start":   2013,
	"baseline.end":     2032,
	"assessment.start": 2050,
	"assessment.end":   2069,
	"load.start":       1990,
	"load.end":         2150,
	"cmip6_root":       "/badc/cmip6/data/CMIP6",
	"arise_root":       "/badc/deposited2022/arise/data",
	"output_dir":       "Output_data",
	"manifest":         "",
	"workers":          0,
	"log_level":        "info",
	"vm_insert_url":    "",
	"vm_metric_prefix": "prmax",
	"vm_batch_size":    500,
}

// New returns a viper instance carrying the defaults and reading PRMAX_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("PRMAX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// windows are the nested keys addressed by flags such as --baseline-start.
var windows = []string{"baseline", "assessment", "load"}

// FlagKey returns the configuration key bound to a flag name.
func FlagKey(flag string) string {
	for _, w := range windows {
		if rest, ok := strings.CutPrefix(flag, w+"-"); ok {
			return w + "." + rest
		}
	}
	return strings.ReplaceAll(flag, "-", "_")
}

// BindFlags binds every flag in set to its configuration key.
func BindFlags(v *viper.Viper, set *pflag.FlagSet) error {
	var err error
	set.VisitAll(func(f *pflag.Flag) {
		key := FlagKey(f.Name)
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = errors.Join(err, bindErr)
		}
	})
	return err
}

// Load reads the optional configuration file and decodes the merged
// configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Default returns the default configuration.
func Default() Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	for name, val := range map[string]string{"model": c.Model, "variable": c.Variable, "table": c.Table, "output_dir": c.OutputDir} {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s is empty", name))
		}
	}
	if len(c.Members) == 0 && c.Has(BranchSSP245) {
		errs = append(errs, errors.New("no ensemble members"))
	}
	for _, s := range c.Seasons {
		if !cftime.IsSeason(s) {
			errs = append(errs, fmt.Errorf("unknown season %q", s))
		}
	}
	for _, b := range c.Branches {
		switch b {
		case BranchSSP245, BranchARISE, BranchPreindustrial:
		default:
			errs = append(errs, fmt.Errorf("unknown branch %q", b))
		}
	}
	if err := c.Baseline.validate("baseline"); err != nil {
		errs = append(errs, err)
	}
	if err := c.Assessment.validate("assessment"); err != nil {
		errs = append(errs, err)
	}
	if c.Load.Start > c.Load.End && c.Load.End != 0 {
		errs = append(errs, fmt.Errorf("load window %s ends before it starts", c.Load))
	}
	return errors.Join(errs...)
}

// Has reports whether branch is enabled.
func (c Config) Has(branch string) bool {
	for _, b := range c.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
