// Package archive locates model output files in a CMIP-style archive laid
// out as activity/institution/model/experiment/member/table/variable/version.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoMatch is returned when a path template matches nothing.
var ErrNoMatch = errors.New("no match")

// Experiment names.
const (
	Historical = "historical"
	PiControl  = "piControl"
	AriseSAI   = "arise-sai-1p5"
)

// piControlFiles is the number of piControl files read. The run is long and
// only a few decades are needed.
const piControlFiles = 3

// Member is an ensemble member and its files in chronological order.
type Member struct {
	Name  string
	Files []string
}

// Locator resolves path templates for one model and variable.
type Locator struct {
	// CMIP6Root is the directory holding activity directories
	// (ScenarioMIP, CMIP, ...).
	CMIP6Root string
	// ARISERoot is the directory holding the ARISE tree.
	ARISERoot   string
	Institution string
	Model       string
	Table       string
	Variable    string
}

// ScenarioPattern returns the glob matching a ScenarioMIP member's files.
func (l *Locator) ScenarioPattern(experiment, member string) string {
	return filepath.Join(l.CMIP6Root, "ScenarioMIP", l.Institution, l.Model, experiment, member, l.Table, l.Variable, "*", "latest", "*.nc")
}

// HistoricalPattern returns the glob matching a historical member's
// directories in any activity and institution.
func (l *Locator) HistoricalPattern(member string) string {
	return filepath.Join(l.CMIP6Root, "*", "*", l.Model, Historical, member, l.Table, l.Variable, "*", "latest")
}

// ARISEPattern returns the glob matching ARISE member directories.
func (l *Locator) ARISEPattern() string {
	return filepath.Join(l.ARISERoot, "ARISE", l.Institution, l.Model, AriseSAI, "*", l.Table, l.Variable, "*", "*")
}

// PiControlPattern returns the glob matching piControl directories of the
// first realization.
func (l *Locator) PiControlPattern() string {
	return filepath.Join(l.CMIP6Root, "*", "*", l.Model, PiControl, "r1i*", l.Table, l.Variable, "*", "latest")
}

// Scenario returns each member's historical files followed by its files for
// experiment.
func (l *Locator) Scenario(experiment string, members []string) ([]Member, error) {
	out := make([]Member, 0, len(members))
	for _, name := range members {
		histDirs, err := globDirs(l.HistoricalPattern(name))
		if err != nil {
			return nil, err
		}
		hist, err := ncFiles(histDirs[0])
		if err != nil {
			return nil, err
		}
		scenario, err := globFiles(l.ScenarioPattern(experiment, name))
		if err != nil {
			return nil, err
		}
		out = append(out, Member{Name: name, Files: append(hist, scenario...)})
	}
	return out, nil
}

// ARISE returns every ARISE member found in the archive.
func (l *Locator) ARISE() ([]Member, error) {
	dirs, err := globDirs(l.ARISEPattern())
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(dirs))
	for _, dir := range dirs {
		files, err := ncFiles(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, Member{Name: memberOf(dir, AriseSAI), Files: files})
	}
	return out, nil
}

// PiControl returns the first piControl files of the first matching run as a
// single member.
func (l *Locator) PiControl() (Member, error) {
	dirs, err := globDirs(l.PiControlPattern())
	if err != nil {
		return Member{}, err
	}
	files, err := ncFiles(dirs[0])
	if err != nil {
		return Member{}, err
	}
	if len(files) > piControlFiles {
		files = files[:piControlFiles]
	}
	return Member{Name: memberOf(dirs[0], PiControl), Files: files}, nil
}

// memberOf returns the path element following experiment.
func memberOf(dir, experiment string) string {
	parts := strings.Split(filepath.ToSlash(dir), "/")
	for i, p := range parts {
		if p == experiment && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return filepath.Base(dir)
}

func globDirs(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoMatch, pattern)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func globFiles(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoMatch, pattern)
	}
	// CMIP file names end in the covered date range, so name order is
	// chronological.
	sort.Strings(matches)
	return matches, nil
}

func ncFiles(dir string) ([]string, error) {
	return globFiles(filepath.Join(dir, "*.nc"))
}
