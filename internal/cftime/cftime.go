// Package cftime decodes CF-convention time coordinates ("days since
// 1850-01-01" and friends) under the calendars used by CMIP model output.
package cftime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Calendar is a CF calendar.
type Calendar int

const (
	// Standard is the mixed Gregorian/Julian calendar. Dates before 1582
	// are decoded as proleptic Gregorian.
	Standard Calendar = iota
	NoLeap
	AllLeap
	Day360
)

var calendarNames = map[string]Calendar{
	"":                    Standard,
	"standard":            Standard,
	"gregorian":           Standard,
	"proleptic_gregorian": Standard,
	"noleap":              NoLeap,
	"365_day":             NoLeap,
	"all_leap":            AllLeap,
	"366_day":             AllLeap,
	"360_day":             Day360,
}

// ParseCalendar returns the calendar named by a CF "calendar" attribute.
// An empty name means the standard calendar.
func ParseCalendar(name string) (Calendar, error) {
	c, ok := calendarNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unsupported calendar %q", name)
	}
	return c, nil
}

func (c Calendar) String() string {
	switch c {
	case NoLeap:
		return "noleap"
	case AllLeap:
		return "all_leap"
	case Day360:
		return "360_day"
	default:
		return "standard"
	}
}

// Date is a calendar date. Time of day is dropped: every consumer works at
// daily or coarser resolution.
type Date struct {
	Year  int
	Month int
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Season returns the meteorological season of the date.
func (d Date) Season() string {
	return SeasonOf(d.Month)
}

// SeasonOf returns DJF, MAM, JJA or SON for a month in 1..12.
func SeasonOf(month int) string {
	switch month {
	case 12, 1, 2:
		return "DJF"
	case 3, 4, 5:
		return "MAM"
	case 6, 7, 8:
		return "JJA"
	default:
		return "SON"
	}
}

// Seasons lists the seasons in the order they start within a year that
// begins in December.
var Seasons = []string{"DJF", "MAM", "JJA", "SON"}

// IsSeason reports whether name is one of Seasons.
func IsSeason(name string) bool {
	for _, s := range Seasons {
		if s == name {
			return true
		}
	}
	return false
}

// Units is a parsed "<unit> since <epoch>" time units string.
type Units struct {
	Calendar Calendar
	// seconds per unit
	scale float64
	epoch Date
	// seconds past midnight of epoch
	epochSecs float64
}

var unitScales = map[string]float64{
	"day": 86400, "days": 86400, "d": 86400,
	"hour": 3600, "hours": 3600, "hr": 3600, "h": 3600,
	"minute": 60, "minutes": 60, "min": 60,
	"second": 1, "seconds": 1, "sec": 1, "s": 1,
}

// ParseUnits parses a CF time units attribute under the named calendar.
func ParseUnits(units, calendar string) (Units, error) {
	cal, err := ParseCalendar(calendar)
	if err != nil {
		return Units{}, err
	}
	fields := strings.Fields(units)
	if len(fields) >= 3 {
		if date, clock, ok := strings.Cut(fields[2], "T"); ok {
			fields = append([]string{fields[0], fields[1], date, clock}, fields[3:]...)
		}
	}
	if len(fields) < 3 || strings.ToLower(fields[1]) != "since" {
		return Units{}, fmt.Errorf("malformed time units %q", units)
	}
	scale, ok := unitScales[strings.ToLower(fields[0])]
	if !ok {
		return Units{}, fmt.Errorf("unsupported time unit %q in %q", fields[0], units)
	}
	epoch, err := parseDate(fields[2])
	if err != nil {
		return Units{}, fmt.Errorf("malformed epoch in %q: %w", units, err)
	}
	u := Units{Calendar: cal, scale: scale, epoch: epoch}
	if len(fields) > 3 && fields[3] != "UTC" && fields[3] != "Z" {
		secs, err := parseClock(fields[3])
		if err != nil {
			return Units{}, fmt.Errorf("malformed epoch in %q: %w", units, err)
		}
		u.epochSecs = secs
	}
	return u, nil
}

func parseDate(s string) (Date, error) {
	// A leading '-' belongs to the year.
	neg := strings.HasPrefix(s, "-")
	parts := strings.Split(strings.TrimPrefix(s, "-"), "-")
	if len(parts) != 3 {
		return Date{}, fmt.Errorf("date %q is not yyyy-mm-dd", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Date{}, fmt.Errorf("date %q: %w", s, err)
		}
		v[i] = n
	}
	if neg {
		v[0] = -v[0]
	}
	if v[1] < 1 || v[1] > 12 || v[2] < 1 || v[2] > 31 {
		return Date{}, fmt.Errorf("date %q out of range", s)
	}
	return Date{Year: v[0], Month: v[1], Day: v[2]}, nil
}

func parseClock(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "Z"), "UTC")
	parts := strings.Split(s, ":")
	mult := []float64{3600, 60, 1}
	if len(parts) > len(mult) {
		return 0, fmt.Errorf("time %q is not hh:mm:ss", s)
	}
	var secs float64
	for i, p := range parts {
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, err)
		}
		secs += f * mult[i]
	}
	return secs, nil
}

// Date decodes an offset expressed in u.
func (u Units) Date(offset float64) Date {
	secs := offset*u.scale + u.epochSecs
	// Tolerate representation error in offsets such as 0.9999999 days.
	days := int(math.Floor(secs/86400 + 1e-6))
	return u.Calendar.AddDays(u.epoch, days)
}

// AddDays returns d shifted by n days in calendar c.
func (c Calendar) AddDays(d Date, n int) Date {
	switch c {
	case Day360:
		ord := d.Year*360 + (d.Month-1)*30 + d.Day - 1 + n
		y := floorDiv(ord, 360)
		r := ord - y*360
		return Date{Year: y, Month: r/30 + 1, Day: r%30 + 1}
	case NoLeap, AllLeap:
		lengths := noLeapMonths
		yearLen := 365
		if c == AllLeap {
			lengths = allLeapMonths
			yearLen = 366
		}
		ord := d.Day - 1 + n
		for m := 0; m < d.Month-1; m++ {
			ord += lengths[m]
		}
		y := d.Year + floorDiv(ord, yearLen)
		r := ord - floorDiv(ord, yearLen)*yearLen
		m := 0
		for r >= lengths[m] {
			r -= lengths[m]
			m++
		}
		return Date{Year: y, Month: m + 1, Day: r + 1}
	default:
		t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
		return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
	}
}

var (
	noLeapMonths  = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	allLeapMonths = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
)

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
