// Package calendar decides which days can carry a publication.
package calendar

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Calendar holds the exclusion rules applied to every candidate tier.
type Calendar struct {
	Days              []string `yaml:"days"`  // excluded weekday names, e.g. "saturday"
	Dates             []string `yaml:"dates"` // excluded YYYY-MM-DD dates
	BlackoutMonth     int      `yaml:"blackoutMonth"`
	BlackoutGraceDays int      `yaml:"blackoutGraceDays"`

	days  map[time.Weekday]bool
	dates map[types.Date]bool
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// New returns the default calendar: weekends excluded and the given blackout month.
func New(blackoutMonth, graceDays int) (*Calendar, error) {
	c := &Calendar{
		Days:              []string{"saturday", "sunday"},
		BlackoutMonth:     blackoutMonth,
		BlackoutGraceDays: graceDays,
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile loads extra exclusions from a YAML file on top of the default calendar.
// Weekends stay excluded whatever the file says.
func LoadFile(path string, blackoutMonth, graceDays int) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	c := &Calendar{BlackoutMonth: blackoutMonth, BlackoutGraceDays: graceDays}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	c.Days = append(c.Days, "saturday", "sunday")
	if err := c.compile(); err != nil {
		return nil, fmt.Errorf("calendar %s: %w", path, err)
	}
	return c, nil
}

func (c *Calendar) compile() error {
	if c.BlackoutMonth < 0 || c.BlackoutMonth > 12 {
		return fmt.Errorf("blackout month %d out of range", c.BlackoutMonth)
	}
	if c.BlackoutGraceDays < 0 {
		return fmt.Errorf("blackout grace days must not be negative")
	}
	c.days = make(map[time.Weekday]bool, len(c.Days))
	for _, name := range c.Days {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("unknown weekday %q", name)
		}
		c.days[wd] = true
	}
	c.dates = make(map[types.Date]bool, len(c.Dates))
	for _, s := range c.Dates {
		d, err := types.ParseDate(s)
		if err != nil {
			return err
		}
		c.dates[d] = true
	}
	return nil
}

// Eligible reports whether d may be probed at any tier.
func (c *Calendar) Eligible(d types.Date) bool {
	if c.days[d.Weekday()] || c.dates[d] {
		return false
	}
	return !c.InBlackout(d)
}

// InBlackout reports whether d falls in the blackout month after the grace days.
func (c *Calendar) InBlackout(d types.Date) bool {
	if c.BlackoutMonth == 0 || int(d.Month) != c.BlackoutMonth {
		return false
	}
	return d.Day > c.BlackoutGraceDays
}

// Weekdays returns the eligible days from from to to, both inclusive.
func (c *Calendar) Weekdays(from, to types.Date) []types.Date {
	var out []types.Date
	for d := from; !d.After(to); d = d.AddDays(1) {
		if c.Eligible(d) {
			out = append(out, d)
		}
	}
	return out
}
