// Package tstamp parses the heterogeneous timestamp representations found
// across forensic artifact tables into UTC instants (spec §4.3,
// component C3).
package tstamp

import (
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// FILETIME epoch: 1601-01-01T00:00:00Z, in 100-nanosecond intervals.
var filetimeEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

const filetimeIntervalsPerSecond = 1e7

var minValid = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
var maxValid = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// builtinLayouts are tried, in order, after any custom layouts configured
// for the run. They cover ISO-8601 variants and common date-time shapes
// (year-month-day and day-month-year, with or without seconds/fractions).
var builtinLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"02-01-2006 15:04:05",
	"02-01-2006",
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006",
}

// Parser parses timestamp values per a run's configuration.
type Parser struct {
	customLayouts []string
	location      *time.Location
	substituteNow bool
	clock         clockwork.Clock
}

// Config controls Parser construction.
type Config struct {
	// CustomLayouts are tried, in order, before the built-in layouts.
	CustomLayouts []string
	// Location is applied to layouts that carry no explicit zone.
	Location *time.Location
	// SubstituteNow, when true, returns the parser's current time instead
	// of "no timestamp" for unparseable values.
	SubstituteNow bool
	// Clock supplies "now" for SubstituteNow and is overridable in tests.
	Clock clockwork.Clock
}

// New constructs a Parser from cfg, applying documented defaults for any
// zero-valued field.
func New(cfg Config) *Parser {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Parser{
		customLayouts: cfg.CustomLayouts,
		location:      loc,
		substituteNow: cfg.SubstituteNow,
		clock:         clock,
	}
}

// Parse converts v — a string, integer, or float value read from an input
// table — into a UTC instant. ok is false when v could not be parsed or
// fell outside the validity gate [1970-01-01, 2100-01-01); the caller
// demotes the owning Evidence to supporting in that case, unless
// SubstituteNow is configured.
func (p *Parser) Parse(v any) (t time.Time, ok bool) {
	switch val := v.(type) {
	case nil:
		return p.fallback()
	case time.Time:
		return p.gate(val.UTC())
	case string:
		return p.parseString(val)
	case int64:
		return p.parseNumeric(float64(val))
	case int:
		return p.parseNumeric(float64(val))
	case float64:
		return p.parseNumeric(val)
	case float32:
		return p.parseNumeric(float64(val))
	default:
		return p.fallback()
	}
}

func (p *Parser) fallback() (time.Time, bool) {
	if p.substituteNow {
		return p.clock.Now().UTC(), true
	}
	return time.Time{}, false
}

func (p *Parser) parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return p.fallback()
	}

	for _, layout := range p.customLayouts {
		if t, err := time.ParseInLocation(layout, s, p.location); err == nil {
			return p.gate(t.UTC())
		}
	}
	for _, layout := range builtinLayouts {
		if t, err := time.ParseInLocation(layout, s, p.location); err == nil {
			return p.gate(t.UTC())
		}
	}

	// Numeric-looking strings (epoch seconds/ms/FILETIME shipped as text).
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return p.parseNumeric(n)
	}

	return p.fallback()
}

// parseNumeric applies the disambiguation thresholds of spec §4.3, in
// order, to a numeric value.
func (p *Parser) parseNumeric(x float64) (time.Time, bool) {
	switch {
	case x > 1e16:
		return p.gate(fromFILETIME(x))
	case x > 1e10:
		return p.gate(time.UnixMilli(int64(x)).UTC())
	case x > 0:
		sec := int64(x)
		nsec := int64((x - float64(sec)) * float64(time.Second))
		return p.gate(time.Unix(sec, nsec).UTC())
	default:
		return p.fallback()
	}
}

func fromFILETIME(x float64) time.Time {
	intervals := int64(x)
	seconds := intervals / filetimeIntervalsPerSecond
	remainderIntervals := intervals % filetimeIntervalsPerSecond
	nanos := remainderIntervals * 100
	return filetimeEpoch.Add(time.Duration(seconds)*time.Second + time.Duration(nanos)*time.Nanosecond)
}

// ToFILETIME converts a UTC instant to a Windows FILETIME value, the
// inverse of fromFILETIME. Exported to support the idempotent-reparse
// property (spec §8): formatting then parsing a FILETIME must round-trip.
func ToFILETIME(t time.Time) int64 {
	d := t.UTC().Sub(filetimeEpoch)
	return d.Nanoseconds() / 100
}

// gate applies the validity range [1970-01-01, 2100-01-01).
func (p *Parser) gate(t time.Time) (time.Time, bool) {
	if t.Before(minValid) || !t.Before(maxValid) {
		return p.fallback()
	}
	return t, true
}
