package tstamp

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestParseISO8601(t *testing.T) {
	p := New(Config{})
	ts, ok := p.Parse("2024-03-01T10:00:00Z")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestParseEpochSeconds(t *testing.T) {
	p := New(Config{})
	ts, ok := p.Parse(int64(1709287200))
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts.UTC())
}

func TestParseEpochMilliseconds(t *testing.T) {
	p := New(Config{})
	ts, ok := p.Parse(float64(1709287200000))
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts.UTC())
}

func TestParseFILETIME(t *testing.T) {
	p := New(Config{})
	// 2024-03-01T10:00:00Z expressed as FILETIME.
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ft := ToFILETIME(want)
	ts, ok := p.Parse(float64(ft))
	require.True(t, ok)
	require.WithinDuration(t, want, ts, time.Microsecond)
}

func TestParseRejectsOutOfRange(t *testing.T) {
	p := New(Config{})
	_, ok := p.Parse("1969-01-01T00:00:00Z")
	require.False(t, ok)

	_, ok = p.Parse("2101-01-01T00:00:00Z")
	require.False(t, ok)
}

func TestParseSubstitutesNowWhenConfigured(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(Config{SubstituteNow: true, Clock: fake})
	ts, ok := p.Parse("not a timestamp")
	require.True(t, ok)
	require.Equal(t, fake.Now().UTC(), ts)
}

func TestParseUnparseableWithoutSubstitution(t *testing.T) {
	p := New(Config{})
	_, ok := p.Parse("definitely not a date")
	require.False(t, ok)
}

func TestCustomLayoutTriedFirst(t *testing.T) {
	p := New(Config{CustomLayouts: []string{"20060102150405"}})
	ts, ok := p.Parse("20240301100000")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestFILETIMERoundTripIdempotent(t *testing.T) {
	original := time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)
	ft := ToFILETIME(original)
	p := New(Config{})
	reparsed, ok := p.Parse(float64(ft))
	require.True(t, ok)
	require.WithinDuration(t, original, reparsed, time.Microsecond)
}
