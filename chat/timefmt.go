package chat

import (
	"regexp"
	"time"
)

// UnknownTime is rendered for absent or unparseable timestamps.
const UnknownTime = "Unknown time"

var fractionRe = regexp.MustCompile(`\.(\d{3})\d*Z$`)

// layouts accepted after normalization, tried in order.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// dateOnly values are read as UTC midnight, zone-less date-times as local.
const dateOnly = "2006-01-02"

// NormalizeTimestamp truncates fractional seconds before a trailing `Z` to
// milliseconds. Other inputs are returned unchanged.
func NormalizeTimestamp(ts string) string {
	return fractionRe.ReplaceAllString(ts, ".${1}Z")
}

// TimeFormatter renders message timestamps for display.
type TimeFormatter struct {
	// Location for zone-less timestamps and for rendering, time.Local if nil.
	Location *time.Location
	// Layout of the rendered value, "15:04" if empty.
	Layout string
}

// Parse returns the instant of a normalized timestamp.
func (f TimeFormatter) Parse(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	ts = NormalizeTimestamp(ts)
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, ts, f.location()); err == nil {
			return t, true
		}
	}
	if t, err := time.ParseInLocation(dateOnly, ts, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Format returns the hour:minute display of ts, or UnknownTime.
func (f TimeFormatter) Format(ts string) string {
	t, ok := f.Parse(ts)
	if !ok {
		return UnknownTime
	}
	layout := f.Layout
	if layout == "" {
		layout = "15:04"
	}
	return t.In(f.location()).Format(layout)
}

func (f TimeFormatter) location() *time.Location {
	if f.Location != nil {
		return f.Location
	}
	return time.Local
}

// FormatTime formats ts with the default formatter.
func FormatTime(ts string) string {
	return TimeFormatter{}.Format(ts)
}
