package timebucket

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
)

// Layout is the textual form of a bucket key at every API boundary.
const Layout = time.RFC3339

var ErrInvalidBucket = errors.New("invalid time bucket")

// spaceOffset matches an ISO timestamp whose "+HH:MM" offset arrived as
// " HH:MM" because an unencoded query string decoded "+" to a space.
var spaceOffset = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?) (\d{2}:?\d{2})$`)

// zonedLayouts are tried before dateparse so an explicit zone always wins
// over loc.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Current is the bucket containing the clock's present instant.
func Current() time.Time {
	return Canonical(UTC())
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}

// Canonical returns the storage key for t: UTC, truncated to the hour.
func Canonical(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func Format(t time.Time) string {
	return Canonical(t).Format(Layout)
}

// IsAligned reports whether t already is a bucket key instant.
func IsAligned(t time.Time) bool {
	return t.Equal(Canonical(t))
}

// Parse canonicalizes a caller-supplied bucket. Inputs without a zone are
// read in loc. Instants inside an hour resolve to the bucket containing them.
func Parse(raw string, loc *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidBucket)
	}
	if loc == nil {
		loc = time.UTC
	}

	// YYYYMMDDHH is the compact key used by the snapshot exporter.
	if len(trimmed) == 10 && isDigits(trimmed) {
		if ts, err := time.ParseInLocation("2006010215", trimmed, loc); err == nil {
			return Canonical(ts), nil
		}
	}
	// Unix seconds; dateparse would read short digit runs as dates.
	if isDigits(trimmed) && len(trimmed) >= 9 && len(trimmed) <= 11 {
		secs, err := strconv.ParseInt(trimmed, 10, 64)
		if err == nil {
			return Canonical(time.Unix(secs, 0)), nil
		}
	}

	trimmed = spaceOffset.ReplaceAllString(trimmed, "$1+$2")

	ts, ok := parseZoned(trimmed)
	if !ok {
		parsed, err := dateparse.ParseIn(trimmed, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidBucket, raw, err)
		}
		ts = parsed
	}
	if ts.Year() < 2000 || ts.Year() > 9999 {
		return time.Time{}, fmt.Errorf("%w: %q is out of range", ErrInvalidBucket, raw)
	}
	return Canonical(ts), nil
}

// ParseOptional returns nil for an empty value.
func ParseOptional(raw string, loc *time.Location) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	ts, err := Parse(raw, loc)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func parseZoned(s string) (time.Time, bool) {
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
