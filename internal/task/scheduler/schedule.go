package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to either a cron expression or
// a fixed interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// ParseSchedule understands three shapes:
//
//	"cron:<expr>", "@daily", "0 0 * * *"   cron (anything with a space or a leading @)
//	"every:<interval>", "15m", "02:30"     fixed interval; HH:MM is a length, not a clock time
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("empty schedule")
	}
	if expr, ok := cutPrefixFold(s, "cron:"); ok {
		if expr == "" {
			return ParsedSpec{}, errors.New("cron: needs an expression")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	}
	if iv, ok := cutPrefixFold(s, "every:"); ok {
		d, err := parseInterval(iv)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	if s[0] == '@' || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("schedule %q: want a cron expression or an interval such as 15m: %w", raw, err)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// parseInterval reads a Go duration or HH:MM (minutes below 60, hours
// unbounded). The result must be positive.
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		h, m, ok := strings.Cut(v, ":")
		hh, herr := strconv.Atoi(h)
		mm, merr := strconv.Atoi(m)
		if !ok || herr != nil || merr != nil || hh < 0 || mm < 0 || mm > 59 || len(m) != 2 {
			return 0, fmt.Errorf("bad interval %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q is not positive", v)
	}
	return d, nil
}
