package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO calendar date format used throughout.
const DateLayout = "2006-01-02"

// ParseDate parses an ISO date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// DateRange returns every calendar day from start to end inclusive.
func DateRange(start, end string) ([]string, error) {
	from, err := ParseDate(start)
	if err != nil {
		return nil, err
	}
	to, err := ParseDate(end)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, fmt.Errorf("end date %s before start date %s", end, start)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DateLayout))
	}
	return days, nil
}

// AdjustDate shifts an ISO date by days.
func AdjustDate(date string, days int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, days).Format(DateLayout), nil
}

// CompactDate turns "2023-06-01" into "20230601" for file names.
func CompactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}
