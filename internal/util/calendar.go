package util

import (
	"fmt"
	"time"
)

// dateLayout is the YYYYMMDD integer form used by every input relation.
const dateLayout = "20060102"

// ParseDate converts a YYYYMMDD integer into a UTC calendar date.
func ParseDate(d int) (time.Time, error) {
	if d < 10000101 || d > 99991231 {
		return time.Time{}, fmt.Errorf("date %d out of range", d)
	}
	t, err := time.Parse(dateLayout, fmt.Sprintf("%08d", d))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %d: %w", d, err)
	}
	return t, nil
}

// ValidDate reports whether d is a real YYYYMMDD calendar date.
func ValidDate(d int) bool {
	_, err := ParseDate(d)
	return err == nil
}

// FormatDate renders a calendar date as a YYYYMMDD integer.
func FormatDate(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// WholeYears returns the number of complete calendar years between two
// YYYYMMDD dates, in either order. Invalid dates yield 0.
func WholeYears(a, b int) int {
	if a > b {
		a, b = b, a
	}
	from, err := ParseDate(a)
	if err != nil {
		return 0
	}
	to, err := ParseDate(b)
	if err != nil {
		return 0
	}

	years := to.Year() - from.Year()
	// Feb 29 anchors roll to Mar 1 in non-leap years via AddDate.
	if years > 0 && from.AddDate(years, 0, 0).After(to) {
		years--
	}
	return years
}
