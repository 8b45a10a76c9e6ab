// Package normalize parses and formats the amount and date fields of a
// captured expense.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Layouts used for display and storage.
const (
	DisplayLayout = "Jan 2, 2006"
	StorageLayout = "2006-01-02"
)

var (
	// ErrInvalidAmount is returned for amounts that do not parse or are not positive.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidDate is returned for dates in no recognized form.
	ErrInvalidDate = errors.New("invalid date")

	// ErrFutureDate is returned for dates after today.
	ErrFutureDate = errors.New("date is in the future")
)

var amountPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(k)?$`)

// ParseAmount parses a user or model supplied amount such as "25", "$25.50",
// "1,200" or "2k". The result must be greater than zero.
func ParseAmount(s string) (float64, error) {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.TrimSuffix(cleaned, " usd")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)

	m := amountPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if m[2] == "k" {
		v *= 1000
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return v, nil
}

// FormatAmount renders an amount with two decimals and a dollar sign.
func FormatAmount(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

var (
	daysAgoPattern = regexp.MustCompile(`^(\d+) days? ago$`)
	dateLayouts    = []string{
		StorageLayout,
		"2006/01/02",
		"01/02/2006",
		"1/2/2006",
		DisplayLayout,
		"January 2, 2006",
		"Jan 2 2006",
		"2 Jan 2006",
		time.RFC3339,
	}
)

// ParseDate parses s relative to now. It accepts ISO and slash forms, month
// names, and the relative words "today", "yesterday" and "N days ago".
// The returned time is midnight in now's location. Dates after now's calendar
// day are rejected with ErrFutureDate.
func ParseDate(s string, now time.Time) (time.Time, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	today := truncateDay(now)

	var parsed time.Time
	switch {
	case value == "" || value == "today" || value == "now":
		return today, nil
	case value == "yesterday":
		return today.AddDate(0, 0, -1), nil
	case daysAgoPattern.MatchString(value):
		n, _ := strconv.Atoi(daysAgoPattern.FindStringSubmatch(value)[1])
		return today.AddDate(0, 0, -n), nil
	default:
		var ok bool
		parsed, ok = parseLayouts(strings.TrimSpace(s), now.Location())
		if !ok {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
		}
	}

	parsed = truncateDay(parsed)
	if parsed.After(today) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrFutureDate, parsed.Format(StorageLayout))
	}
	return parsed, nil
}

func parseLayouts(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DisplayDate formats t for showing to the user, e.g. "Jan 2, 2006".
func DisplayDate(t time.Time) string {
	return t.Format(DisplayLayout)
}

// StorageDate formats t as YYYY-MM-DD.
func StorageDate(t time.Time) string {
	return t.Format(StorageLayout)
}

// Period returns the YYYY-MM month of a storage date, or "" if it is malformed.
func Period(storageDate string) string {
	if len(storageDate) < 7 {
		return ""
	}
	return storageDate[:7]
}
