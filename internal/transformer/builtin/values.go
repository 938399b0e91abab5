package builtin

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reDecimal = regexp.MustCompile(`^-?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?$`)

// ParseDecimal parses a human-formatted number.
//
// Accepted: surrounding space, a leading '+', a trailing '%', grouping by
// space, NBSP, narrow NBSP or apostrophe, and both "1,234.5" and "1.234,5".
// A single comma is a decimal comma unless exactly three digits follow it
// ("1,234" is 1234). A single dot is always a decimal point.
func ParseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return 0, false
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'', '\u2019':
			return -1
		}
		return r
	}, s)

	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndexByte(s, ',') > strings.LastIndexByte(s, '.') {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas == 1:
		i := strings.IndexByte(s, ',')
		if len(s)-i-1 == 3 && i > 0 {
			s = s[:i] + s[i+1:]
		} else {
			s = s[:i] + "." + s[i+1:]
		}
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	if !reDecimal.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// IsYear reports a four digit year in 1900..2099.
func IsYear(s string) bool {
	_, ok := ParseYear(s)
	return ok
}

// ParseYear returns the year of a bare four digit year in 1900..2099.
func ParseYear(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1900 || n > 2099 {
		return 0, false
	}
	return n, true
}

var (
	reQuarter    = regexp.MustCompile(`(?i)^(q[1-4]|[1-4]q|\d{4}\s*[-/ ]?\s*q[1-4]|q[1-4]\s*[-/ ]?\s*\d{4})$`)
	reYearMonth  = regexp.MustCompile(`^(\d{4})\s*[-/.]\s*(0?[1-9]|1[0-2])$`)
	reMonthYear  = regexp.MustCompile(`^(0?[1-9]|1[0-2])\s*[/.]\s*(\d{4})$`)
	reYearMMonth = regexp.MustCompile(`(?i)^(\d{4})\s*m\s*(0?[1-9]|1[0-2])$`)
	reYearGroup  = regexp.MustCompile(`\d{4}`)
)

// IsQuarter reports labels like Q1, 2023-Q1, Q4 2020.
func IsQuarter(s string) bool {
	return reQuarter.MatchString(strings.TrimSpace(s))
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseDateLoose tries the common ISO and European date layouts.
func ParseDateLoose(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var monthNames = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
	"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "jun": 6, "jul": 7, "aug": 8,
	"sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
	"januar": 1, "februar": 2, "märz": 3, "maerz": 3, "mai": 5, "juni": 6, "juli": 7,
	"oktober": 10, "dezember": 12, "jän": 1, "mär": 3, "okt": 10, "dez": 12,
}

// MonthNumber maps an English or German month name, full or abbreviated, to 1..12.
func MonthNumber(s string) (int, bool) {
	m, ok := monthNames[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))]
	return m, ok
}

// ParseMonth extracts a month from yyyy-mm, yyyy/mm, yyyyMmm, mm/yyyy, ISO
// dates, or a month name optionally followed or preceded by a year.
func ParseMonth(s string) (int, bool) {
	s = strings.TrimSpace(s)
	for _, re := range []*regexp.Regexp{reYearMonth, reYearMMonth} {
		if m := re.FindStringSubmatch(s); m != nil {
			n, _ := strconv.Atoi(m[2])
			return n, true
		}
	}
	if m := reMonthYear.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, true
	}
	if t, ok := ParseDateLoose(s); ok {
		return int(t.Month()), true
	}
	for _, f := range strings.Fields(s) {
		if n, ok := MonthNumber(f); ok {
			return n, true
		}
	}
	return 0, false
}

// FirstYear returns the first four digit group of s when it is a plausible year.
func FirstYear(s string) (int, bool) {
	g := reYearGroup.FindString(s)
	if g == "" {
		return 0, false
	}
	return ParseYear(g)
}

// IsTimeLabel reports whether a value reads as a period: year, quarter,
// year-month, date or month name.
func IsTimeLabel(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if IsYear(s) || IsQuarter(s) || reYearMonth.MatchString(s) || reYearMMonth.MatchString(s) || reMonthYear.MatchString(s) {
		return true
	}
	if _, ok := MonthNumber(s); ok {
		return true
	}
	_, ok := ParseDateLoose(s)
	return ok
}

// IsDateLike is IsTimeLabel without bare years; those are counted as numbers.
func IsDateLike(s string) bool {
	return !IsYear(s) && IsTimeLabel(s)
}
