package retrieve

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"knowgraph/internal/errs"
)

var (
	yearRe     = regexp.MustCompile(`^\d{4}$`)
	yearMonRe  = regexp.MustCompile(`^\d{4}-\d{2}$`)
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	relativeRe = regexp.MustCompile(`^(\d+)([dm])$`)
)

// ParseTimeArg parses a since/until token: `YYYY`, `YYYY-MM`,
// `YYYY-MM-DD`, `Nd` (N days back from now), `Nm` (N months back). Missing
// parts pad to the first instant of the year/month/day. All results are UTC.
func ParseTimeArg(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch {
	case yearRe.MatchString(s):
		y, _ := strconv.Atoi(s)
		t := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		return &t, nil
	case yearMonRe.MatchString(s):
		t, err := time.ParseInLocation("2006-01", s, time.UTC)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("bad time %q", s), err)
		}
		return &t, nil
	case dateRe.MatchString(s):
		t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("bad time %q", s), err)
		}
		return &t, nil
	}
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		var t time.Time
		if m[2] == "d" {
			t = now.UTC().AddDate(0, 0, -n)
		} else {
			t = now.UTC().AddDate(0, -n, 0)
		}
		return &t, nil
	}
	return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("unrecognized time %q (want YYYY, YYYY-MM, YYYY-MM-DD, Nd or Nm)", s), nil)
}

var (
	queryYearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	lastNRe     = regexp.MustCompile(`\blast\s+(\d+)\s+(day|week|month|year)s?\b`)
)

// inferRange extracts a temporal window from the query text itself: an
// explicit year mention, or a "last N days/weeks/months/years" phrase.
// Returns nil bounds when the query carries no temporal hint.
func inferRange(query string, now time.Time) (since, until *time.Time) {
	q := strings.ToLower(query)
	if m := lastNRe.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		var s time.Time
		switch m[2] {
		case "day":
			s = now.UTC().AddDate(0, 0, -n)
		case "week":
			s = now.UTC().AddDate(0, 0, -7*n)
		case "month":
			s = now.UTC().AddDate(0, -n, 0)
		case "year":
			s = now.UTC().AddDate(-n, 0, 0)
		}
		return &s, nil
	}
	years := queryYearRe.FindAllString(q, -1)
	if len(years) > 0 {
		first, _ := strconv.Atoi(years[0])
		last := first
		if len(years) > 1 {
			if y, err := strconv.Atoi(years[len(years)-1]); err == nil && y > last {
				last = y
			}
		}
		s := time.Date(first, 1, 1, 0, 0, 0, 0, time.UTC)
		u := time.Date(last+1, 1, 1, 0, 0, 0, 0, time.UTC)
		return &s, &u
	}
	return nil, nil
}
