package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The year field is bounded so an impossible match terminates. 1970 floors
// legacy imports; 2099 is the classic cron ceiling.
const (
	yearMin = 1970
	yearMax = 2099
)

// How far past "now" the search will look when no year is specified.
const searchYears = 5

// fieldSet is a bit set over a unit's valid values (all our units except
// year fit in 64 bits).
type fieldSet struct {
	bits uint64
	any  bool
}

func (f fieldSet) has(v int) bool {
	return f.any || f.bits&(1<<uint(v)) != 0
}

type yearSet struct {
	any bool
	set [yearMax - yearMin + 1]bool
	max int
}

func (y *yearSet) has(v int) bool {
	if y.any {
		return true
	}
	if v < yearMin || v > yearMax {
		return false
	}
	return y.set[v-yearMin]
}

type fieldBounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	secondBounds = fieldBounds{name: "second", min: 0, max: 59}
	minuteBounds = fieldBounds{name: "minute", min: 0, max: 59}
	hourBounds   = fieldBounds{name: "hour", min: 0, max: 23}
	dayBounds    = fieldBounds{name: "day", min: 1, max: 31}
	monthBounds  = fieldBounds{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 7 is accepted for Sunday and folded onto 0.
	dowBounds = fieldBounds{name: "day_of_week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
	yearBounds = fieldBounds{name: "year", min: yearMin, max: yearMax}
)

type cronProgram struct {
	second, minute, hour, day, month, dow fieldSet
	years                                 yearSet
	loc                                   *time.Location
}

func compileCron(f CronFields, loc *time.Location) (*cronProgram, error) {
	p := &cronProgram{loc: loc}
	var err error
	if p.second, err = parseField(f.Second, secondBounds); err != nil {
		return nil, err
	}
	if p.minute, err = parseField(f.Minute, minuteBounds); err != nil {
		return nil, err
	}
	if p.hour, err = parseField(f.Hour, hourBounds); err != nil {
		return nil, err
	}
	if p.day, err = parseField(f.Day, dayBounds); err != nil {
		return nil, err
	}
	if p.month, err = parseField(f.Month, monthBounds); err != nil {
		return nil, err
	}
	if p.dow, err = parseField(f.DayOfWeek, dowBounds); err != nil {
		return nil, err
	}
	// Fold Sunday-as-7 onto 0.
	if p.dow.bits&(1<<7) != 0 {
		p.dow.bits = (p.dow.bits | 1) &^ (1 << 7)
	}
	if err = parseYears(f.Year, &p.years); err != nil {
		return nil, err
	}
	return p, nil
}

// parseField compiles one expression into a bit set.
func parseField(expr string, b fieldBounds) (fieldSet, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return fieldSet{any: true}, nil
	}
	var out fieldSet
	for _, term := range strings.Split(expr, ",") {
		lo, hi, step, star, err := parseTerm(term, b)
		if err != nil {
			return fieldSet{}, err
		}
		if star && step <= 1 {
			return fieldSet{any: true}, nil
		}
		for v := lo; v <= hi; v += step {
			out.bits |= 1 << uint(v)
		}
	}
	return out, nil
}

func parseYears(expr string, out *yearSet) error {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		out.any = true
		return nil
	}
	for _, term := range strings.Split(expr, ",") {
		lo, hi, step, star, err := parseTerm(term, yearBounds)
		if err != nil {
			return err
		}
		if star && step <= 1 {
			out.any = true
			return nil
		}
		for v := lo; v <= hi; v += step {
			out.set[v-yearMin] = true
			if v > out.max {
				out.max = v
			}
		}
	}
	return nil
}

// parseTerm handles one comma-separated term: "*", "*/n", "a", "a-b",
// "a-b/n" or "a/n" (a through max, step n).
func parseTerm(term string, b fieldBounds) (lo, hi, step int, star bool, err error) {
	term = strings.TrimSpace(term)
	rangePart := term
	step = 1

	if i := strings.IndexByte(term, '/'); i >= 0 {
		rangePart = term[:i]
		step, err = strconv.Atoi(term[i+1:])
		if err != nil || step <= 0 {
			return 0, 0, 0, false, fmt.Errorf("%w: %s field %q: bad step", ErrInvalidCronExpr, b.name, term)
		}
	}

	switch {
	case rangePart == "*":
		lo, hi, star = b.min, b.max, true
	case strings.Contains(rangePart, "-"):
		parts := strings.SplitN(rangePart, "-", 2)
		if lo, err = parseValue(parts[0], b); err != nil {
			return 0, 0, 0, false, err
		}
		if hi, err = parseValue(parts[1], b); err != nil {
			return 0, 0, 0, false, err
		}
		if hi < lo {
			return 0, 0, 0, false, fmt.Errorf("%w: %s field %q: range end before start", ErrInvalidCronExpr, b.name, term)
		}
	default:
		if lo, err = parseValue(rangePart, b); err != nil {
			return 0, 0, 0, false, err
		}
		hi = lo
		// "a/n" means a through max.
		if strings.IndexByte(term, '/') >= 0 {
			hi = b.max
		}
	}
	return lo, hi, step, star, nil
}

func parseValue(s string, b fieldBounds) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if b.names != nil {
		if v, ok := b.names[s]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s field: cannot parse %q", ErrInvalidCronExpr, b.name, s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %s field: %d out of range %d-%d", ErrInvalidCronExpr, b.name, v, b.min, b.max)
	}
	return v, nil
}

// next walks field by field from the coarsest unit down, resetting the finer
// units on every carry, the way cron implementations usually do. Candidates
// are whole seconds strictly after "after".
func (p *cronProgram) next(after time.Time) *time.Time {
	t := after.In(p.loc).Truncate(time.Second).Add(time.Second)

	var limit time.Time
	if p.years.any {
		limit = after.AddDate(searchYears, 0, 0)
	} else {
		limit = time.Date(p.years.max+1, time.January, 1, 0, 0, 0, 0, p.loc)
	}

	for t.Before(limit) {
		if t.Year() > yearMax {
			return nil
		}
		if !p.years.has(t.Year()) {
			t = time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, p.loc)
			continue
		}
		if !p.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, p.loc).AddDate(0, 1, 0)
			continue
		}
		if !p.day.has(t.Day()) || !p.dow.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc).AddDate(0, 0, 1)
			continue
		}
		if !p.hour.has(t.Hour()) {
			// Rebuild via Date so odd UTC offsets keep wall-clock hours.
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, p.loc).Add(time.Hour)
			continue
		}
		if !p.minute.has(t.Minute()) {
			t = t.Truncate(time.Minute).Add(time.Minute)
			continue
		}
		if !p.second.has(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return &t
	}
	return nil
}
