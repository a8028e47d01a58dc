package grid

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"acadcal/internal/model"
)

// WeekStart controls which weekday occupies the first grid column.
type WeekStart string

const (
	WeekStartMonday WeekStart = "monday"
	WeekStartSunday WeekStart = "sunday"
)

const dateLayout = "2006-01-02"

// Cell is one square of the month board. Filler cells belong to the
// previous or next month and carry InMonth=false.
type Cell struct {
	Date    time.Time
	Day     int
	InMonth bool
}

// Grid is a month laid out in whole weeks.
type Grid struct {
	Year  int
	Month time.Month
	Title string
	Cells []Cell
}

// Month lays out the given month starting each row on weekStart. Leading
// cells fill up to the weekday of the 1st and trailing cells complete the
// last week.
func Month(year int, month time.Month, ws WeekStart, loc *time.Location) Grid {
	if loc == nil {
		loc = time.Local
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	daysInMonth := first.AddDate(0, 1, -1).Day()

	lead := int(first.Weekday())
	if ws != WeekStartSunday {
		lead = (lead + 6) % 7
	}
	total := lead + daysInMonth
	if rem := total % 7; rem != 0 {
		total += 7 - rem
	}

	g := Grid{
		Year:  year,
		Month: month,
		Title: fmt.Sprintf("%d %d", year, int(month)),
		Cells: make([]Cell, 0, total),
	}
	start := first.AddDate(0, 0, -lead)
	for i := 0; i < total; i++ {
		d := start.AddDate(0, 0, i)
		c := Cell{Date: d, InMonth: d.Month() == month}
		if c.InMonth {
			c.Day = d.Day()
		}
		g.Cells = append(g.Cells, c)
	}
	return g
}

// Range returns the visible range [first cell, last cell + 1 day).
func (g Grid) Range() (time.Time, time.Time) {
	if len(g.Cells) == 0 {
		return time.Time{}, time.Time{}
	}
	return g.Cells[0].Date, g.Cells[len(g.Cells)-1].Date.AddDate(0, 0, 1)
}

// Weeks splits the cells into rows of seven.
func (g Grid) Weeks() [][]Cell {
	out := make([][]Cell, 0, len(g.Cells)/7)
	for i := 0; i+7 <= len(g.Cells); i += 7 {
		out = append(out, g.Cells[i:i+7])
	}
	return out
}

// Next and Prev return the adjacent month grids with the same week start.
func (g Grid) Next(ws WeekStart) Grid {
	t := time.Date(g.Year, g.Month+1, 1, 0, 0, 0, 0, g.location())
	return Month(t.Year(), t.Month(), ws, t.Location())
}

func (g Grid) Prev(ws WeekStart) Grid {
	t := time.Date(g.Year, g.Month-1, 1, 0, 0, 0, 0, g.location())
	return Month(t.Year(), t.Month(), ws, t.Location())
}

func (g Grid) location() *time.Location {
	if len(g.Cells) == 0 {
		return time.Local
	}
	return g.Cells[0].Date.Location()
}

// FormatDate renders the zero-padded YYYY-MM-DD key of t in its own zone.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FormatMonth renders YYYY-MM.
func FormatMonth(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// ParseMonth parses YYYY-MM.
func ParseMonth(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("grid: invalid month %q: %w", s, err)
	}
	return t.Year(), t.Month(), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseDate accepts a bare date, an RFC 3339 timestamp or a zone-less local
// timestamp. dateOnly reports the bare-date form, which is placed at
// midnight in loc.
func ParseDate(s string, loc *time.Location) (t time.Time, dateOnly bool, err error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, errors.New("grid: empty date")
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return t, true, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("grid: unrecognised date %q", s)
}

// FormatWire renders t for the backend: a bare date for all-day values,
// RFC 3339 otherwise.
func FormatWire(t time.Time, allDay bool) string {
	if allDay {
		return FormatDate(t)
	}
	return t.Format(time.RFC3339)
}

const maxBucketDays = 62

// BucketByDay groups items under every date key they cover, from the start
// day through the end day inclusive. Order within a day follows items.
func BucketByDay(items []model.DisplayItem) map[string][]model.DisplayItem {
	out := make(map[string][]model.DisplayItem)
	for _, it := range items {
		day := time.Date(it.Start.Year(), it.Start.Month(), it.Start.Day(), 0, 0, 0, 0, it.Start.Location())
		end := it.End
		if end.Before(it.Start) {
			end = it.Start
		}
		for i := 0; i < maxBucketDays && !day.After(end); i++ {
			key := FormatDate(day)
			out[key] = append(out[key], it)
			day = day.AddDate(0, 0, 1)
		}
	}
	return out
}
