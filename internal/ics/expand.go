package ics

import (
	"errors"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "acadcal/internal/log"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone occurrences are converted to. If nil, time.Local
	// is used.
	Location *time.Location

	// From and To bound the window [From, To) an occurrence must start or
	// overlap in.
	From time.Time
	To   time.Time

	// MaxOccurrencesPerEvent caps one RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of an Event. End is inclusive, as in
// Event.
type Occurrence struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
	AllDay  bool
}

// ExpandResult wraps the expanded occurrences and the UIDs whose expansion
// hit the cap.
type ExpandResult struct {
	Occurrences     []Occurrence
	TruncatedEvents []string
}

// Expand turns parsed events into the concrete occurrences inside the
// window. It handles single events, RRULE recurrence with EXDATE removal,
// and RECURRENCE-ID overrides. Occurrences are sorted by start.
func Expand(events []Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.To.Before(cfg.From) {
		return result, errors.New("expand: To is before From")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	var uids []string
	baseByUID := make(map[string][]Event)
	overridesByUID := make(map[string][]Event)
	for _, ev := range events {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]Occurrence, 0)
	for _, uid := range uids {
		ov := overridesByUID[uid]
		truncated := false
		for _, ev := range baseByUID[uid] {
			occ, hitCap := expandEvent(ev, ov, cfg)
			truncated = truncated || hitCap
			out = append(out, occ...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: occurrences truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	slices.SortStableFunc(out, func(a, b Occurrence) int { return a.Start.Compare(b.Start) })
	result.Occurrences = out
	return result, nil
}

func expandEvent(ev Event, overrides []Event, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		if !inWindow(ev.Start, ev.End, cfg) {
			return nil, false
		}
		return []Occurrence{makeOccurrence(ev, ev.Start, ev.End, cfg.Location)}, false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandRecurringEvent(ev Event, overrides []Event, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event length so an instance that started
	// before From but is still running is kept.
	span := ev.End.Sub(ev.Start)
	starts := set.Between(cfg.From.Add(-span).In(ev.Start.Location()), cfg.To.In(ev.Start.Location()), true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, start := range starts {
		var end time.Time
		if ev.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			end = start.AddDate(0, 0, wholeDays(ev.Start, ev.End))
		} else {
			end = start.Add(span)
		}

		base := ev
		if o, ok := findOverrideForStart(overrides, start); ok {
			base, start, end = o, o.Start, o.End
		}
		if !inWindow(start, end, cfg) {
			continue
		}
		out = append(out, makeOccurrence(base, start, end, cfg.Location))
	}
	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID is the same
// instant as start.
func findOverrideForStart(overrides []Event, start time.Time) (Event, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return Event{}, false
}

func makeOccurrence(ev Event, start, end time.Time, loc *time.Location) Occurrence {
	if ev.AllDay {
		// Keep the calendar date rather than shifting midnight across zones.
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	} else {
		start, end = start.In(loc), end.In(loc)
	}
	return Occurrence{
		UID:     ev.UID,
		Summary: ev.Summary,
		Start:   start,
		End:     end,
		AllDay:  ev.AllDay,
	}
}

func inWindow(start, end time.Time, cfg ExpandConfig) bool {
	return start.Before(cfg.To) && !end.Before(cfg.From)
}

func wholeDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
