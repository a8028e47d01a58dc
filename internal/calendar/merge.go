package calendar

import (
	"time"

	"acadcal/internal/grid"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

// DueMarker prefixes deadline titles.
const DueMarker = "Due: "

// SubscriptionIndex maps a backend event id (string form) to its
// subscription. Presence of a key is what "subscribed" means.
type SubscriptionIndex map[string]model.Subscription

// BuildIndex keys subscriptions by event id. Entries without an event id
// are dropped; a later duplicate replaces an earlier one.
func BuildIndex(subs []model.Subscription) SubscriptionIndex {
	idx := make(SubscriptionIndex, len(subs))
	for _, s := range subs {
		key := s.EventID.String()
		if key == "" {
			continue
		}
		s.Channel = model.NormalizeChannel(string(s.Channel))
		idx[key] = s
	}
	return idx
}

// Clone returns an independent copy.
func (idx SubscriptionIndex) Clone() SubscriptionIndex {
	out := make(SubscriptionIndex, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

// Merger turns fetched records into display items. Bare dates are placed at
// midnight in Location.
type Merger struct {
	Location *time.Location
}

// Merge is Merger{Location: time.Local}.Merge.
func Merge(events []model.EventRecord, subs []model.Subscription, deadlines []model.DeadlineRecord) []model.DisplayItem {
	return Merger{}.Merge(events, subs, deadlines)
}

// Merge produces academic events (decorated from subs) followed by
// deadlines, each group in input order. Inputs are never modified; nil
// inputs are empty. Records that cannot be placed on the calendar are
// skipped, as are repeated ids.
func (m Merger) Merge(events []model.EventRecord, subs []model.Subscription, deadlines []model.DeadlineRecord) []model.DisplayItem {
	return m.MergeIndexed(events, BuildIndex(subs), deadlines)
}

// MergeIndexed is Merge with a prebuilt index.
func (m Merger) MergeIndexed(events []model.EventRecord, idx SubscriptionIndex, deadlines []model.DeadlineRecord) []model.DisplayItem {
	out := make([]model.DisplayItem, 0, len(events)+len(deadlines))
	seen := make(map[model.ID]struct{}, cap(out))

	add := func(it model.DisplayItem) {
		if _, dup := seen[it.ID]; dup {
			appLog.Debug("merge: duplicate id skipped", "id", it.ID)
			return
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}

	for _, rec := range events {
		var sub *model.Subscription
		if s, ok := idx[rec.ID.String()]; ok {
			sub = &s
		}
		it, ok := EventItem(rec, sub, m.loc())
		if !ok {
			appLog.Debug("merge: event skipped", "id", rec.ID, "start", rec.StartDate)
			continue
		}
		add(it)
	}
	for _, rec := range deadlines {
		it, ok := DeadlineItem(rec, m.loc())
		if !ok {
			appLog.Debug("merge: deadline skipped", "id", rec.ID, "due", rec.DueDate)
			continue
		}
		add(it)
	}
	return out
}

func (m Merger) loc() *time.Location {
	if m.Location == nil {
		return time.Local
	}
	return m.Location
}

// EventItem maps one academic event. ok is false when the record has no id
// or no parseable start. A missing or unparseable end falls back to start.
func EventItem(rec model.EventRecord, sub *model.Subscription, loc *time.Location) (model.DisplayItem, bool) {
	if rec.ID == "" {
		return model.DisplayItem{}, false
	}
	start, dateOnly, err := eventDate(rec.StartDate, loc)
	if err != nil {
		return model.DisplayItem{}, false
	}
	end := start
	if rec.EndDate != "" {
		if e, _, err := eventDate(rec.EndDate, loc); err == nil && !e.Before(start) {
			end = e
		}
	}

	it := model.DisplayItem{
		ID:         model.NewID(model.KindAcademicEvent, rec.ID.String()),
		Title:      rec.Title,
		Start:      start,
		End:        end,
		AllDay:     dateOnly,
		Decoration: model.DecorationNormal,
		Kind:       model.KindAcademicEvent,
		BackendRef: rec.ID.String(),
	}
	if sub != nil {
		s := *sub
		it.Subscription = &s
		it.Decoration = model.DecorationSubscribed
	}
	return it, true
}

// eventDate parses an academic event date. Backends that store dates as
// timestamps send them at UTC midnight; those are calendar days, so they are
// re-anchored to midnight in loc on the same date.
func eventDate(s string, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.Local
	}
	t, dateOnly, err := grid.ParseDate(s, loc)
	if err != nil || dateOnly {
		return t, dateOnly, err
	}
	u := t.UTC()
	if u.Hour() != 0 || u.Minute() != 0 || u.Second() != 0 || u.Nanosecond() != 0 {
		return t, false, nil
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, loc), true, nil
}

// DeadlineItem maps one deadline to a single-instant item that is never
// decorated.
func DeadlineItem(rec model.DeadlineRecord, loc *time.Location) (model.DisplayItem, bool) {
	if rec.ID == "" {
		return model.DisplayItem{}, false
	}
	due, dateOnly, err := grid.ParseDate(rec.DueDate, loc)
	if err != nil {
		return model.DisplayItem{}, false
	}
	return model.DisplayItem{
		ID:         model.NewID(model.KindDeadline, rec.ID.String()),
		Title:      DueMarker + rec.Title,
		Start:      due,
		End:        due,
		AllDay:     dateOnly,
		Decoration: model.DecorationNormal,
		Kind:       model.KindDeadline,
		BackendRef: rec.ID.String(),
	}, true
}
