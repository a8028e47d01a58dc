package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

const productID = "-//acadcal//academic calendar//EN"

// Export writes items as an iCalendar document. Each item becomes a VEVENT
// whose UID is the display id; subscribed events carry a display VALARM at
// their reminder lead time. Temp items are still pending and are left out.
func Export(w io.Writer, items []model.DisplayItem, name string, now time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	n := 0
	for _, it := range items {
		if it.Kind == model.KindTemp {
			continue
		}
		ev := cal.AddEvent(string(it.ID))
		ev.SetDtStampTime(now.UTC())
		ev.SetSummary(it.Title)
		ev.SetProperty(ical.ComponentPropertyCategories, string(it.Kind))

		if it.AllDay {
			ev.SetAllDayStartAt(it.Start)
			// DTEND is exclusive for date values.
			ev.SetAllDayEndAt(it.End.AddDate(0, 0, 1))
		} else {
			ev.SetStartAt(it.Start.UTC())
			ev.SetEndAt(it.End.UTC())
		}

		if it.Kind == model.KindAcademicEvent && it.Subscription != nil {
			alarm := ev.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(fmt.Sprintf("-PT%dM", it.Subscription.MinutesBefore))
			alarm.SetProperty(ical.ComponentPropertyDescription, it.Title)
		}
		n++
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("ics: write: %w", err)
	}
	appLog.Debug("ics export completed", "event_count", n)
	return nil
}
