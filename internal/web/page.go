package web

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"acadcal/internal/grid"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

//go:embed templates/month.html
var templateFS embed.FS

var monthTemplate = template.Must(template.ParseFS(templateFS, "templates/month.html"))

const pageAlerts = 3

type itemView struct {
	ID         string
	Title      string
	Kind       string
	Decoration string
	Time       string
	Minutes    int
}

type dayView struct {
	Date    string
	Day     int
	InMonth bool
	Today   bool
	Items   []itemView
}

type pageData struct {
	Title    string
	Month    string
	Prev     string
	Next     string
	Weekdays []string
	Weeks    [][]dayView
	Error    string
	Alerts   []Alert
}

// handleCalendarPage renders the month board. A failed fetch still renders
// the previous items together with the failure.
//
// GET /calendar?month=2025-03
func (s *Server) handleCalendarPage(w http.ResponseWriter, r *http.Request) {
	year, month, err := s.resolveMonth(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g, items, err := s.ShowMonth(r.Context(), year, month)
	if err != nil {
		appLog.Warn("calendar page rendered with previous items", "err", err)
		items = s.session.Items()
	}
	data := s.buildPage(g, items)
	if err != nil {
		data.Error = "Failed to load calendar: " + err.Error()
	}

	var buf bytes.Buffer
	if err := monthTemplate.Execute(&buf, data); err != nil {
		appLog.Error("render calendar page failed", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) buildPage(g grid.Grid, items []model.DisplayItem) pageData {
	byDay := grid.BucketByDay(items)
	today := grid.FormatDate(s.now().In(s.loc))

	data := pageData{
		Title:    g.Title,
		Month:    grid.FormatMonth(g.Year, g.Month),
		Weekdays: weekdayNames(s.ws),
	}
	prev, next := g.Prev(s.ws), g.Next(s.ws)
	data.Prev = grid.FormatMonth(prev.Year, prev.Month)
	data.Next = grid.FormatMonth(next.Year, next.Month)

	for _, week := range g.Weeks() {
		row := make([]dayView, 0, len(week))
		for _, c := range week {
			key := grid.FormatDate(c.Date)
			dv := dayView{Date: key, Day: c.Day, InMonth: c.InMonth, Today: key == today}
			for _, it := range byDay[key] {
				dv.Items = append(dv.Items, s.itemView(it))
			}
			row = append(row, dv)
		}
		data.Weeks = append(data.Weeks, row)
	}

	recent := s.alerts.Recent()
	if len(recent) > pageAlerts {
		recent = recent[:pageAlerts]
	}
	data.Alerts = recent
	return data
}

func (s *Server) itemView(it model.DisplayItem) itemView {
	v := itemView{
		ID:         string(it.ID),
		Title:      it.Title,
		Kind:       string(it.Kind),
		Decoration: string(it.Decoration),
	}
	if !it.AllDay {
		v.Time = it.Start.In(s.loc).Format("15:04")
	}
	if it.Subscription != nil {
		v.Minutes = it.Subscription.MinutesBefore
	}
	return v
}

func weekdayNames(ws grid.WeekStart) []string {
	names := make([]string, 0, 7)
	first := time.Monday
	if ws == grid.WeekStartSunday {
		first = time.Sunday
	}
	for i := 0; i < 7; i++ {
		names = append(names, ((first + time.Weekday(i)) % 7).String()[:3])
	}
	return names
}
