package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"acadcal/internal/calendar"
	"acadcal/internal/grid"
	"acadcal/internal/ics"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

const maxBodyBytes = 1 << 20

type cellDTO struct {
	Date    string `json:"date"`
	Day     int    `json:"day"`
	InMonth bool   `json:"inMonth"`
}

type viewResponse struct {
	Month     string              `json:"month"`
	Title     string              `json:"title"`
	WeekStart string              `json:"weekStart"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Cells     []cellDTO           `json:"cells"`
	Items     []model.DisplayItem `json:"items"`
}

// resolveMonth reads ?month=YYYY-MM, defaulting to the month on screen.
func (s *Server) resolveMonth(r *http.Request) (int, time.Month, error) {
	if raw := r.URL.Query().Get("month"); raw != "" {
		return grid.ParseMonth(raw)
	}
	y, m := s.CurrentMonth()
	return y, m, nil
}

// handleView returns the month grid and the display list for it.
//
// GET /api/view?month=2025-03
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	year, month, err := s.resolveMonth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, items, err := s.ShowMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	from, to := g.Range()
	resp := viewResponse{
		Month:     grid.FormatMonth(g.Year, g.Month),
		Title:     g.Title,
		WeekStart: string(s.ws),
		From:      grid.FormatDate(from),
		To:        grid.FormatDate(to),
		Cells:     make([]cellDTO, 0, len(g.Cells)),
		Items:     items,
	}
	for _, c := range g.Cells {
		resp.Cells = append(resp.Cells, cellDTO{Date: grid.FormatDate(c.Date), Day: c.Day, InMonth: c.InMonth})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRequest struct {
	Title  string `json:"title"`
	Start  string `json:"start"`
	End    string `json:"end"`
	AllDay *bool  `json:"allDay"`
}

// handleCreate adds an academic event. The temp item is visible to
// concurrent readers while the backend call is in flight.
//
// POST /api/items {"title":"Midterm","start":"2025-03-10"}
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	start, dateOnly, err := grid.ParseDate(req.Start, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	var end time.Time
	if req.End != "" {
		if end, _, err = grid.ParseDate(req.End, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
	}
	allDay := dateOnly
	if req.AllDay != nil {
		allDay = *req.AllDay
	}

	it, err := s.session.Mutator().Create(r.Context(), calendar.Draft{Title: req.Title, Start: start, End: end, AllDay: allDay})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

type patchRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// handlePatch moves an event when start is given and resizes it when only
// end is.
//
// PATCH /api/items/academicEvent:42 {"start":"2025-03-11","end":"2025-03-12"}
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "id"))
	var req patchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var end time.Time
	if req.End != "" {
		var err error
		if end, _, err = grid.ParseDate(req.End, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
	}

	var err error
	switch {
	case req.Start != "":
		start, _, perr := grid.ParseDate(req.Start, s.loc)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		err = s.session.Mutator().Move(r.Context(), id, start, end)
	case req.End != "":
		err = s.session.Mutator().Resize(r.Context(), id, end)
	default:
		writeError(w, http.StatusBadRequest, "start or end is required")
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	it, ok := s.session.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleDelete removes an event. The client must confirm explicitly; an
// unconfirmed request never reaches the backend.
//
// DELETE /api/items/academicEvent:42?confirm=true
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "id"))
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); !ok {
		writeError(w, http.StatusPreconditionRequired, "confirm=true is required to delete")
		return
	}
	if err := s.session.Mutator().Remove(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subscriptionRequest carries minutesBefore as typed by the user; it may be
// a JSON number or any string.
type subscriptionRequest struct {
	MinutesBefore json.RawMessage `json:"minutesBefore"`
	Channel       string          `json:"channel"`
	Off           bool            `json:"off"`
}

func (req subscriptionRequest) rawMinutes() string {
	raw := strings.TrimSpace(string(req.MinutesBefore))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(req.MinutesBefore, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(req.MinutesBefore, &n); err != nil {
		return raw
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	// 45.0 and 4.5e1 are whole minutes too.
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) <= math.MaxInt32 {
		return strconv.Itoa(int(f))
	}
	return n.String()
}

type subscriptionResponse struct {
	Subscription *model.Subscription `json:"subscription"`
}

// handleSubscription creates, updates or removes the reminder of an
// academic event.
//
// POST /api/items/academicEvent:42/subscription {"minutesBefore":"45","channel":"in-app"}
func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "id"))
	// An empty body subscribes with the defaults.
	var req subscriptionRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.session.Mutator().ToggleItem(r.Context(), id, calendar.Toggle{
		MinutesBefore: req.rawMinutes(),
		Channel:       req.Channel,
		Off:           req.Off,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.Recent()})
}

// handleICS downloads the current display list.
func (s *Server) handleICS(w http.ResponseWriter, _ *http.Request) {
	y, m := s.CurrentMonth()
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="acadcal-%s.ics"`, grid.FormatMonth(y, m)))
	if err := ics.Export(w, s.session.Items(), "Academic calendar", s.now()); err != nil {
		appLog.Error("ics export failed", err)
	}
}

var errEmptyBody = errors.New("request body is required")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errors.New("bad json")
	}
	return nil
}
