package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the source type encoded in the first half of an ID.
type Kind string

const (
	KindAcademicEvent Kind = "academicEvent"
	KindDeadline      Kind = "deadline"
	KindTemp          Kind = "temp"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAcademicEvent, KindDeadline, KindTemp:
		return true
	}
	return false
}

// ID is the composite display identifier "<kind>:<backendId>".
type ID string

func NewID(kind Kind, backendID string) ID {
	return ID(string(kind) + ":" + backendID)
}

// Split returns the kind and backend id. ok is false when the value is not
// a well-formed composite id.
func (id ID) Split() (kind Kind, backendID string, ok bool) {
	k, raw, found := strings.Cut(string(id), ":")
	if !found || raw == "" || !Kind(k).Valid() {
		return "", "", false
	}
	return Kind(k), raw, true
}

func (id ID) Kind() Kind {
	k, _, _ := id.Split()
	return k
}

type Decoration string

const (
	DecorationNormal     Decoration = "normal"
	DecorationSubscribed Decoration = "subscribed"
)

// DisplayItem is one entry of the rendered calendar.
type DisplayItem struct {
	ID         ID         `json:"id"`
	Title      string     `json:"title"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	AllDay     bool       `json:"allDay"`
	Decoration Decoration `json:"decoration"`
	Kind       Kind       `json:"kind"`
	// BackendRef is empty only while Kind is KindTemp.
	BackendRef string `json:"backendRef,omitempty"`

	Subscription *Subscription `json:"subscription,omitempty"`
}

// BackendID is a backend identifier that may arrive as a JSON string or
// number. It is always compared in its string form.
type BackendID string

func (b *BackendID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BackendID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("backend id: %w", err)
	}
	*b = BackendID(n.String())
	return nil
}

func (b BackendID) String() string { return string(b) }

// EventRecord is an academic event as returned by /api/calendar/events.
type EventRecord struct {
	ID        BackendID `json:"_id"`
	Title     string    `json:"title"`
	StartDate string    `json:"startDate"`
	EndDate   string    `json:"endDate,omitempty"`
	Type      string    `json:"type,omitempty"`
}

// UnmarshalJSON accepts either "_id" or "id" as the identifier field.
func (e *EventRecord) UnmarshalJSON(data []byte) error {
	type plain EventRecord
	var aux struct {
		plain
		AltID BackendID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = EventRecord(aux.plain)
	if e.ID == "" {
		e.ID = aux.AltID
	}
	return nil
}

// DeadlineRecord is a pending assignment due date from
// /api/assignments/deadlines.
type DeadlineRecord struct {
	ID      BackendID `json:"_id"`
	Title   string    `json:"title"`
	DueDate string    `json:"dueDate"`
	Status  string    `json:"status,omitempty"`
}

func (d *DeadlineRecord) UnmarshalJSON(data []byte) error {
	type plain DeadlineRecord
	var aux struct {
		plain
		AltID  BackendID `json:"id"`
		DueAt  string    `json:"dueAt"`
		AltDue string    `json:"due"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = DeadlineRecord(aux.plain)
	if d.ID == "" {
		d.ID = aux.AltID
	}
	if d.DueDate == "" {
		d.DueDate = aux.DueAt
	}
	if d.DueDate == "" {
		d.DueDate = aux.AltDue
	}
	return nil
}

// EventInput is the body of POST /api/calendar/events.
type EventInput struct {
	Title     string `json:"title"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Type      string `json:"type"`
}

// EventPatch is the body of PATCH /api/calendar/events/{id}.
type EventPatch struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}
