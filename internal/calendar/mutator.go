package calendar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"acadcal/internal/grid"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

// DefaultMinutesBefore is the reminder lead time used when the caller gives
// none, or gives something that is not a positive integer.
const DefaultMinutesBefore = 30

var (
	ErrNotFound         = errors.New("calendar: item not found")
	ErrNotEditable      = errors.New("calendar: item is not an editable academic event")
	ErrNotSubscribable  = errors.New("calendar: only academic events can be subscribed")
	ErrInvalidRange     = errors.New("calendar: end is before start")
	ErrClosed           = errors.New("calendar: session closed")
	ErrNoSubscriptionID = errors.New("calendar: subscription has no backend id")
)

// Backend is the remote side of the calendar. *api.Client satisfies it.
type Backend interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]model.EventRecord, error)
	ListDeadlines(ctx context.Context, from, to time.Time) ([]model.DeadlineRecord, error)
	ListSubscriptions(ctx context.Context, from, to time.Time) ([]model.Subscription, error)

	CreateEvent(ctx context.Context, in model.EventInput) (model.EventRecord, error)
	UpdateEvent(ctx context.Context, id string, patch model.EventPatch) (model.EventRecord, error)
	DeleteEvent(ctx context.Context, id string) error

	CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// State is the lifecycle of one mutation.
type State int

const (
	StateIdle State = iota
	StatePending
	StateConfirmed
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type mutation struct {
	op    string
	id    model.ID
	state State
}

func (m *mutation) to(s State) {
	m.state = s
	appLog.Debug("mutation", "op", m.op, "id", m.id, "state", s)
}

// Draft is the user input for a new event.
type Draft struct {
	Title  string
	Start  time.Time
	End    time.Time
	AllDay bool
}

// Toggle is the user input for ToggleSubscription. MinutesBefore is the raw
// text the user typed; Channel may use any UI spelling.
type Toggle struct {
	MinutesBefore string
	Channel       string
	Off           bool
}

// Mutator applies user actions to the Store and the Backend. Geometry
// changes (create, move, resize) are applied locally first and rolled back
// on failure; removals and subscription changes are applied only after the
// backend confirms. Actions on the same id run one at a time.
type Mutator struct {
	backend        Backend
	store          *Store
	alerts         Alerter
	loc            *time.Location
	eventType      string
	defaultChannel model.Channel
	closed         *atomic.Bool
	locks          keyLock
	newTempID      func() string
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

func WithAlerter(a Alerter) MutatorOption {
	return func(m *Mutator) {
		if a != nil {
			m.alerts = a
		}
	}
}

func WithLocation(loc *time.Location) MutatorOption {
	return func(m *Mutator) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithEventType sets the "type" sent when creating events.
func WithEventType(t string) MutatorOption {
	return func(m *Mutator) {
		if t = strings.TrimSpace(t); t != "" {
			m.eventType = t
		}
	}
}

func WithDefaultChannel(ch model.Channel) MutatorOption {
	return func(m *Mutator) {
		if ch != "" {
			m.defaultChannel = model.NormalizeChannel(string(ch))
		}
	}
}

func withClosedFlag(f *atomic.Bool) MutatorOption {
	return func(m *Mutator) { m.closed = f }
}

func NewMutator(b Backend, st *Store, opts ...MutatorOption) *Mutator {
	m := &Mutator{
		backend:        b,
		store:          st,
		alerts:         nopAlerter{},
		loc:            time.Local,
		eventType:      "academic",
		defaultChannel: model.ChannelEmail,
		closed:         &atomic.Bool{},
		newTempID:      timeOrderedID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func timeOrderedID() string {
	if u, err := uuid.NewV7(); err == nil {
		return u.String()
	}
	return uuid.NewString()
}

func (m *Mutator) fail(msg string, err error, kv ...any) {
	appLog.Error(msg, err, kv...)
	m.alerts.Alert(msg, err)
}

// Create shows a temp item at once, then swaps it for the backend's
// canonical event, or removes it if the backend refuses.
func (m *Mutator) Create(ctx context.Context, d Draft) (model.DisplayItem, error) {
	if m.closed.Load() {
		return model.DisplayItem{}, ErrClosed
	}
	if d.End.IsZero() {
		d.End = d.Start
	}
	if d.Start.IsZero() {
		return model.DisplayItem{}, fmt.Errorf("calendar: create: start is required")
	}
	if d.End.Before(d.Start) {
		return model.DisplayItem{}, ErrInvalidRange
	}

	temp := model.DisplayItem{
		ID:         model.NewID(model.KindTemp, m.newTempID()),
		Title:      d.Title,
		Start:      d.Start,
		End:        d.End,
		AllDay:     d.AllDay,
		Decoration: model.DecorationNormal,
		Kind:       model.KindTemp,
	}
	mu := &mutation{op: "create", id: temp.ID}
	if err := m.store.Append(temp); err != nil {
		return model.DisplayItem{}, err
	}
	mu.to(StatePending)

	rec, err := m.backend.CreateEvent(ctx, model.EventInput{
		Title:     d.Title,
		StartDate: grid.FormatWire(d.Start, d.AllDay),
		EndDate:   grid.FormatWire(d.End, d.AllDay),
		Type:      m.eventType,
	})
	if m.closed.Load() {
		return model.DisplayItem{}, ErrClosed
	}
	if err != nil {
		m.store.Remove(temp.ID)
		mu.to(StateRolledBack)
		m.fail("Failed to create event", err, "title", d.Title)
		return model.DisplayItem{}, fmt.Errorf("calendar: create: %w", err)
	}

	confirmed, ok := EventItem(rec, nil, m.loc)
	if !ok {
		// The backend acknowledged with an id but unusable dates; keep what
		// the user drew under the real id.
		confirmed = temp
		confirmed.ID = model.NewID(model.KindAcademicEvent, rec.ID.String())
		confirmed.Kind = model.KindAcademicEvent
		confirmed.BackendRef = rec.ID.String()
		if rec.Title != "" {
			confirmed.Title = rec.Title
		}
	}
	m.store.Swap(temp.ID, confirmed)
	mu.to(StateConfirmed)
	appLog.Info("event created", "id", confirmed.ID)
	return confirmed, nil
}

// Move changes both bounds of an academic event.
func (m *Mutator) Move(ctx context.Context, id model.ID, start, end time.Time) error {
	return m.reshape(ctx, "move", id, func(it model.DisplayItem) (time.Time, time.Time, model.EventPatch) {
		if end.IsZero() {
			end = start
		}
		return start, end, model.EventPatch{
			StartDate: grid.FormatWire(start, it.AllDay),
			EndDate:   grid.FormatWire(end, it.AllDay),
		}
	})
}

// Resize changes only the end bound of an academic event.
func (m *Mutator) Resize(ctx context.Context, id model.ID, end time.Time) error {
	return m.reshape(ctx, "resize", id, func(it model.DisplayItem) (time.Time, time.Time, model.EventPatch) {
		return it.Start, end, model.EventPatch{EndDate: grid.FormatWire(end, it.AllDay)}
	})
}

type reshapeFunc func(model.DisplayItem) (start, end time.Time, patch model.EventPatch)

func (m *Mutator) reshape(ctx context.Context, op string, id model.ID, fn reshapeFunc) error {
	backendID, err := m.editable(id)
	if err != nil {
		return err
	}
	unlock, err := m.locks.lock(ctx, string(id))
	if err != nil {
		return err
	}
	defer unlock()

	before, ok := m.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	start, end, patch := fn(before)
	if start.IsZero() || end.Before(start) {
		return ErrInvalidRange
	}

	mu := &mutation{op: op, id: id}
	after := before
	after.Start, after.End = start, end
	m.store.Put(after)
	mu.to(StatePending)

	rec, err := m.backend.UpdateEvent(ctx, backendID, patch)
	if m.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		m.store.Put(before)
		mu.to(StateRolledBack)
		m.fail("Failed to update event", err, "op", op, "id", id)
		return fmt.Errorf("calendar: %s: %w", op, err)
	}

	if rec.ID.String() == backendID {
		if canon, ok := EventItem(rec, after.Subscription, m.loc); ok {
			m.store.Put(canon)
		}
	}
	mu.to(StateConfirmed)
	return nil
}

// Remove deletes an academic event once the backend confirms. The caller
// is responsible for asking the user first.
func (m *Mutator) Remove(ctx context.Context, id model.ID) error {
	backendID, err := m.editable(id)
	if err != nil {
		return err
	}
	unlock, err := m.locks.lock(ctx, string(id))
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := m.store.Get(id); !ok {
		return ErrNotFound
	}

	mu := &mutation{op: "remove", id: id}
	mu.to(StatePending)
	err = m.backend.DeleteEvent(ctx, backendID)
	if m.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		mu.to(StateRolledBack)
		m.fail("Failed to delete event", err, "id", id)
		return fmt.Errorf("calendar: remove: %w", err)
	}

	m.store.Remove(id)
	m.store.SetSubscription(backendID, nil)
	mu.to(StateConfirmed)
	appLog.Info("event deleted", "id", id)
	return nil
}

// ToggleItem is ToggleSubscription addressed by display id.
func (m *Mutator) ToggleItem(ctx context.Context, id model.ID, t Toggle) (*model.Subscription, error) {
	kind, backendID, ok := id.Split()
	if !ok {
		return nil, ErrNotFound
	}
	if kind != model.KindAcademicEvent {
		return nil, ErrNotSubscribable
	}
	return m.ToggleSubscription(ctx, backendID, t)
}

// ToggleSubscription creates, updates or deletes the reminder for an
// academic event depending on the index and t. The index and decoration
// change only after the backend confirms. It returns the subscription now in
// effect, or nil when there is none.
func (m *Mutator) ToggleSubscription(ctx context.Context, eventID string, t Toggle) (*model.Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, ErrNotFound
	}
	id := model.NewID(model.KindAcademicEvent, eventID)
	unlock, err := m.locks.lock(ctx, string(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, subscribed := m.store.Subscription(eventID)
	switch {
	case !subscribed && t.Off:
		return nil, nil
	case !subscribed:
		return m.subscribe(ctx, eventID, t)
	case existing.ID == "":
		// An empty id would address the collection, not this reminder.
		m.fail("Failed to change notification", ErrNoSubscriptionID, "event_id", eventID)
		return nil, ErrNoSubscriptionID
	case t.Off:
		return nil, m.unsubscribe(ctx, eventID, existing)
	default:
		return m.updateSubscription(ctx, eventID, existing, t)
	}
}

func (m *Mutator) subscribe(ctx context.Context, eventID string, t Toggle) (*model.Subscription, error) {
	ch := m.defaultChannel
	if strings.TrimSpace(t.Channel) != "" {
		ch = model.NormalizeChannel(t.Channel)
	}
	in := model.SubscriptionInput{
		EventID:       eventID,
		MinutesBefore: CoerceMinutes(t.MinutesBefore, DefaultMinutesBefore),
		Channel:       ch,
	}
	created, err := m.backend.CreateSubscription(ctx, in)
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err != nil {
		m.fail("Failed to enable notification", err, "event_id", eventID)
		return nil, fmt.Errorf("calendar: subscribe: %w", err)
	}
	if created.EventID == "" {
		created.EventID = model.BackendID(eventID)
	}
	if created.MinutesBefore <= 0 {
		created.MinutesBefore = in.MinutesBefore
	}
	created.Channel = model.NormalizeChannel(string(created.Channel))

	m.store.SetSubscription(eventID, &created)
	appLog.Info("notification enabled", "event_id", eventID, "minutes_before", created.MinutesBefore, "channel", created.Channel)
	return &created, nil
}

func (m *Mutator) unsubscribe(ctx context.Context, eventID string, existing model.Subscription) error {
	err := m.backend.DeleteSubscription(ctx, existing.ID.String())
	if m.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		m.fail("Failed to disable notification", err, "event_id", eventID)
		return fmt.Errorf("calendar: unsubscribe: %w", err)
	}
	m.store.SetSubscription(eventID, nil)
	appLog.Info("notification disabled", "event_id", eventID)
	return nil
}

func (m *Mutator) updateSubscription(ctx context.Context, eventID string, existing model.Subscription, t Toggle) (*model.Subscription, error) {
	minutes := CoerceMinutes(t.MinutesBefore, existing.MinutesBefore)
	patch := model.SubscriptionPatch{MinutesBefore: &minutes}
	if strings.TrimSpace(t.Channel) != "" {
		ch := model.NormalizeChannel(t.Channel)
		patch.Channel = &ch
	}

	updated, err := m.backend.UpdateSubscription(ctx, existing.ID.String(), patch)
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err != nil {
		m.fail("Failed to update notification", err, "event_id", eventID)
		return nil, fmt.Errorf("calendar: update subscription: %w", err)
	}

	// Fill whatever the backend left out from what we asked for.
	if updated.ID == "" {
		updated.ID = existing.ID
	}
	if updated.EventID == "" {
		updated.EventID = model.BackendID(eventID)
	}
	if updated.MinutesBefore <= 0 {
		updated.MinutesBefore = minutes
	}
	if updated.Channel == "" {
		updated.Channel = existing.Channel
		if patch.Channel != nil {
			updated.Channel = *patch.Channel
		}
	}
	updated.Channel = model.NormalizeChannel(string(updated.Channel))

	m.store.SetSubscription(eventID, &updated)
	appLog.Info("notification updated", "event_id", eventID, "minutes_before", updated.MinutesBefore, "channel", updated.Channel)
	return &updated, nil
}

// editable checks, without touching the network, that id names an academic
// event and returns its backend id.
func (m *Mutator) editable(id model.ID) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	kind, backendID, ok := id.Split()
	if !ok {
		return "", ErrNotFound
	}
	if kind != model.KindAcademicEvent {
		return "", ErrNotEditable
	}
	return backendID, nil
}

// CoerceMinutes parses raw as a positive whole number of minutes. Blank,
// non-numeric and non-positive input yields fallback, and a non-positive
// fallback yields DefaultMinutesBefore.
func CoerceMinutes(raw string, fallback int) int {
	if fallback <= 0 {
		fallback = DefaultMinutesBefore
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
