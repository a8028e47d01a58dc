package calendar

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"acadcal/internal/model"
)

var errBackend = errors.New("backend down")

// fakeBackend records every call. Fields ending in Err make the matching
// call fail; the hooks run before a call returns.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	events    []model.EventRecord
	subs      []model.Subscription
	deadlines []model.DeadlineRecord

	listErr   error
	createErr error
	updateErr error
	deleteErr error
	subErr    error

	nextEventID int
	nextSubID   int

	onList    func(ctx context.Context, from time.Time) error
	eventsFor func(from time.Time) []model.EventRecord
	onUpdate  func(id string)
	created   []model.EventInput
	patches   []model.EventPatch
	subIns    []model.SubscriptionInput
	subPatch  []model.SubscriptionPatch
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeBackend) ListEvents(ctx context.Context, from, to time.Time) ([]model.EventRecord, error) {
	f.record("ListEvents")
	if f.onList != nil {
		if err := f.onList(ctx, from); err != nil {
			return nil, err
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.eventsFor != nil {
		return f.eventsFor(from), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EventRecord(nil), f.events...), nil
}

func (f *fakeBackend) ListDeadlines(ctx context.Context, from, to time.Time) ([]model.DeadlineRecord, error) {
	f.record("ListDeadlines")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DeadlineRecord(nil), f.deadlines...), nil
}

func (f *fakeBackend) ListSubscriptions(ctx context.Context, from, to time.Time) ([]model.Subscription, error) {
	f.record("ListSubscriptions")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Subscription(nil), f.subs...), nil
}

func (f *fakeBackend) CreateEvent(ctx context.Context, in model.EventInput) (model.EventRecord, error) {
	f.record("CreateEvent")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	if f.createErr != nil {
		return model.EventRecord{}, f.createErr
	}
	f.nextEventID++
	return model.EventRecord{
		ID:        model.BackendID("srv-" + strconv.Itoa(f.nextEventID)),
		Title:     in.Title,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		Type:      in.Type,
	}, nil
}

func (f *fakeBackend) UpdateEvent(ctx context.Context, id string, patch model.EventPatch) (model.EventRecord, error) {
	f.record("UpdateEvent")
	if f.onUpdate != nil {
		f.onUpdate(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	if f.updateErr != nil {
		return model.EventRecord{}, f.updateErr
	}
	return model.EventRecord{}, nil
}

func (f *fakeBackend) DeleteEvent(ctx context.Context, id string) error {
	f.record("DeleteEvent")
	return f.deleteErr
}

func (f *fakeBackend) CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error) {
	f.record("CreateSubscription")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subIns = append(f.subIns, in)
	if f.subErr != nil {
		return model.Subscription{}, f.subErr
	}
	f.nextSubID++
	return model.Subscription{
		ID:            model.BackendID("sub-" + strconv.Itoa(f.nextSubID)),
		EventID:       model.BackendID(in.EventID),
		MinutesBefore: in.MinutesBefore,
		Channel:       in.Channel,
	}, nil
}

func (f *fakeBackend) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	f.record("UpdateSubscription")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subPatch = append(f.subPatch, patch)
	if f.subErr != nil {
		return model.Subscription{}, f.subErr
	}
	// Answer with an empty object so the mutator has to fill the gaps.
	return model.Subscription{}, nil
}

func (f *fakeBackend) DeleteSubscription(ctx context.Context, id string) error {
	f.record("DeleteSubscription")
	return f.subErr
}

type alertLog struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertLog) Alert(msg string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *alertLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}
