package calendar

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"acadcal/internal/model"
)

func newTestMutator(f *fakeBackend, items ...model.DisplayItem) (*Mutator, *Store, *alertLog) {
	st := NewStore()
	for _, it := range items {
		_ = st.Append(it)
	}
	alerts := &alertLog{}
	m := NewMutator(f, st, WithAlerter(alerts), WithLocation(time.UTC))
	return m, st, alerts
}

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestCreateConfirmsWithServerID(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("academicEvent:1"))

	got, err := m.Create(context.Background(), Draft{Title: "Seminar", Start: day(12), AllDay: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "academicEvent:srv-1" || got.Kind != model.KindAcademicEvent || got.BackendRef != "srv-1" {
		t.Fatalf("unexpected confirmed item %+v", got)
	}
	items := st.Items()
	if len(items) != 2 || items[1].ID != "academicEvent:srv-1" {
		t.Fatalf("temp item not replaced: %+v", items)
	}
	if f.created[0].StartDate != "2025-03-12" || f.created[0].EndDate != "2025-03-12" || f.created[0].Type != "academic" {
		t.Fatalf("unexpected create body %+v", f.created[0])
	}
}

func TestCreateFailureLeavesListUnchanged(t *testing.T) {
	f := &fakeBackend{createErr: errBackend}
	m, st, alerts := newTestMutator(f, item("academicEvent:1"), item("deadline:2"))
	before := st.Items()

	_, err := m.Create(context.Background(), Draft{Title: "Seminar", Start: day(12)})
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !reflect.DeepEqual(st.Items(), before) {
		t.Fatalf("list changed after failed create: %+v", st.Items())
	}
	if alerts.len() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.len())
	}
}

func TestCreateShowsTempWhilePending(t *testing.T) {
	release := make(chan struct{})
	f := &fakeBackend{}
	st := NewStore()
	blocking := &blockingCreate{fakeBackend: f, release: release, entered: make(chan struct{})}
	m := NewMutator(blocking, st, WithLocation(time.UTC))

	done := make(chan error, 1)
	go func() {
		_, err := m.Create(context.Background(), Draft{Title: "Pending", Start: day(3)})
		done <- err
	}()

	<-blocking.entered
	items := st.Items()
	if len(items) != 1 || items[0].Kind != model.KindTemp || items[0].BackendRef != "" {
		t.Fatalf("expected a single temp item while pending, got %+v", items)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Items()[0].Kind != model.KindAcademicEvent {
		t.Fatalf("temp not confirmed: %+v", st.Items())
	}
}

type blockingCreate struct {
	*fakeBackend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCreate) CreateEvent(ctx context.Context, in model.EventInput) (model.EventRecord, error) {
	close(b.entered)
	<-b.release
	return b.fakeBackend.CreateEvent(ctx, in)
}

func TestCreateRejectsInvalidRange(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f)
	if _, err := m.Create(context.Background(), Draft{Title: "x", Start: day(5), End: day(4)}); err != ErrInvalidRange {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if f.callCount() != 0 || st.Len() != 0 {
		t.Fatalf("invalid create must not touch state or network")
	}
}

func TestMoveAndResizeRejectNonAcademic(t *testing.T) {
	f := &fakeBackend{}
	m, _, _ := newTestMutator(f, item("deadline:9"), item("temp:abc"))
	ctx := context.Background()

	for _, id := range []model.ID{"deadline:9", "temp:abc"} {
		if err := m.Move(ctx, id, day(1), day(2)); err != ErrNotEditable {
			t.Fatalf("move %s: expected ErrNotEditable, got %v", id, err)
		}
		if err := m.Resize(ctx, id, day(3)); err != ErrNotEditable {
			t.Fatalf("resize %s: expected ErrNotEditable, got %v", id, err)
		}
	}
	if f.callCount() != 0 {
		t.Fatalf("expected no remote calls, got %d", f.callCount())
	}
}

func TestRemoveDeadlineMakesNoCall(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("deadline:9"))

	if err := m.Remove(context.Background(), "deadline:9"); err != ErrNotEditable {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
	if f.callCount() != 0 {
		t.Fatalf("call count = %d, want 0", f.callCount())
	}
	if st.Len() != 1 {
		t.Fatalf("deadline must stay")
	}
}

func TestMoveSuccessAndFailure(t *testing.T) {
	f := &fakeBackend{}
	m, st, alerts := newTestMutator(f, item("academicEvent:1"))
	ctx := context.Background()

	if err := m.Move(ctx, "academicEvent:1", day(14), day(15)); err != nil {
		t.Fatalf("move: %v", err)
	}
	it, _ := st.Get("academicEvent:1")
	if !it.Start.Equal(day(14)) || !it.End.Equal(day(15)) {
		t.Fatalf("move not applied: %+v", it)
	}
	if f.patches[0] != (model.EventPatch{StartDate: "2025-03-14", EndDate: "2025-03-15"}) {
		t.Fatalf("unexpected patch %+v", f.patches[0])
	}

	f.updateErr = errBackend
	if err := m.Move(ctx, "academicEvent:1", day(20), day(21)); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	it, _ = st.Get("academicEvent:1")
	if !it.Start.Equal(day(14)) {
		t.Fatalf("failed move was not rolled back: %+v", it)
	}
	if alerts.len() != 1 {
		t.Fatalf("expected one alert")
	}
}

func TestResizeSendsOnlyEnd(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("academicEvent:1"))

	if err := m.Resize(context.Background(), "academicEvent:1", day(13)); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if f.patches[0] != (model.EventPatch{EndDate: "2025-03-13"}) {
		t.Fatalf("unexpected patch %+v", f.patches[0])
	}
	it, _ := st.Get("academicEvent:1")
	if !it.Start.Equal(day(10)) || !it.End.Equal(day(13)) {
		t.Fatalf("unexpected bounds %+v", it)
	}

	if err := m.Resize(context.Background(), "academicEvent:1", day(1)); err != ErrInvalidRange {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestMoveUnknownID(t *testing.T) {
	f := &fakeBackend{}
	m, _, _ := newTestMutator(f)
	if err := m.Move(context.Background(), "academicEvent:404", day(1), day(1)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Move(context.Background(), "garbage", day(1), day(1)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestRemoveSuccessAndFailure(t *testing.T) {
	f := &fakeBackend{deleteErr: errBackend}
	m, st, alerts := newTestMutator(f, item("academicEvent:1"))
	st.SetSubscription("1", &model.Subscription{ID: "s", EventID: "1"})
	ctx := context.Background()

	if err := m.Remove(ctx, "academicEvent:1"); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if _, ok := st.Get("academicEvent:1"); !ok {
		t.Fatalf("item removed despite failure")
	}
	if alerts.len() != 1 {
		t.Fatalf("expected an alert")
	}

	f.deleteErr = nil
	if err := m.Remove(ctx, "academicEvent:1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("item not removed")
	}
	if _, ok := st.Subscription("1"); ok {
		t.Fatalf("subscription of a removed event should be dropped")
	}
}

func TestToggleCreatesWithDefaultMinutes(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("academicEvent:1"))

	sub, err := m.ToggleSubscription(context.Background(), "1", Toggle{MinutesBefore: "abc"})
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if sub == nil || sub.MinutesBefore != 30 || sub.Channel != model.ChannelEmail {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if f.subIns[0].MinutesBefore != 30 {
		t.Fatalf("request carried %d minutes", f.subIns[0].MinutesBefore)
	}
	it, _ := st.Get("academicEvent:1")
	if it.Decoration != model.DecorationSubscribed {
		t.Fatalf("decoration not flipped: %+v", it)
	}
}

func TestToggleUpdateKeepsOrReplacesMinutes(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("academicEvent:1"))
	st.SetSubscription("1", &model.Subscription{ID: "s1", EventID: "1", MinutesBefore: 15, Channel: model.ChannelEmail})
	ctx := context.Background()

	sub, err := m.ToggleSubscription(ctx, "1", Toggle{MinutesBefore: "45", Channel: "in-app"})
	if err != nil {
		t.Fatalf("toggle update: %v", err)
	}
	if sub.MinutesBefore != 45 || sub.Channel != model.ChannelInApp || sub.ID != "s1" {
		t.Fatalf("unexpected updated subscription %+v", sub)
	}
	if *f.subPatch[0].Channel != model.ChannelInApp {
		t.Fatalf("channel not sent normalized")
	}

	sub, err = m.ToggleSubscription(ctx, "1", Toggle{MinutesBefore: "-3"})
	if err != nil {
		t.Fatalf("toggle update: %v", err)
	}
	if sub.MinutesBefore != 45 {
		t.Fatalf("invalid input should keep current minutes, got %d", sub.MinutesBefore)
	}
	it, _ := st.Get("academicEvent:1")
	if it.Decoration != model.DecorationSubscribed || it.Subscription.MinutesBefore != 45 {
		t.Fatalf("unexpected item %+v", it)
	}
}

func TestToggleOffIsIdempotent(t *testing.T) {
	f := &fakeBackend{}
	m, st, _ := newTestMutator(f, item("academicEvent:1"))
	st.SetSubscription("1", &model.Subscription{ID: "s1", EventID: "1", MinutesBefore: 15})
	ctx := context.Background()

	if sub, err := m.ToggleSubscription(ctx, "1", Toggle{Off: true}); err != nil || sub != nil {
		t.Fatalf("first off: %v %v", sub, err)
	}
	if sub, err := m.ToggleSubscription(ctx, "1", Toggle{Off: true}); err != nil || sub != nil {
		t.Fatalf("second off: %v %v", sub, err)
	}
	if f.count("DeleteSubscription") != 1 {
		t.Fatalf("expected exactly one delete, got %d", f.count("DeleteSubscription"))
	}
	it, _ := st.Get("academicEvent:1")
	if it.Decoration != model.DecorationNormal {
		t.Fatalf("decoration not reset")
	}
}

func TestToggleFailureLeavesIndexUnchanged(t *testing.T) {
	f := &fakeBackend{subErr: errBackend}
	m, st, alerts := newTestMutator(f, item("academicEvent:1"), item("academicEvent:2"))
	st.SetSubscription("2", &model.Subscription{ID: "s2", EventID: "2", MinutesBefore: 10})
	before := st.Items()
	beforeIdx := st.Index()
	ctx := context.Background()

	if _, err := m.ToggleSubscription(ctx, "1", Toggle{}); !errors.Is(err, errBackend) {
		t.Fatalf("create: expected backend error, got %v", err)
	}
	if _, err := m.ToggleSubscription(ctx, "2", Toggle{MinutesBefore: "5"}); !errors.Is(err, errBackend) {
		t.Fatalf("update: expected backend error, got %v", err)
	}
	if _, err := m.ToggleSubscription(ctx, "2", Toggle{Off: true}); !errors.Is(err, errBackend) {
		t.Fatalf("delete: expected backend error, got %v", err)
	}

	if !reflect.DeepEqual(st.Items(), before) || !reflect.DeepEqual(st.Index(), beforeIdx) {
		t.Fatalf("state changed after failed toggles")
	}
	if alerts.len() != 3 {
		t.Fatalf("expected three alerts, got %d", alerts.len())
	}
}

func TestToggleWithoutSubscriptionIDMakesNoCall(t *testing.T) {
	f := &fakeBackend{}
	m, st, alerts := newTestMutator(f, item("academicEvent:1"))
	st.SetSubscription("1", &model.Subscription{EventID: "1", MinutesBefore: 15})
	beforeIdx := st.Index()
	ctx := context.Background()

	if _, err := m.ToggleSubscription(ctx, "1", Toggle{Off: true}); !errors.Is(err, ErrNoSubscriptionID) {
		t.Fatalf("off: expected ErrNoSubscriptionID, got %v", err)
	}
	if _, err := m.ToggleSubscription(ctx, "1", Toggle{MinutesBefore: "45"}); !errors.Is(err, ErrNoSubscriptionID) {
		t.Fatalf("update: expected ErrNoSubscriptionID, got %v", err)
	}
	if f.callCount() != 0 {
		t.Fatalf("expected no remote calls, got %v", f.calls)
	}
	if alerts.len() != 2 {
		t.Fatalf("expected two alerts, got %d", alerts.len())
	}
	if !reflect.DeepEqual(st.Index(), beforeIdx) {
		t.Fatalf("index changed")
	}
	if it, _ := st.Get("academicEvent:1"); it.Decoration != model.DecorationSubscribed {
		t.Fatalf("decoration changed: %s", it.Decoration)
	}
}

func TestToggleItemRejectsDeadline(t *testing.T) {
	f := &fakeBackend{}
	m, _, _ := newTestMutator(f, item("deadline:1"))
	if _, err := m.ToggleItem(context.Background(), "deadline:1", Toggle{}); err != ErrNotSubscribable {
		t.Fatalf("expected ErrNotSubscribable, got %v", err)
	}
	if f.callCount() != 0 {
		t.Fatalf("expected no remote calls")
	}
}

func TestSameIDMutationsSerialize(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var n atomic.Int32
	f := &fakeBackend{}
	f.onUpdate = func(id string) {
		if n.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
	m, _, _ := newTestMutator(f, item("academicEvent:1"), item("academicEvent:2"))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.Move(ctx, "academicEvent:1", day(11), day(11))
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		defer wg.Done()
		second <- m.Resize(ctx, "academicEvent:1", day(12))
	}()

	// A different id is not held up by the pending move.
	if err := m.Move(ctx, "academicEvent:2", day(20), day(20)); err != nil {
		t.Fatalf("independent move: %v", err)
	}

	select {
	case <-second:
		t.Fatalf("second mutation on the same id ran while the first was pending")
	case <-time.After(50 * time.Millisecond):
	}
	if got := f.count("UpdateEvent"); got != 2 {
		t.Fatalf("expected 2 updates so far (first + independent), got %d", got)
	}

	close(release)
	wg.Wait()
	if err := <-second; err != nil {
		t.Fatalf("second mutation: %v", err)
	}
	if got := f.count("UpdateEvent"); got != 3 {
		t.Fatalf("expected 3 updates, got %d", got)
	}
}

func TestWaitingMutationHonoursContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &fakeBackend{}
	var once sync.Once
	f.onUpdate = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	m, _, _ := newTestMutator(f, item("academicEvent:1"))

	go func() { _ = m.Move(context.Background(), "academicEvent:1", day(11), day(11)) }()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Remove(ctx, "academicEvent:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.count("DeleteEvent") != 0 {
		t.Fatalf("delete must not be issued")
	}
}

func TestCoerceMinutes(t *testing.T) {
	cases := []struct {
		raw      string
		fallback int
		want     int
	}{
		{"", 0, 30},
		{"abc", 0, 30},
		{"0", 0, 30},
		{"-5", 0, 30},
		{" 45 ", 0, 45},
		{"12.5", 0, 30},
		{"abc", 15, 15},
		{"10", 15, 10},
	}
	for _, c := range cases {
		if got := CoerceMinutes(c.raw, c.fallback); got != c.want {
			t.Fatalf("CoerceMinutes(%q, %d) = %d, want %d", c.raw, c.fallback, got, c.want)
		}
	}
}
