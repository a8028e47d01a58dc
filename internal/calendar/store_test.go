package calendar

import (
	"testing"
	"time"

	"acadcal/internal/model"
)

func item(id model.ID) model.DisplayItem {
	kind, ref, _ := id.Split()
	if kind == model.KindTemp {
		ref = ""
	}
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return model.DisplayItem{
		ID:         id,
		Title:      string(id),
		Start:      start,
		End:        start,
		AllDay:     true,
		Decoration: model.DecorationNormal,
		Kind:       kind,
		BackendRef: ref,
	}
}

func TestStoreAppendRejectsDuplicates(t *testing.T) {
	s := NewStore()
	if err := s.Append(item("academicEvent:1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(item("academicEvent:1")); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestStoreReplaceKeepsTempItems(t *testing.T) {
	s := NewStore()
	_ = s.Append(item("academicEvent:old"))
	_ = s.Append(item("temp:abc"))

	s.Replace([]model.DisplayItem{item("academicEvent:1"), item("deadline:2")}, nil)

	got := s.Items()
	if len(got) != 3 || got[2].ID != "temp:abc" {
		t.Fatalf("unexpected items after replace: %+v", got)
	}
	if _, ok := s.Get("academicEvent:old"); ok {
		t.Fatalf("old item should be gone")
	}
}

func TestStoreSwapKeepsPositionAndHandlesRefetchedID(t *testing.T) {
	s := NewStore()
	_ = s.Append(item("academicEvent:1"))
	_ = s.Append(item("temp:t1"))
	_ = s.Append(item("academicEvent:3"))

	s.Swap("temp:t1", item("academicEvent:2"))
	got := s.Items()
	if got[1].ID != "academicEvent:2" || len(got) != 3 {
		t.Fatalf("swap did not keep position: %+v", got)
	}

	// A refetch already brought the confirmed item in: the temp just goes.
	_ = s.Append(item("temp:t2"))
	s.Swap("temp:t2", item("academicEvent:3"))
	if s.Len() != 3 {
		t.Fatalf("expected temp to be dropped, got %+v", s.Items())
	}
	if _, ok := s.Get("temp:t2"); ok {
		t.Fatalf("temp still present")
	}
}

func TestStoreRemoveReindexes(t *testing.T) {
	s := NewStore()
	for _, id := range []model.ID{"academicEvent:1", "academicEvent:2", "academicEvent:3"} {
		_ = s.Append(item(id))
	}
	if _, ok := s.Remove("academicEvent:1"); !ok {
		t.Fatalf("remove failed")
	}
	it, ok := s.Get("academicEvent:3")
	if !ok || it.ID != "academicEvent:3" {
		t.Fatalf("index stale after remove: %+v %v", it, ok)
	}
	if s.Put(item("academicEvent:1")) {
		t.Fatalf("put on a removed id must report false")
	}
}

func TestStoreSetSubscriptionDecorates(t *testing.T) {
	s := NewStore()
	_ = s.Append(item("academicEvent:7"))

	s.SetSubscription("7", &model.Subscription{ID: "s", EventID: "7", MinutesBefore: 10})
	it, _ := s.Get("academicEvent:7")
	if it.Decoration != model.DecorationSubscribed || it.Subscription == nil {
		t.Fatalf("expected subscribed item, got %+v", it)
	}
	if _, ok := s.Subscription("7"); !ok {
		t.Fatalf("index entry missing")
	}

	s.SetSubscription("7", nil)
	it, _ = s.Get("academicEvent:7")
	if it.Decoration != model.DecorationNormal || it.Subscription != nil {
		t.Fatalf("expected normal item, got %+v", it)
	}
	if _, ok := s.Subscription("7"); ok {
		t.Fatalf("index entry should be gone")
	}
}
