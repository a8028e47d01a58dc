package calendar

import (
	"errors"
	"sync"

	"acadcal/internal/model"
)

var ErrDuplicateID = errors.New("calendar: duplicate display id")

// Store owns the display list and the subscription index. Ids in the list
// are unique at all times.
type Store struct {
	mu    sync.RWMutex
	items []model.DisplayItem
	pos   map[model.ID]int
	subs  SubscriptionIndex
}

func NewStore() *Store {
	return &Store{
		pos:  make(map[model.ID]int),
		subs: make(SubscriptionIndex),
	}
}

// Items returns a copy of the display list.
func (s *Store) Items() []model.DisplayItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DisplayItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Get(id model.ID) (model.DisplayItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.pos[id]
	if !ok {
		return model.DisplayItem{}, false
	}
	return s.items[i], true
}

// Replace installs a freshly merged list and index. Temp items still
// waiting on a create are carried over at the end.
func (s *Store) Replace(items []model.DisplayItem, idx SubscriptionIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.DisplayItem, 0, len(items))
	pos := make(map[model.ID]int, len(items))
	for _, it := range items {
		if _, dup := pos[it.ID]; dup {
			continue
		}
		pos[it.ID] = len(next)
		next = append(next, it)
	}
	for _, it := range s.items {
		if it.Kind != model.KindTemp {
			continue
		}
		if _, dup := pos[it.ID]; dup {
			continue
		}
		pos[it.ID] = len(next)
		next = append(next, it)
	}

	s.items = next
	s.pos = pos
	if idx == nil {
		idx = make(SubscriptionIndex)
	}
	s.subs = idx.Clone()
}

func (s *Store) Append(it model.DisplayItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.pos[it.ID]; dup {
		return ErrDuplicateID
	}
	s.pos[it.ID] = len(s.items)
	s.items = append(s.items, it)
	return nil
}

// Put overwrites the item with the same id in place. It reports false when
// the id is not present.
func (s *Store) Put(it model.DisplayItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pos[it.ID]
	if !ok {
		return false
	}
	s.items[i] = it
	return true
}

// Swap replaces the item oldID with it, keeping its position. If it.ID is
// already listed (a refetch got there first) the old item is just dropped.
func (s *Store) Swap(oldID model.ID, it model.DisplayItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.pos[oldID]
	if _, exists := s.pos[it.ID]; exists && it.ID != oldID {
		if ok {
			s.removeAt(i)
		}
		return
	}
	if !ok {
		s.pos[it.ID] = len(s.items)
		s.items = append(s.items, it)
		return
	}
	delete(s.pos, oldID)
	s.items[i] = it
	s.pos[it.ID] = i
}

func (s *Store) Remove(id model.ID) (model.DisplayItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.pos[id]
	if !ok {
		return model.DisplayItem{}, false
	}
	it := s.items[i]
	s.removeAt(i)
	return it, true
}

func (s *Store) removeAt(i int) {
	delete(s.pos, s.items[i].ID)
	s.items = append(s.items[:i], s.items[i+1:]...)
	for j := i; j < len(s.items); j++ {
		s.pos[s.items[j].ID] = j
	}
}

// Subscription looks up the index entry for a backend event id.
func (s *Store) Subscription(eventID string) (model.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[eventID]
	return sub, ok
}

// Index returns a copy of the subscription index.
func (s *Store) Index() SubscriptionIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs.Clone()
}

// SetSubscription patches the index entry for eventID and the decoration
// of the matching academic event. A nil sub removes the entry.
func (s *Store) SetSubscription(eventID string, sub *model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub == nil {
		delete(s.subs, eventID)
	} else {
		s.subs[eventID] = *sub
	}

	i, ok := s.pos[model.NewID(model.KindAcademicEvent, eventID)]
	if !ok {
		return
	}
	it := s.items[i]
	if sub == nil {
		it.Subscription = nil
		it.Decoration = model.DecorationNormal
	} else {
		cp := *sub
		it.Subscription = &cp
		it.Decoration = model.DecorationSubscribed
	}
	s.items[i] = it
}
