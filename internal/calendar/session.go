package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

// ErrStale reports that a newer range change superseded this one. It is
// not a failure and is never alerted.
var ErrStale = errors.New("calendar: range fetch superseded")

// SessionOptions configures a Session.
type SessionOptions struct {
	Location         *time.Location
	IncludeDeadlines bool
	EventType        string
	DefaultChannel   model.Channel
	Alerter          Alerter
}

// Session is one calendar view: a visible range, the display list for it
// and the mutator acting on it.
type Session struct {
	backend   Backend
	store     *Store
	mutator   *Mutator
	merger    Merger
	alerts    Alerter
	deadlines bool

	seq    atomic.Uint64
	closed atomic.Bool

	mu       sync.Mutex // orders apply against later range changes
	from, to time.Time
	loaded   bool
	applied  uint64
}

func NewSession(b Backend, opts SessionOptions) *Session {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	alerts := opts.Alerter
	if alerts == nil {
		alerts = nopAlerter{}
	}
	s := &Session{
		backend:   b,
		store:     NewStore(),
		merger:    Merger{Location: loc},
		alerts:    alerts,
		deadlines: opts.IncludeDeadlines,
	}
	s.mutator = NewMutator(b, s.store,
		WithAlerter(alerts),
		WithLocation(loc),
		WithEventType(opts.EventType),
		WithDefaultChannel(opts.DefaultChannel),
		withClosedFlag(&s.closed),
	)
	return s
}

func (s *Session) Mutator() *Mutator { return s.mutator }

// Items returns a copy of the current display list.
func (s *Session) Items() []model.DisplayItem { return s.store.Items() }

// Get returns one display item.
func (s *Session) Get(id model.ID) (model.DisplayItem, bool) { return s.store.Get(id) }

// Range returns the range of the last applied fetch.
func (s *Session) Range() (from, to time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from, s.to, s.loaded
}

// ShowRange handles a visible-range change. An unchanged range with no
// other change in flight returns the current list without fetching.
// Otherwise events, subscriptions and (when enabled) deadlines are fetched
// concurrently; the result is applied only if no later range change was
// issued meanwhile. On failure the previous list stays in place.
func (s *Session) ShowRange(ctx context.Context, from, to time.Time) ([]model.DisplayItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if to.Before(from) {
		return nil, ErrInvalidRange
	}

	s.mu.Lock()
	same := s.loaded && s.applied == s.seq.Load() && s.from.Equal(from) && s.to.Equal(to)
	s.mu.Unlock()
	if same {
		return s.store.Items(), nil
	}

	token := s.seq.Add(1)
	appLog.Info("calendar range change", "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339), "seq", token)

	var (
		events    []model.EventRecord
		subs      []model.Subscription
		deadlines []model.DeadlineRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.backend.ListEvents(gctx, from, to)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		subs, err = s.backend.ListSubscriptions(gctx, from, to)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		return nil
	})
	if s.deadlines {
		g.Go(func() error {
			var err error
			deadlines, err = s.backend.ListDeadlines(gctx, from, to)
			if err != nil {
				return fmt.Errorf("list deadlines: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if token != s.seq.Load() {
		if err != nil {
			appLog.Warn("superseded calendar fetch failed", "seq", token, "latest", s.seq.Load(), "err", err)
		} else {
			appLog.Debug("calendar range result discarded", "seq", token, "latest", s.seq.Load())
		}
		return nil, ErrStale
	}
	if err != nil {
		appLog.Error("calendar fetch failed; keeping previous items", err, "seq", token)
		s.alerts.Alert("Failed to load calendar", err)
		return nil, fmt.Errorf("calendar: fetch: %w", err)
	}

	idx := BuildIndex(subs)
	items := s.merger.MergeIndexed(events, idx, deadlines)
	s.store.Replace(items, idx)
	s.from, s.to, s.loaded = from, to, true
	s.applied = token

	appLog.Info("calendar range applied", "seq", token, "items", len(items), "subscriptions", len(idx))
	return s.store.Items(), nil
}

// Close tears the session down. Settlements that arrive afterwards are
// dropped and new actions return ErrClosed.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		appLog.Debug("calendar session closed")
	}
}
