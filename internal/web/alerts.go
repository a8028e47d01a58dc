package web

import (
	"sync"
	"time"
)

// Alert is one user-visible failure notice.
type Alert struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// AlertFeed keeps the most recent failure notices for the UI. It
// implements calendar.Alerter.
type AlertFeed struct {
	mu   sync.Mutex
	buf  []Alert
	next int
	full bool
	now  func() time.Time
}

func NewAlertFeed(size int) *AlertFeed {
	if size <= 0 {
		size = 50
	}
	return &AlertFeed{buf: make([]Alert, size), now: time.Now}
}

func (f *AlertFeed) Alert(msg string, err error) {
	a := Alert{At: f.now(), Message: msg}
	if err != nil {
		a.Detail = err.Error()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = a
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns the kept notices, newest first.
func (f *AlertFeed) Recent() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.next
	if f.full {
		n = len(f.buf)
	}
	out := make([]Alert, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, f.buf[(f.next-i+len(f.buf))%len(f.buf)])
	}
	return out
}
