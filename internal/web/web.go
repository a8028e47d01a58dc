package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"acadcal/internal/calendar"
	"acadcal/internal/config"
	"acadcal/internal/grid"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

// Server exposes one calendar Session over HTTP: a JSON API, an HTML month
// board and an ICS download. It remembers which month is on screen.
type Server struct {
	cfg     *config.Config
	session *calendar.Session
	alerts  *AlertFeed
	loc     *time.Location
	ws      grid.WeekStart
	now     func() time.Time

	mu    sync.Mutex
	year  int
	month time.Month
}

// NewServer constructs a Server showing the current month until told
// otherwise.
func NewServer(cfg *config.Config, sess *calendar.Session, alerts *AlertFeed) *Server {
	if alerts == nil {
		alerts = NewAlertFeed(0)
	}
	s := &Server{
		cfg:     cfg,
		session: sess,
		alerts:  alerts,
		loc:     cfg.Location(),
		ws:      grid.WeekStart(cfg.WeekStart),
		now:     time.Now,
	}
	today := s.now().In(s.loc)
	s.year, s.month = today.Year(), today.Month()
	return s
}

// Handler returns the router for this server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/calendar", http.StatusFound)
		})
		r.Get("/calendar", s.handleCalendarPage)
		r.Get("/calendar.ics", s.handleICS)

		r.Route("/api", func(r chi.Router) {
			r.Get("/view", s.handleView)
			r.Get("/alerts", s.handleAlerts)
			r.Post("/items", s.handleCreate)
			r.Patch("/items/{id}", s.handlePatch)
			r.Delete("/items/{id}", s.handleDelete)
			r.Post("/items/{id}/subscription", s.handleSubscription)
		})
	})

	return r
}

// ListenAndServe listens on cfg.Listen and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// CurrentMonth reports the month on screen.
func (s *Server) CurrentMonth() (int, time.Month) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.year, s.month
}

// ShowMonth makes the given month the one on screen and hands its visible
// range to the session.
func (s *Server) ShowMonth(ctx context.Context, year int, month time.Month) (grid.Grid, []model.DisplayItem, error) {
	g := grid.Month(year, month, s.ws, s.loc)
	s.mu.Lock()
	s.year, s.month = year, month
	s.mu.Unlock()

	from, to := g.Range()
	items, err := s.session.ShowRange(ctx, from, to)
	return g, items, err
}

// FollowToday moves the board to the current month. It is a range change
// only when the month has actually rolled over.
func (s *Server) FollowToday(ctx context.Context) error {
	today := s.now().In(s.loc)
	y, m := s.CurrentMonth()
	if y == today.Year() && m == today.Month() {
		if _, _, ok := s.session.Range(); ok {
			return nil
		}
	}
	appLog.Info("following today", "month", grid.FormatMonth(today.Year(), today.Month()))
	_, _, err := s.ShowMonth(ctx, today.Year(), today.Month())
	return err
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="AcadCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// statusFor maps calendar errors onto HTTP statuses. Anything unrecognised
// came from the backend.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calendar.ErrNotEditable), errors.Is(err, calendar.ErrNotSubscribable),
		errors.Is(err, calendar.ErrNoSubscriptionID), errors.Is(err, calendar.ErrStale):
		return http.StatusConflict
	case errors.Is(err, calendar.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, calendar.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
