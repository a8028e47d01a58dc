package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"acadcal/internal/grid"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512

	pathEvents        = "/api/calendar/events"
	pathDeadlines     = "/api/assignments/deadlines"
	pathSubscriptions = "/api/notifications/subscriptions"
)

var (
	// ErrStatus matches any non-2xx backend response.
	ErrStatus = errors.New("api: unexpected status")
	// ErrMalformed is returned when a single-record response cannot be decoded.
	ErrMalformed = errors.New("api: malformed response body")
)

// StatusError carries the status and a truncated body of a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Client talks to the calendar/notification backend over JSON.
type Client struct {
	client  *http.Client
	baseURL *url.URL
	token   string

	expiredOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// NewClient creates a Client for baseURL. token may be empty, in which case
// no Authorization header is sent.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("api: base URL is empty")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: base URL %q needs scheme and host", baseURL)
	}
	c := &Client{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: u,
		token:   strings.TrimSpace(token),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListEvents fetches academic events in [from, to).
func (c *Client) ListEvents(ctx context.Context, from, to time.Time) ([]model.EventRecord, error) {
	q := url.Values{}
	q.Set("from", grid.FormatDate(from))
	q.Set("to", grid.FormatDate(to))

	body, err := c.do(ctx, http.MethodGet, pathEvents, q, nil)
	if err != nil {
		return nil, err
	}
	return decodeItems[model.EventRecord](body, pathEvents), nil
}

// ListDeadlines fetches pending assignment deadlines due in [from, to).
func (c *Client) ListDeadlines(ctx context.Context, from, to time.Time) ([]model.DeadlineRecord, error) {
	q := url.Values{}
	q.Set("dueAfter", grid.FormatDate(from))
	q.Set("dueBefore", grid.FormatDate(to))
	q.Set("status", "pending")

	body, err := c.do(ctx, http.MethodGet, pathDeadlines, q, nil)
	if err != nil {
		return nil, err
	}
	return decodeItems[model.DeadlineRecord](body, pathDeadlines), nil
}

// ListSubscriptions fetches the caller's reminder subscriptions for events
// in [from, to).
func (c *Client) ListSubscriptions(ctx context.Context, from, to time.Time) ([]model.Subscription, error) {
	q := url.Values{}
	q.Set("from", grid.FormatDate(from))
	q.Set("to", grid.FormatDate(to))

	body, err := c.do(ctx, http.MethodGet, pathSubscriptions, q, nil)
	if err != nil {
		return nil, err
	}
	return decodeItems[model.Subscription](body, pathSubscriptions), nil
}

func (c *Client) CreateEvent(ctx context.Context, in model.EventInput) (model.EventRecord, error) {
	body, err := c.do(ctx, http.MethodPost, pathEvents, nil, in)
	if err != nil {
		return model.EventRecord{}, err
	}
	var rec model.EventRecord
	if err := decodeRecord(body, &rec); err != nil || rec.ID == "" {
		return model.EventRecord{}, fmt.Errorf("create event: %w", ErrMalformed)
	}
	return rec, nil
}

// UpdateEvent patches an event's bounds. A backend that answers with an
// empty body yields a zero record and no error.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch model.EventPatch) (model.EventRecord, error) {
	path := pathEvents + "/" + url.PathEscape(id)
	body, err := c.do(ctx, http.MethodPatch, path, nil, patch)
	if err != nil {
		return model.EventRecord{}, err
	}
	var rec model.EventRecord
	if len(bytes.TrimSpace(body)) == 0 {
		return rec, nil
	}
	if err := decodeRecord(body, &rec); err != nil {
		return model.EventRecord{}, fmt.Errorf("update event: %w", ErrMalformed)
	}
	return rec, nil
}

func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, pathEvents+"/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error) {
	body, err := c.do(ctx, http.MethodPost, pathSubscriptions, nil, in)
	if err != nil {
		return model.Subscription{}, err
	}
	var sub model.Subscription
	if err := decodeRecord(body, &sub); err != nil || sub.ID == "" {
		return model.Subscription{}, fmt.Errorf("create subscription: %w", ErrMalformed)
	}
	return sub, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	path := pathSubscriptions + "/" + url.PathEscape(id)
	body, err := c.do(ctx, http.MethodPatch, path, nil, patch)
	if err != nil {
		return model.Subscription{}, err
	}
	var sub model.Subscription
	if err := decodeRecord(body, &sub); err != nil {
		return model.Subscription{}, fmt.Errorf("update subscription: %w", ErrMalformed)
	}
	return sub, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, pathSubscriptions+"/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in any) ([]byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		c.warnIfExpired()
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	appLog.Debug("api request", "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func (c *Client) warnIfExpired() {
	exp, ok := TokenExpiry(c.token)
	if !ok || time.Now().Before(exp) {
		return
	}
	c.expiredOnce.Do(func() {
		appLog.Warn("bearer token is expired; backend will likely reject requests", "expired_at", exp.Format(time.RFC3339))
	})
}

func decodeRecord(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrMalformed
	}
	return json.Unmarshal(body, out)
}

// decodeItems reads a {"items": [...]} envelope. A missing envelope, a
// non-array items field or an undecodable element never fails the call;
// they shrink the result instead.
func decodeItems[T any](body []byte, path string) []T {
	var env struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		appLog.Warn("api list body is not an object; treating as empty", "path", path)
		return []T{}
	}

	var raw []json.RawMessage
	if len(env.Items) == 0 || json.Unmarshal(env.Items, &raw) != nil {
		if len(env.Items) > 0 && string(env.Items) != "null" {
			appLog.Warn("api list items is not an array; treating as empty", "path", path)
		}
		return []T{}
	}

	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			appLog.Debug("api list item skipped", "path", path, "index", i, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}
