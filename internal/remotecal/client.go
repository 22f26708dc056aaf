// Package remotecal is a thin typed client for a remote calendar REST API
// offering sync-token pagination and webhook-based change notification. The
// request and response shapes follow the Google Calendar v3 binding, but the
// Client interface only assumes the contracts: cursor-based incremental
// listing, channel-based push with a caller-supplied secret, and an explicit
// "cursor invalidated" signal.
package remotecal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrCursorInvalid reports that the remote rejected a sync cursor as too old
// or otherwise unusable. Callers are expected to clear the cursor and fall
// back to a full listing.
var ErrCursorInvalid = errors.New("sync cursor invalidated")

// ErrUnauthorized reports that the remote rejected the bearer credential.
var ErrUnauthorized = errors.New("remote rejected credentials")

// StatusError is a non-2xx remote response that is not retried.
type StatusError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote http %d %s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("remote http %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrCursorInvalid:
		return e.StatusCode == http.StatusGone
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// EventTime is either a timed instant (DateTime, RFC 3339) or an all-day
// date (Date, YYYY-MM-DD).
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Resolve returns the concrete instant this EventTime describes. All-day
// dates resolve to midnight UTC.
func (t EventTime) Resolve() (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		return time.Parse("2006-01-02", t.Date)
	}
	return time.Time{}, errors.New("event time has neither dateTime nor date")
}

// Event is one remote calendar event as returned by the list endpoint.
type Event struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	Updated     time.Time `json:"updated"`
}

// EventsPage is one page of the list endpoint. NextSyncToken is present only
// on the final page of a listing; earlier pages carry NextPageToken.
type EventsPage struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
	NextSyncToken string  `json:"nextSyncToken,omitempty"`
}

// Channel is the remote's record of a push-notification subscription.
type Channel struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration int64  `json:"expiration,string,omitempty"`
}

// ExpirationTime converts the remote's millisecond expiration stamp.
func (c Channel) ExpirationTime() time.Time {
	if c.Expiration == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.Expiration).UTC()
}

// ListOptions narrow an events listing. SyncToken and PageToken are mutually
// exclusive; the remote rejects requests carrying both.
type ListOptions struct {
	SyncToken  string
	PageToken  string
	MaxResults int
}

// WatchRequest registers a push-notification channel. Token is the shared
// verification secret echoed back on every notification for that channel.
type WatchRequest struct {
	ID      string
	Token   string
	Address string
	TTL     time.Duration
}

// Client is the remote calendar surface the sync core depends on.
type Client interface {
	ListEvents(ctx context.Context, accountID, calendarID string, opts ListOptions) (EventsPage, error)
	Watch(ctx context.Context, accountID, calendarID string, req WatchRequest) (Channel, error)
	StopChannel(ctx context.Context, accountID, channelID, resourceID string) error
}

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// HTTPClient implements Client against a REST endpoint. Transient failures
// (429 and 5xx) are retried a bounded number of times with exponential
// backoff, honoring Retry-After when the remote provides one.
type HTTPClient struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, tokens TokenProvider, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (c *HTTPClient) ListEvents(ctx context.Context, accountID, calendarID string, opts ListOptions) (EventsPage, error) {
	q := url.Values{}
	q.Set("showDeleted", "true")
	if opts.SyncToken != "" {
		q.Set("syncToken", opts.SyncToken)
	}
	if opts.PageToken != "" {
		q.Set("pageToken", opts.PageToken)
	}
	if opts.MaxResults > 0 {
		q.Set("maxResults", strconv.Itoa(opts.MaxResults))
	}
	var out EventsPage
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), q.Encode())
	err := c.doJSON(ctx, accountID, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) Watch(ctx context.Context, accountID, calendarID string, req WatchRequest) (Channel, error) {
	body := map[string]any{
		"id":      req.ID,
		"type":    "web_hook",
		"address": req.Address,
		"token":   req.Token,
	}
	if req.TTL > 0 {
		body["params"] = map[string]string{
			"ttl": strconv.FormatInt(int64(req.TTL.Seconds()), 10),
		}
	}
	var out Channel
	path := fmt.Sprintf("/calendars/%s/events/watch", url.PathEscape(calendarID))
	err := c.doJSON(ctx, accountID, http.MethodPost, path, body, &out)
	return out, err
}

func (c *HTTPClient) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	body := map[string]any{
		"id":         channelID,
		"resourceId": resourceID,
	}
	return c.doJSON(ctx, accountID, http.MethodPost, "/channels/stop", body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, accountID, method, requestPath string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if retriable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &StatusError{
			StatusCode: resp.StatusCode,
			Reason:     errorReason(payload),
			Message:    errorMessage(payload),
		}
	}
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorReason(payload []byte) string {
	var envelope struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error.Errors) == 0 {
		return ""
	}
	return envelope.Error.Errors[0].Reason
}

func errorMessage(payload []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error.Message == "" {
		return strings.TrimSpace(string(payload))
	}
	return envelope.Error.Message
}
