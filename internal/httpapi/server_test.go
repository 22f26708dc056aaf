package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/famstack/calsyncd/internal/calsync"
	"github.com/famstack/calsyncd/internal/remotecal"
)

type fakeClient struct {
	listFn func(opts remotecal.ListOptions) (remotecal.EventsPage, error)
}

func (f *fakeClient) ListEvents(ctx context.Context, accountID, calendarID string, opts remotecal.ListOptions) (remotecal.EventsPage, error) {
	if f.listFn == nil {
		return remotecal.EventsPage{NextSyncToken: "tok"}, nil
	}
	return f.listFn(opts)
}

func (f *fakeClient) Watch(ctx context.Context, accountID, calendarID string, req remotecal.WatchRequest) (remotecal.Channel, error) {
	return remotecal.Channel{ID: req.ID, ResourceID: "res-1"}, nil
}

func (f *fakeClient) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	return nil
}

type fixture struct {
	server *Server
	store  *calsync.MemoryStore
	link   calsync.CalendarLink
}

func newFixture(t *testing.T, remote remotecal.Client) *fixture {
	t.Helper()
	if remote == nil {
		remote = &fakeClient{}
	}
	store := calsync.NewMemoryStore()
	link := calsync.CalendarLink{
		FamilyID:         7,
		AccountID:        "acct-1",
		RemoteCalendarID: "primary",
		SyncEnabled:      true,
	}
	if err := store.CreateCalendarLink(context.Background(), &link); err != nil {
		t.Fatalf("create link: %v", err)
	}
	if _, err := store.ReplaceWatchChannel(context.Background(), calsync.WatchChannel{
		ID:                "chan-1",
		ResourceID:        "res-1",
		CalendarLinkID:    link.ID,
		VerificationToken: "secret",
		Expiration:        time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	hub := calsync.NewHub(nil)
	engine := calsync.NewEngine(store, remote, calsync.EngineOptions{})
	manager := calsync.NewChannelManager(store, remote, calsync.ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
	})
	extender := calsync.NewExtender(store, calsync.ExtenderOptions{})
	runner := calsync.NewRunner(store, engine, manager, extender, calsync.RunnerOptions{})
	ingestor := calsync.NewIngestor(manager, nil, nil)
	server := NewServer(store, engine, runner, ingestor, hub, ServerConfig{
		JWTSecret: "test-jwt-secret",
		JobSecret: "test-job-secret",
	}, nil)
	return &fixture{server: server, store: store, link: link}
}

func makeToken(t *testing.T, secret string, userID, familyID int64, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"user_id":%d,"family_id":%d,"aud":"calsyncd","exp":%d}`,
		userID, familyID, exp.Unix())))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + signature
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestWebhookGetHandshakeAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	// The push service verifies the callback with a bare GET carrying no
	// notification headers.
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/webhooks/calendar", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookMalformedIsClientError(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	// Token, resource id, state, and message number all missing.
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestWebhookForgedTokenStillAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "forged")
	req.Header.Set("X-Goog-Resource-ID", "res-1")
	req.Header.Set("X-Goog-Resource-State", "exists")
	req.Header.Set("X-Goog-Message-Number", "3")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "rejected" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestWebhookHandshakeValidates(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "secret")
	req.Header.Set("X-Goog-Resource-ID", "res-1")
	req.Header.Set("X-Goog-Resource-State", "sync")
	req.Header.Set("X-Goog-Message-Number", "1")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "validated" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestJobEndpointRequiresSecret(t *testing.T) {
	f := newFixture(t, nil)
	for _, header := range []string{"", "Bearer wrong", "test-job-secret"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs/cleanup-expired-tokens", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("Authorization %q: status %d, want 401", header, rec.Code)
		}
	}
}

func TestJobEndpointRunsWithSecret(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/cleanup-expired-tokens", nil)
	req.Header.Set("Authorization", "Bearer test-job-secret")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["channelsDeleted"] != float64(0) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/defrost-freezer", nil)
	req.Header.Set("Authorization", "Bearer test-job-secret")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestManualSyncRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/calendars/1/sync", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestManualSyncForbiddenAcrossFamilies(t *testing.T) {
	f := newFixture(t, nil)
	token := makeToken(t, "test-jwt-secret", 1, 99, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/calendars/%d/sync", f.link.ID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestManualSyncUnknownLinkIs404(t *testing.T) {
	f := newFixture(t, nil)
	token := makeToken(t, "test-jwt-secret", 1, 7, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodPost, "/v1/calendars/9999/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestManualSyncRunsSync(t *testing.T) {
	f := newFixture(t, nil)
	token := makeToken(t, "test-jwt-secret", 1, 7, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/calendars/%d/sync", f.link.ID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["complete"] != true {
		t.Fatalf("unexpected body: %v", body)
	}

	link, err := f.store.GetCalendarLink(context.Background(), f.link.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.SyncCursor != "tok" {
		t.Fatalf("sync should persist cursor, got %q", link.SyncCursor)
	}
}

func TestManualSyncConflictWhenInFlight(t *testing.T) {
	f := newFixture(t, nil)
	if locked, err := f.store.TryLockLink(context.Background(), f.link.ID); err != nil || !locked {
		t.Fatalf("pre-lock: %v", err)
	}
	token := makeToken(t, "test-jwt-secret", 1, 7, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/calendars/%d/sync", f.link.ID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestManualSyncCredentialFailureIsBadGateway(t *testing.T) {
	remote := &fakeClient{
		listFn: func(remotecal.ListOptions) (remotecal.EventsPage, error) {
			return remotecal.EventsPage{}, fmt.Errorf("account acct-1: %w", remotecal.ErrNoToken)
		},
	}
	f := newFixture(t, remote)
	token := makeToken(t, "test-jwt-secret", 1, 7, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/calendars/%d/sync", f.link.ID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "credential_error" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t, nil)
	token := makeToken(t, "test-jwt-secret", 1, 7, time.Now().Add(-time.Minute))
	req := httptest.NewRequest(http.MethodPost, "/v1/calendars/1/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Fatalf("expected expiry message, got %s", rec.Body.String())
	}
}
