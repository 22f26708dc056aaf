package calsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/famstack/calsyncd/internal/remotecal"
)

func TestSyncDueCalendarsAggregatesPartialFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	healthy := newTestLink(t, store, "")
	busy := newTestLink(t, store, "")
	fresh := newTestLink(t, store, "")
	if err := store.SaveSyncCursor(context.Background(), fresh.ID, "cur", now.Add(-time.Minute)); err != nil {
		t.Fatalf("seed fresh link: %v", err)
	}
	if locked, err := store.TryLockLink(context.Background(), busy.ID); err != nil || !locked {
		t.Fatalf("pre-lock busy link: %v", err)
	}

	remote := &fakeRemote{
		pages: []remotecal.EventsPage{{NextSyncToken: "tok"}},
	}
	engine := NewEngine(store, remote, EngineOptions{Now: func() time.Time { return now }})
	runner := NewRunner(store, engine, nil, nil, RunnerOptions{Now: func() time.Time { return now }})

	result, err := runner.SyncDueCalendars(context.Background())
	if err != nil {
		t.Fatalf("sync due: %v", err)
	}
	if result.Attempted != 2 {
		t.Fatalf("fresh link must not be attempted: %+v", result)
	}
	if result.Succeeded != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("unexpected aggregate: %+v", result)
	}
	_ = healthy
}

func TestSyncDueCalendarsRecordsFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	link := newTestLink(t, store, "")

	remote := &fakeRemote{} // no scripted pages: every list call fails
	engine := NewEngine(store, remote, EngineOptions{})
	runner := NewRunner(store, engine, nil, nil, RunnerOptions{Now: func() time.Time { return now }})

	result, err := runner.SyncDueCalendars(context.Background())
	if err != nil {
		t.Fatalf("sync due: %v", err)
	}
	if result.Failed != 1 || len(result.Errors) != 1 {
		t.Fatalf("expected one recorded failure: %+v", result)
	}
	if !strings.Contains(result.Errors[0], "sync link") {
		t.Fatalf("error should name the entity: %q", result.Errors[0])
	}
	_ = link
}

func TestSetupMissingChannels(t *testing.T) {
	store := NewMemoryStore()
	covered := newTestLink(t, store, "")
	uncovered := newTestLink(t, store, "")
	if _, err := store.ReplaceWatchChannel(context.Background(), WatchChannel{
		ID:                "chan-existing",
		ResourceID:        "res",
		CalendarLinkID:    covered.ID,
		VerificationToken: "tok",
		Expiration:        time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	remote := &fakeRemote{}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
	})
	runner := NewRunner(store, nil, manager, nil, RunnerOptions{})

	result, err := runner.SetupMissingChannels(context.Background())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if result.Attempted != 1 || result.Succeeded != 1 {
		t.Fatalf("only the uncovered link should get a channel: %+v", result)
	}
	if _, err := store.GetChannelForLink(context.Background(), uncovered.ID); err != nil {
		t.Fatalf("uncovered link should now have a channel: %v", err)
	}
}

func TestRenewExpiringChannels(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	if _, err := store.ReplaceWatchChannel(context.Background(), WatchChannel{
		ID:                "chan-old",
		ResourceID:        "res",
		CalendarLinkID:    link.ID,
		VerificationToken: "tok",
		Expiration:        now.Add(20 * time.Minute),
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	remote := &fakeRemote{}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
		Now:             func() time.Time { return now },
	})
	runner := NewRunner(store, nil, manager, nil, RunnerOptions{Now: func() time.Time { return now }})

	result, err := runner.RenewExpiringChannels(context.Background())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected one renewal: %+v", result)
	}
	renewed, err := store.GetChannelForLink(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("renewed channel: %v", err)
	}
	if renewed.ID == "chan-old" {
		t.Fatal("channel should have been replaced")
	}
	if len(remote.stopped) != 1 || remote.stopped[0] != "chan-old" {
		t.Fatalf("old channel should be stopped remotely, got %v", remote.stopped)
	}
}

func TestCleanupExpiredTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	other := newTestLink(t, store, "")
	seed := func(id string, linkID int64, expiry time.Time) {
		if _, err := store.ReplaceWatchChannel(context.Background(), WatchChannel{
			ID:                id,
			ResourceID:        "res",
			CalendarLinkID:    linkID,
			VerificationToken: "tok",
			Expiration:        expiry,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("dead", link.ID, now.Add(-time.Hour))
	seed("alive", other.ID, now.Add(time.Hour))

	runner := NewRunner(store, nil, nil, nil, RunnerOptions{Now: func() time.Time { return now }})
	result, err := runner.CleanupExpiredTokens(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.ChannelsDeleted != 1 {
		t.Fatalf("expected one purge, got %+v", result)
	}
	if _, err := store.GetWatchChannel(context.Background(), "alive"); err != nil {
		t.Fatalf("live channel must survive: %v", err)
	}
}
