package calsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/famstack/calsyncd/internal/remotecal"
)

func TestCreateWatchChannelPersistsTokenAndExpiration(t *testing.T) {
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	expiry := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{
		watchFn: func(req remotecal.WatchRequest) (remotecal.Channel, error) {
			if req.Address != "https://app.example.com/v1/webhooks/calendar" {
				t.Fatalf("unexpected callback address %q", req.Address)
			}
			return remotecal.Channel{
				ID:         req.ID,
				ResourceID: "res-9",
				Expiration: expiry.UnixMilli(),
			}, nil
		},
	}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com/",
	})

	channel, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if channel.VerificationToken == "" {
		t.Fatal("expected a generated verification token")
	}
	if !channel.Expiration.Equal(expiry) {
		t.Fatalf("expiration %s, want %s", channel.Expiration, expiry)
	}

	stored, err := store.GetChannelForLink(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("stored channel: %v", err)
	}
	if stored.ID != channel.ID || stored.ResourceID != "res-9" {
		t.Fatalf("unexpected stored channel %+v", stored)
	}
}

func TestCreateWatchChannelReplacesAndStopsOldChannel(t *testing.T) {
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	remote := &fakeRemote{}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
	})

	first, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("renewal must mint a fresh channel id")
	}
	if len(remote.stopped) != 1 || remote.stopped[0] != first.ID {
		t.Fatalf("expected old channel stopped, got %v", remote.stopped)
	}
	if _, err := store.GetWatchChannel(context.Background(), first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old channel row should be gone, got %v", err)
	}
}

func TestCreateWatchChannelSurvivesStopFailure(t *testing.T) {
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	remote := &fakeRemote{stopErr: errors.New("remote hiccup")}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
	})

	if _, err := manager.CreateWatchChannel(context.Background(), link.ID); err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("replacement must succeed despite stop failure: %v", err)
	}
	stored, err := store.GetChannelForLink(context.Background(), link.ID)
	if err != nil || stored.ID != second.ID {
		t.Fatalf("new channel should be active: %+v err=%v", stored, err)
	}
}

func TestCreateWatchChannelRequiresCallbackURL(t *testing.T) {
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	manager := NewChannelManager(store, &fakeRemote{}, ChannelManagerOptions{})

	_, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if !errors.Is(err, ErrCallbackURLNotConfigured) {
		t.Fatalf("expected ErrCallbackURLNotConfigured, got %v", err)
	}
}

func TestChannelsNeedingRenewalWindow(t *testing.T) {
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
			t.Fatalf("seed channel %s: %v", id, err)
		}
	}
	seed("soon", link.ID, now.Add(30*time.Minute))
	seed("later", other.ID, now.Add(3*time.Hour))

	manager := NewChannelManager(store, &fakeRemote{}, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
		Now:             func() time.Time { return now },
	})

	due, err := manager.ChannelsNeedingRenewal(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("needing renewal: %v", err)
	}
	if len(due) != 1 || due[0].ID != "soon" {
		t.Fatalf("expected only the soon-expiring channel, got %+v", due)
	}
}

func TestStopChannelForLink(t *testing.T) {
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	remote := &fakeRemote{}
	manager := NewChannelManager(store, remote, ChannelManagerOptions{
		CallbackBaseURL: "https://app.example.com",
	})
	channel, err := manager.CreateWatchChannel(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := manager.StopChannelForLink(context.Background(), link.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(remote.stopped) != 1 || remote.stopped[0] != channel.ID {
		t.Fatalf("expected remote stop of %s, got %v", channel.ID, remote.stopped)
	}
	if _, err := store.GetChannelForLink(context.Background(), link.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("channel row should be deleted, got %v", err)
	}

	// Stopping again is a no-op.
	if err := manager.StopChannelForLink(context.Background(), link.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestVerifyChannelToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	link := newTestLink(t, store, "")
	if _, err := store.ReplaceWatchChannel(context.Background(), WatchChannel{
		ID:                "chan-1",
		ResourceID:        "res-1",
		CalendarLinkID:    link.ID,
		VerificationToken: "secret",
		Expiration:        now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	manager := NewChannelManager(store, &fakeRemote{}, ChannelManagerOptions{
		Now: func() time.Time { return now },
	})

	if linkID, ok := manager.VerifyChannelToken(context.Background(), "chan-1", "secret"); !ok || linkID != link.ID {
		t.Fatalf("valid token rejected: linkID=%d ok=%v", linkID, ok)
	}
	if _, ok := manager.VerifyChannelToken(context.Background(), "chan-1", "wrong"); ok {
		t.Fatal("wrong token accepted")
	}
	if _, ok := manager.VerifyChannelToken(context.Background(), "missing", "secret"); ok {
		t.Fatal("unknown channel accepted")
	}

	expired := NewChannelManager(store, &fakeRemote{}, ChannelManagerOptions{
		Now: func() time.Time { return now.Add(2 * time.Hour) },
	})
	if _, ok := expired.VerifyChannelToken(context.Background(), "chan-1", "secret"); ok {
		t.Fatal("expired channel accepted")
	}
}
