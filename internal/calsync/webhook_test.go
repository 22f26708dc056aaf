package calsync

import (
	"context"
	"testing"
	"time"
)

func newWebhookFixture(t *testing.T) (*Ingestor, *[]int64) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	link := newTestLink(t, store, "abc")
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
	triggered := &[]int64{}
	ingestor := NewIngestor(manager, func(linkID int64) {
		*triggered = append(*triggered, linkID)
	}, nil)
	return ingestor, triggered
}

func TestIngestOutcomes(t *testing.T) {
	valid := Notification{
		ChannelID:     "chan-1",
		Token:         "secret",
		ResourceID:    "res-1",
		ResourceState: "exists",
		MessageNumber: 7,
	}

	cases := []struct {
		name         string
		mutate       func(*Notification)
		want         Outcome
		wantTriggers int
	}{
		{"change notification triggers sync", func(*Notification) {}, OutcomeTriggered, 1},
		{"handshake ping validates without sync", func(n *Notification) { n.ResourceState = ResourceStateSync }, OutcomeValidated, 0},
		{"missing channel id is malformed", func(n *Notification) { n.ChannelID = "" }, OutcomeMalformed, 0},
		{"missing token is malformed", func(n *Notification) { n.Token = "" }, OutcomeMalformed, 0},
		{"missing resource state is malformed", func(n *Notification) { n.ResourceState = "" }, OutcomeMalformed, 0},
		{"zero message number is malformed", func(n *Notification) { n.MessageNumber = 0 }, OutcomeMalformed, 0},
		{"wrong token is rejected", func(n *Notification) { n.Token = "forged" }, OutcomeRejected, 0},
		{"unknown channel is rejected", func(n *Notification) { n.ChannelID = "chan-404" }, OutcomeRejected, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ingestor, triggered := newWebhookFixture(t)
			n := valid
			tc.mutate(&n)
			if got := ingestor.Ingest(context.Background(), n); got != tc.want {
				t.Fatalf("outcome %s, want %s", got, tc.want)
			}
			if len(*triggered) != tc.wantTriggers {
				t.Fatalf("triggers %d, want %d", len(*triggered), tc.wantTriggers)
			}
		})
	}
}

func TestIngestRepeatedNotificationsTriggerEachTime(t *testing.T) {
	ingestor, triggered := newWebhookFixture(t)
	n := Notification{
		ChannelID:     "chan-1",
		Token:         "secret",
		ResourceID:    "res-1",
		ResourceState: "exists",
		MessageNumber: 1,
	}
	for i := 0; i < 3; i++ {
		n.MessageNumber = int64(i + 1)
		if got := ingestor.Ingest(context.Background(), n); got != OutcomeTriggered {
			t.Fatalf("notification %d: outcome %s", i, got)
		}
	}
	if len(*triggered) != 3 {
		t.Fatalf("expected 3 triggers, got %d", len(*triggered))
	}
}
