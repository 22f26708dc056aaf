package calsync

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/famstack/calsyncd/internal/remotecal"
)

// ErrCallbackURLNotConfigured reports a missing public callback base URL.
// This is a deployment defect, not a transient fault; creation fails fast.
var ErrCallbackURLNotConfigured = errors.New("watch channels require a public callback base URL; set callback_base_url")

// WebhookPath is where the remote push service delivers notifications,
// relative to the callback base URL.
const WebhookPath = "/v1/webhooks/calendar"

// ChannelManagerOptions tune a new ChannelManager. Zero values select
// defaults.
type ChannelManagerOptions struct {
	// CallbackBaseURL is the public base URL the remote pushes to. Required
	// for channel creation.
	CallbackBaseURL string
	// ChannelTTL is the requested channel lifetime. Default 7 days.
	ChannelTTL time.Duration
	// RenewalLookahead is how far before expiration a channel counts as
	// needing renewal. Default 1 hour.
	RenewalLookahead time.Duration
	Logger           Logger
	Now              func() time.Time
}

// ChannelManager creates, renews, and tears down push-notification channels,
// one active channel per calendar link.
type ChannelManager struct {
	store            Store
	remote           remotecal.Client
	callbackBaseURL  string
	channelTTL       time.Duration
	renewalLookahead time.Duration
	logger           Logger
	now              func() time.Time
}

func NewChannelManager(store Store, remote remotecal.Client, opts ChannelManagerOptions) *ChannelManager {
	if opts.ChannelTTL <= 0 {
		opts.ChannelTTL = 7 * 24 * time.Hour
	}
	if opts.RenewalLookahead <= 0 {
		opts.RenewalLookahead = time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ChannelManager{
		store:            store,
		remote:           remote,
		callbackBaseURL:  strings.TrimRight(strings.TrimSpace(opts.CallbackBaseURL), "/"),
		channelTTL:       opts.ChannelTTL,
		renewalLookahead: opts.RenewalLookahead,
		logger:           opts.Logger,
		now:              opts.Now,
	}
}

// RenewalLookahead exposes the configured lookahead window.
func (m *ChannelManager) RenewalLookahead() time.Duration {
	return m.renewalLookahead
}

// CreateWatchChannel registers a fresh channel for a link, replacing any
// prior one. Stopping the replaced remote channel is best-effort: a failure
// is logged, not fatal, since the old channel simply expires.
func (m *ChannelManager) CreateWatchChannel(ctx context.Context, linkID int64) (WatchChannel, error) {
	if m.callbackBaseURL == "" {
		return WatchChannel{}, ErrCallbackURLNotConfigured
	}
	link, err := m.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		return WatchChannel{}, fmt.Errorf("create channel: %w", err)
	}

	channelID := "chan-" + randomHex(16)
	token := randomHex(32)
	remoteChannel, err := m.remote.Watch(ctx, link.AccountID, link.RemoteCalendarID, remotecal.WatchRequest{
		ID:      channelID,
		Token:   token,
		Address: m.callbackBaseURL + WebhookPath,
		TTL:     m.channelTTL,
	})
	if err != nil {
		return WatchChannel{}, fmt.Errorf("watch request for link %d: %w", linkID, err)
	}

	expiration := remoteChannel.ExpirationTime()
	if expiration.IsZero() {
		expiration = m.now().Add(m.channelTTL)
	}
	channel := WatchChannel{
		ID:                remoteChannel.ID,
		ResourceID:        remoteChannel.ResourceID,
		CalendarLinkID:    linkID,
		VerificationToken: token,
		Expiration:        expiration,
	}
	if channel.ID == "" {
		channel.ID = channelID
	}

	replaced, err := m.store.ReplaceWatchChannel(ctx, channel)
	if err != nil {
		return WatchChannel{}, err
	}
	if replaced != nil && replaced.ID != channel.ID {
		if stopErr := m.remote.StopChannel(ctx, link.AccountID, replaced.ID, replaced.ResourceID); stopErr != nil {
			m.logf("stop replaced channel %s for link %d: %v", replaced.ID, linkID, stopErr)
		}
	}
	return channel, nil
}

// ChannelsNeedingRenewal lists channels whose expiration falls within the
// given window. Renewal is re-running creation, which replaces idempotently.
func (m *ChannelManager) ChannelsNeedingRenewal(ctx context.Context, within time.Duration) ([]WatchChannel, error) {
	if within <= 0 {
		within = m.renewalLookahead
	}
	return m.store.ListChannelsExpiringBefore(ctx, m.now().Add(within))
}

// StopChannelForLink stops and removes a link's channel, locally and
// remotely. Used on unlink.
func (m *ChannelManager) StopChannelForLink(ctx context.Context, linkID int64) error {
	channel, err := m.store.GetChannelForLink(ctx, linkID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	link, err := m.store.GetCalendarLink(ctx, linkID)
	if err == nil {
		if stopErr := m.remote.StopChannel(ctx, link.AccountID, channel.ID, channel.ResourceID); stopErr != nil {
			m.logf("stop channel %s for link %d: %v", channel.ID, linkID, stopErr)
		}
	}
	_, err = m.store.DeleteWatchChannel(ctx, channel.ID)
	return err
}

// VerifyChannelToken resolves the owning calendar link for a notification,
// only when both channel id and token match a stored, non-expired channel.
// This is the sole trust boundary for inbound webhooks.
func (m *ChannelManager) VerifyChannelToken(ctx context.Context, channelID, token string) (int64, bool) {
	channel, err := m.store.GetWatchChannel(ctx, channelID)
	if err != nil {
		return 0, false
	}
	if subtle.ConstantTimeCompare([]byte(channel.VerificationToken), []byte(token)) != 1 {
		return 0, false
	}
	if !channel.Expiration.After(m.now()) {
		return 0, false
	}
	return channel.CalendarLinkID, true
}

func (m *ChannelManager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
