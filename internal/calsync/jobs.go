package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BatchResult aggregates independent per-entity job outcomes. Failures never
// abort the batch; coalesced syncs count as skipped.
type BatchResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// CleanupResult reports how many expired channel rows, and with them their
// verification tokens, were purged.
type CleanupResult struct {
	ChannelsDeleted int `json:"channelsDeleted"`
}

// RunnerOptions tune a new Runner. Zero values select defaults.
type RunnerOptions struct {
	// SyncStaleAfter: a link is due for sync when its last sync is older
	// than this. Default 30 minutes.
	SyncStaleAfter time.Duration
	// EntityTimeout bounds each per-entity job. Default 2 minutes.
	EntityTimeout time.Duration
	Logger        Logger
	Now           func() time.Time
}

// Runner fans scheduled work out to per-entity jobs running in parallel,
// bounded only by the remote's own rate limits, and collects a
// partial-failure summary instead of raising.
type Runner struct {
	store          Store
	engine         *Engine
	channels       *ChannelManager
	extender       *Extender
	syncStaleAfter time.Duration
	entityTimeout  time.Duration
	logger         Logger
	now            func() time.Time
}

func NewRunner(store Store, engine *Engine, channels *ChannelManager, extender *Extender, opts RunnerOptions) *Runner {
	if opts.SyncStaleAfter <= 0 {
		opts.SyncStaleAfter = 30 * time.Minute
	}
	if opts.EntityTimeout <= 0 {
		opts.EntityTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		store:          store,
		engine:         engine,
		channels:       channels,
		extender:       extender,
		syncStaleAfter: opts.SyncStaleAfter,
		entityTimeout:  opts.EntityTimeout,
		logger:         opts.Logger,
		now:            opts.Now,
	}
}

// SyncDueCalendars syncs every enabled link whose last sync is stale.
func (r *Runner) SyncDueCalendars(ctx context.Context) (BatchResult, error) {
	links, err := r.store.ListLinksDueForSync(ctx, r.now().Add(-r.syncStaleAfter))
	if err != nil {
		return BatchResult{}, err
	}
	ids := make([]int64, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.ID)
	}
	return r.fanOut(ctx, "sync link", ids, func(entityCtx context.Context, linkID int64) error {
		_, err := r.engine.Sync(entityCtx, linkID)
		return err
	}), nil
}

// RenewExpiringChannels replaces channels expiring within the lookahead.
func (r *Runner) RenewExpiringChannels(ctx context.Context) (BatchResult, error) {
	channels, err := r.channels.ChannelsNeedingRenewal(ctx, r.channels.RenewalLookahead())
	if err != nil {
		return BatchResult{}, err
	}
	ids := make([]int64, 0, len(channels))
	for _, channel := range channels {
		ids = append(ids, channel.CalendarLinkID)
	}
	return r.fanOut(ctx, "renew channel for link", ids, func(entityCtx context.Context, linkID int64) error {
		_, err := r.channels.CreateWatchChannel(entityCtx, linkID)
		return err
	}), nil
}

// SetupMissingChannels creates channels for sync-enabled links without one.
func (r *Runner) SetupMissingChannels(ctx context.Context) (BatchResult, error) {
	links, err := r.store.ListLinksWithoutChannel(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	ids := make([]int64, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.ID)
	}
	return r.fanOut(ctx, "setup channel for link", ids, func(entityCtx context.Context, linkID int64) error {
		_, err := r.channels.CreateWatchChannel(entityCtx, linkID)
		return err
	}), nil
}

// ExtendRecurringEvents runs the horizon extender under the entity timeout;
// the scheduler invoking it may itself be time-limited.
func (r *Runner) ExtendRecurringEvents(ctx context.Context) (ExtendResult, error) {
	jobCtx, cancel := context.WithTimeout(ctx, r.entityTimeout)
	defer cancel()
	return r.extender.ExtendRecurringEvents(jobCtx)
}

// CleanupExpiredTokens purges watch-channel rows past expiration, discarding
// their verification tokens.
func (r *Runner) CleanupExpiredTokens(ctx context.Context) (CleanupResult, error) {
	deleted, err := r.store.DeleteChannelsExpiredBefore(ctx, r.now())
	if err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{ChannelsDeleted: deleted}, nil
}

// fanOut dispatches one goroutine per entity with a bounded timeout and
// aggregates outcomes under a shared lock.
func (r *Runner) fanOut(ctx context.Context, what string, ids []int64, run func(context.Context, int64) error) BatchResult {
	result := BatchResult{Attempted: len(ids)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(entityID int64) {
			defer wg.Done()
			entityCtx, cancel := context.WithTimeout(ctx, r.entityTimeout)
			defer cancel()
			err := run(entityCtx, entityID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, ErrSyncInFlight):
				result.Skipped++
			default:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s %d: %v", what, entityID, err))
			}
		}(id)
	}
	wg.Wait()
	if result.Failed > 0 {
		r.logf("%s batch: %d/%d failed", what, result.Failed, result.Attempted)
	}
	return result
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
