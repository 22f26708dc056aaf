package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/famstack/calsyncd/internal/remotecal"
)

// SyncResult summarizes one sync run. Complete is false only when pagination
// was cut short by the per-call page bound; the next run resumes from the
// last-saved cursor and reprocessing is safe because upserts are idempotent.
type SyncResult struct {
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
	Cursor   string `json:"cursor,omitempty"`
	Complete bool   `json:"complete"`
}

func (r SyncResult) changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}

// Notifier receives a best-effort signal after a sync mutated local state.
// Implementations must never block the caller; delivery is at most once.
type Notifier interface {
	EventsChanged(linkID int64, result SyncResult)
}

// EngineOptions tune a new Engine. Zero values select defaults.
type EngineOptions struct {
	// MaxPagesPerSync bounds remote pagination within one call to cap
	// latency. Default 10.
	MaxPagesPerSync int
	// PageSize is the per-page maxResults hint sent to the remote. Default 250.
	PageSize int
	Notifier Notifier
	Logger   Logger
	Now      func() time.Time
}

// Engine reconciles remote calendar state into the local event store. It is
// the only component that mutates LocalEvents and sync cursors, always under
// the per-link lock.
type Engine struct {
	store    Store
	remote   remotecal.Client
	notifier Notifier
	logger   Logger
	maxPages int
	pageSize int
	now      func() time.Time
}

func NewEngine(store Store, remote remotecal.Client, opts EngineOptions) *Engine {
	if opts.MaxPagesPerSync <= 0 {
		opts.MaxPagesPerSync = 10
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 250
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:    store,
		remote:   remote,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		maxPages: opts.MaxPagesPerSync,
		pageSize: opts.PageSize,
		now:      opts.Now,
	}
}

// Sync runs the appropriate sync for a link: initial when no cursor exists
// yet, incremental otherwise.
func (e *Engine) Sync(ctx context.Context, linkID int64) (SyncResult, error) {
	return e.withLink(ctx, linkID, func(link CalendarLink) (SyncResult, error) {
		if link.SyncCursor == "" {
			return e.initialSync(ctx, link)
		}
		return e.incrementalSync(ctx, link)
	})
}

// PerformInitialSync enumerates all current remote state and persists the
// final continuation cursor.
func (e *Engine) PerformInitialSync(ctx context.Context, linkID int64) (SyncResult, error) {
	return e.withLink(ctx, linkID, func(link CalendarLink) (SyncResult, error) {
		return e.initialSync(ctx, link)
	})
}

// PerformIncrementalSync applies remote changes since the stored cursor,
// falling back to a full sync when the remote invalidates the cursor.
func (e *Engine) PerformIncrementalSync(ctx context.Context, linkID int64) (SyncResult, error) {
	return e.withLink(ctx, linkID, func(link CalendarLink) (SyncResult, error) {
		return e.incrementalSync(ctx, link)
	})
}

// withLink serializes syncs per calendar link. A busy lock coalesces: the
// caller gets ErrSyncInFlight and relies on the in-flight run (or the next
// scheduled cycle) to cover the delta.
func (e *Engine) withLink(ctx context.Context, linkID int64, run func(CalendarLink) (SyncResult, error)) (SyncResult, error) {
	locked, err := e.store.TryLockLink(ctx, linkID)
	if err != nil {
		return SyncResult{}, err
	}
	if !locked {
		return SyncResult{}, fmt.Errorf("link %d: %w", linkID, ErrSyncInFlight)
	}
	defer func() {
		if unlockErr := e.store.UnlockLink(context.WithoutCancel(ctx), linkID); unlockErr != nil {
			e.logf("unlock link %d: %v", linkID, unlockErr)
		}
	}()

	link, err := e.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		return SyncResult{}, err
	}
	result, err := run(link)
	if err == nil && result.changed() && e.notifier != nil {
		e.notifier.EventsChanged(linkID, result)
	}
	return result, err
}

func (e *Engine) initialSync(ctx context.Context, link CalendarLink) (SyncResult, error) {
	result := SyncResult{}
	pageToken := ""
	for page := 0; page < e.maxPages; page++ {
		events, err := e.remote.ListEvents(ctx, link.AccountID, link.RemoteCalendarID, remotecal.ListOptions{
			PageToken:  pageToken,
			MaxResults: e.pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("initial sync link %d: %w", link.ID, err)
		}
		if err := e.applyPage(ctx, link, events.Items, &result); err != nil {
			return result, err
		}
		if events.NextSyncToken != "" {
			if err := e.store.SaveSyncCursor(ctx, link.ID, events.NextSyncToken, e.now()); err != nil {
				return result, err
			}
			result.Cursor = events.NextSyncToken
			result.Complete = true
			return result, nil
		}
		if events.NextPageToken == "" {
			// Remote ended pagination without issuing a continuation cursor;
			// the next run restarts from scratch, which the upserts absorb.
			e.logf("initial sync link %d: listing ended without sync token", link.ID)
			result.Complete = true
			return result, nil
		}
		pageToken = events.NextPageToken
	}
	// Page bound hit; cursor untouched so the next call re-enumerates.
	return result, nil
}

func (e *Engine) incrementalSync(ctx context.Context, link CalendarLink) (SyncResult, error) {
	if link.SyncCursor == "" {
		return e.initialSync(ctx, link)
	}
	result := SyncResult{}
	opts := remotecal.ListOptions{SyncToken: link.SyncCursor, MaxResults: e.pageSize}
	for page := 0; page < e.maxPages; page++ {
		events, err := e.remote.ListEvents(ctx, link.AccountID, link.RemoteCalendarID, opts)
		if err != nil {
			if errors.Is(err, remotecal.ErrCursorInvalid) {
				// The remote expired the cursor at its discretion; self-heal
				// with a full resync instead of surfacing the error.
				e.logf("link %d: sync cursor invalidated, falling back to full sync", link.ID)
				if clearErr := e.store.ClearSyncCursor(ctx, link.ID); clearErr != nil {
					return result, clearErr
				}
				return e.initialSync(ctx, link)
			}
			return result, fmt.Errorf("incremental sync link %d: %w", link.ID, err)
		}
		if err := e.applyPage(ctx, link, events.Items, &result); err != nil {
			return result, err
		}
		if events.NextSyncToken != "" {
			if err := e.store.SaveSyncCursor(ctx, link.ID, events.NextSyncToken, e.now()); err != nil {
				return result, err
			}
			result.Cursor = events.NextSyncToken
			result.Complete = true
			return result, nil
		}
		if events.NextPageToken == "" {
			e.logf("incremental sync link %d: listing ended without sync token", link.ID)
			result.Complete = true
			return result, nil
		}
		opts = remotecal.ListOptions{PageToken: events.NextPageToken, MaxResults: e.pageSize}
	}
	// Pagination-continuation limit reached. The stored cursor has not
	// advanced; a follow-up call retries the same window.
	return result, nil
}

func (e *Engine) applyPage(ctx context.Context, link CalendarLink, items []remotecal.Event, result *SyncResult) error {
	for _, item := range items {
		if item.Status == "cancelled" {
			deleted, err := e.store.DeleteLocalEventByRemoteID(ctx, link.ID, item.ID)
			if err != nil {
				return err
			}
			if deleted {
				result.Deleted++
			}
			continue
		}
		local, err := projectEvent(link.ID, item)
		if err != nil {
			e.logf("link %d: skipping unprojectable event %s: %v", link.ID, item.ID, err)
			continue
		}
		created, err := e.store.UpsertLocalEvent(ctx, local)
		if err != nil {
			return err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}
	return nil
}

func projectEvent(linkID int64, item remotecal.Event) (LocalEvent, error) {
	start, err := item.Start.Resolve()
	if err != nil {
		return LocalEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := item.End.Resolve()
	if err != nil {
		return LocalEvent{}, fmt.Errorf("end: %w", err)
	}
	status := item.Status
	if status == "" {
		status = "confirmed"
	}
	return LocalEvent{
		CalendarLinkID:  linkID,
		RemoteEventID:   item.ID,
		Title:           item.Summary,
		StartsAt:        start,
		EndsAt:          end,
		Status:          status,
		RemoteUpdatedAt: item.Updated,
	}, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
