// Package calsync keeps a local event store consistent with remote calendar
// accounts reachable through a rate-limited, eventually-consistent API. It
// holds the sync engine, the watch-channel lifecycle manager, the webhook
// ingestion state machine, and the recurring-event horizon extender.
package calsync

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrSyncInFlight reports that another sync already holds the
	// per-calendar-link lock. The caller may safely skip: sync is idempotent
	// and the in-flight run covers the same change window.
	ErrSyncInFlight = errors.New("sync already in flight for calendar link")
)

// Logger is the narrow logging surface components accept. A nil Logger
// disables logging.
type Logger interface {
	Printf(format string, args ...any)
}

// CalendarLink binds one remote calendar to one local family account.
// SyncCursor is empty only before the first successful full sync; it is
// mutated exclusively by the Engine.
type CalendarLink struct {
	ID               int64
	FamilyID         int64
	AccountID        string
	RemoteCalendarID string
	SyncEnabled      bool
	SyncCursor       string
	LastSyncAt       time.Time
}

// LocalEvent is the materialized projection of one remote event. Rows are
// mutated exclusively by the Engine; a remote "cancelled" status deletes the
// row rather than soft-flagging it.
type LocalEvent struct {
	ID              int64
	CalendarLinkID  int64
	RemoteEventID   string
	Title           string
	StartsAt        time.Time
	EndsAt          time.Time
	Status          string
	RemoteUpdatedAt time.Time
}

// WatchChannel is one active push-notification subscription. At most one
// channel exists per calendar link; VerificationToken is the shared secret
// compared on inbound webhooks and is never exposed to end users.
type WatchChannel struct {
	ID                string
	ResourceID        string
	CalendarLinkID    int64
	VerificationToken string
	Expiration        time.Time
}

// Recurrence frequencies understood by the horizon extender.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

// RecurringPattern is a recurrence rule plus the horizon timestamp marking
// how far into the future its occurrences have been materialized.
type RecurringPattern struct {
	ID              int64
	FamilyID        int64
	Title           string
	Frequency       string
	Interval        int
	Until           *time.Time
	Count           int
	StartsAt        time.Time
	DurationMinutes int
	Horizon         time.Time
}

// Occurrence is one materialized instance of a recurring pattern, keyed by
// (PatternID, StartsAt).
type Occurrence struct {
	ID        int64
	PatternID int64
	Title     string
	StartsAt  time.Time
	EndsAt    time.Time
}

// Store is the persistence surface shared by the sync core. Upserts report
// whether they inserted; deletes report whether a row existed, making both
// idempotent. TryLockLink/UnlockLink provide the per-calendar-link
// single-writer guarantee for cursor mutation.
type Store interface {
	CreateCalendarLink(ctx context.Context, link *CalendarLink) error
	GetCalendarLink(ctx context.Context, id int64) (CalendarLink, error)
	DeleteCalendarLink(ctx context.Context, id int64) error
	ListLinksDueForSync(ctx context.Context, lastSyncBefore time.Time) ([]CalendarLink, error)
	ListLinksWithoutChannel(ctx context.Context) ([]CalendarLink, error)
	SaveSyncCursor(ctx context.Context, linkID int64, cursor string, syncedAt time.Time) error
	ClearSyncCursor(ctx context.Context, linkID int64) error

	UpsertLocalEvent(ctx context.Context, event LocalEvent) (created bool, err error)
	DeleteLocalEventByRemoteID(ctx context.Context, linkID int64, remoteEventID string) (deleted bool, err error)
	ListLocalEvents(ctx context.Context, linkID int64) ([]LocalEvent, error)

	GetWatchChannel(ctx context.Context, channelID string) (WatchChannel, error)
	GetChannelForLink(ctx context.Context, linkID int64) (WatchChannel, error)
	ReplaceWatchChannel(ctx context.Context, channel WatchChannel) (replaced *WatchChannel, err error)
	DeleteWatchChannel(ctx context.Context, channelID string) (deleted bool, err error)
	ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]WatchChannel, error)
	DeleteChannelsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateRecurringPattern(ctx context.Context, pattern *RecurringPattern) error
	ListPatternsWithHorizonBefore(ctx context.Context, cutoff time.Time) ([]RecurringPattern, error)
	SetPatternHorizon(ctx context.Context, patternID int64, horizon time.Time) error
	UpsertOccurrence(ctx context.Context, occurrence Occurrence) (created bool, err error)
	ListOccurrences(ctx context.Context, patternID int64) ([]Occurrence, error)

	TryLockLink(ctx context.Context, linkID int64) (bool, error)
	UnlockLink(ctx context.Context, linkID int64) error

	Close() error
}

// BuildStoreFromDSN maps a storage DSN onto a Store implementation:
// "memory://" yields the in-process store, anything postgres-shaped yields
// the Postgres store.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host="):
		return NewPostgresStore(dsn)
	default:
		return nil, errors.New("unsupported store DSN: " + dsn)
	}
}
