package calsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresBootstrapTimeout = 10 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS calendar_links (
		id BIGSERIAL PRIMARY KEY,
		family_id BIGINT NOT NULL,
		account_id TEXT NOT NULL,
		remote_calendar_id TEXT NOT NULL,
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		sync_cursor TEXT,
		last_sync_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS local_events (
		id BIGSERIAL PRIMARY KEY,
		calendar_link_id BIGINT NOT NULL REFERENCES calendar_links(id) ON DELETE CASCADE,
		remote_event_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed',
		remote_updated_at TIMESTAMPTZ,
		UNIQUE (calendar_link_id, remote_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS watch_channels (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		calendar_link_id BIGINT NOT NULL UNIQUE REFERENCES calendar_links(id) ON DELETE CASCADE,
		verification_token TEXT NOT NULL,
		expiration TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS recurring_patterns (
		id BIGSERIAL PRIMARY KEY,
		family_id BIGINT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL,
		recur_interval INT NOT NULL DEFAULT 1,
		until TIMESTAMPTZ,
		occurrence_count INT NOT NULL DEFAULT 0,
		starts_at TIMESTAMPTZ NOT NULL,
		duration_minutes INT NOT NULL DEFAULT 0,
		horizon TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		id BIGSERIAL PRIMARY KEY,
		pattern_id BIGINT NOT NULL REFERENCES recurring_patterns(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		UNIQUE (pattern_id, starts_at)
	)`,
}

// PostgresStore is the durable Store. The schema bootstraps lazily on first
// use. The per-link lock maps onto a session advisory lock held on a pinned
// connection, giving the single-writer guarantee across processes.
type PostgresStore struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	lockMu    sync.Mutex
	lockConns map[int64]*sql.Conn
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		openDB:    sql.Open,
		lockConns: map[int64]*sql.Conn{},
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresBootstrapTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateCalendarLink(ctx context.Context, link *CalendarLink) error {
	if link == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO calendar_links (family_id, account_id, remote_calendar_id, sync_enabled, sync_cursor, last_sync_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id`,
		link.FamilyID, link.AccountID, link.RemoteCalendarID, link.SyncEnabled,
		link.SyncCursor, nullTime(link.LastSyncAt),
	).Scan(&link.ID)
}

func (s *PostgresStore) GetCalendarLink(ctx context.Context, id int64) (CalendarLink, error) {
	if err := s.ensureReady(); err != nil {
		return CalendarLink{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, account_id, remote_calendar_id, sync_enabled, sync_cursor, last_sync_at
		FROM calendar_links WHERE id = $1`, id)
	return scanLink(row)
}

func (s *PostgresStore) DeleteCalendarLink(ctx context.Context, id int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_links WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListLinksDueForSync(ctx context.Context, lastSyncBefore time.Time) ([]CalendarLink, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, account_id, remote_calendar_id, sync_enabled, sync_cursor, last_sync_at
		FROM calendar_links
		WHERE sync_enabled AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY id`, lastSyncBefore)
	if err != nil {
		return nil, err
	}
	return collectLinks(rows)
}

func (s *PostgresStore) ListLinksWithoutChannel(ctx context.Context) ([]CalendarLink, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.family_id, l.account_id, l.remote_calendar_id, l.sync_enabled, l.sync_cursor, l.last_sync_at
		FROM calendar_links l
		LEFT JOIN watch_channels c ON c.calendar_link_id = l.id
		WHERE l.sync_enabled AND c.id IS NULL
		ORDER BY l.id`)
	if err != nil {
		return nil, err
	}
	return collectLinks(rows)
}

func (s *PostgresStore) SaveSyncCursor(ctx context.Context, linkID int64, cursor string, syncedAt time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links SET sync_cursor = NULLIF($2, ''), last_sync_at = $3 WHERE id = $1`,
		linkID, cursor, syncedAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) ClearSyncCursor(ctx context.Context, linkID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE calendar_links SET sync_cursor = NULL WHERE id = $1`, linkID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) UpsertLocalEvent(ctx context.Context, event LocalEvent) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO local_events (calendar_link_id, remote_event_id, title, starts_at, ends_at, status, remote_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (calendar_link_id, remote_event_id)
		DO UPDATE SET title = EXCLUDED.title, starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at, status = EXCLUDED.status,
			remote_updated_at = EXCLUDED.remote_updated_at
		RETURNING (xmax = 0)`,
		event.CalendarLinkID, event.RemoteEventID, event.Title,
		event.StartsAt, event.EndsAt, event.Status, nullTime(event.RemoteUpdatedAt),
	).Scan(&created)
	return created, err
}

func (s *PostgresStore) DeleteLocalEventByRemoteID(ctx context.Context, linkID int64, remoteEventID string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM local_events WHERE calendar_link_id = $1 AND remote_event_id = $2`,
		linkID, remoteEventID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListLocalEvents(ctx context.Context, linkID int64) ([]LocalEvent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, calendar_link_id, remote_event_id, title, starts_at, ends_at, status, remote_updated_at
		FROM local_events WHERE calendar_link_id = $1 ORDER BY remote_event_id`, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LocalEvent
	for rows.Next() {
		var event LocalEvent
		var remoteUpdated sql.NullTime
		if err := rows.Scan(&event.ID, &event.CalendarLinkID, &event.RemoteEventID,
			&event.Title, &event.StartsAt, &event.EndsAt, &event.Status, &remoteUpdated); err != nil {
			return nil, err
		}
		event.RemoteUpdatedAt = remoteUpdated.Time
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWatchChannel(ctx context.Context, channelID string) (WatchChannel, error) {
	if err := s.ensureReady(); err != nil {
		return WatchChannel{}, err
	}
	return scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, calendar_link_id, verification_token, expiration
		FROM watch_channels WHERE id = $1`, channelID))
}

func (s *PostgresStore) GetChannelForLink(ctx context.Context, linkID int64) (WatchChannel, error) {
	if err := s.ensureReady(); err != nil {
		return WatchChannel{}, err
	}
	return scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, calendar_link_id, verification_token, expiration
		FROM watch_channels WHERE calendar_link_id = $1`, linkID))
}

func (s *PostgresStore) ReplaceWatchChannel(ctx context.Context, channel WatchChannel) (*WatchChannel, error) {
	if channel.ID == "" || channel.CalendarLinkID == 0 {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	prev, err := scanChannel(tx.QueryRowContext(ctx, `
		DELETE FROM watch_channels WHERE calendar_link_id = $1
		RETURNING id, resource_id, calendar_link_id, verification_token, expiration`,
		channel.CalendarLinkID))
	var replaced *WatchChannel
	switch {
	case err == nil:
		replaced = &prev
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO watch_channels (id, resource_id, calendar_link_id, verification_token, expiration)
		VALUES ($1, $2, $3, $4, $5)`,
		channel.ID, channel.ResourceID, channel.CalendarLinkID,
		channel.VerificationToken, channel.Expiration); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return replaced, nil
}

func (s *PostgresStore) DeleteWatchChannel(ctx context.Context, channelID string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM watch_channels WHERE id = $1`, channelID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]WatchChannel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, calendar_link_id, verification_token, expiration
		FROM watch_channels WHERE expiration < $1 ORDER BY expiration`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchChannel
	for rows.Next() {
		var channel WatchChannel
		if err := rows.Scan(&channel.ID, &channel.ResourceID, &channel.CalendarLinkID,
			&channel.VerificationToken, &channel.Expiration); err != nil {
			return nil, err
		}
		out = append(out, channel)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteChannelsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM watch_channels WHERE expiration < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *PostgresStore) CreateRecurringPattern(ctx context.Context, pattern *RecurringPattern) error {
	if pattern == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	var until sql.NullTime
	if pattern.Until != nil {
		until = sql.NullTime{Time: *pattern.Until, Valid: true}
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO recurring_patterns (family_id, title, frequency, recur_interval, until, occurrence_count, starts_at, duration_minutes, horizon)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		pattern.FamilyID, pattern.Title, pattern.Frequency, pattern.Interval,
		until, pattern.Count, pattern.StartsAt, pattern.DurationMinutes, pattern.Horizon,
	).Scan(&pattern.ID)
}

func (s *PostgresStore) ListPatternsWithHorizonBefore(ctx context.Context, cutoff time.Time) ([]RecurringPattern, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, title, frequency, recur_interval, until, occurrence_count, starts_at, duration_minutes, horizon
		FROM recurring_patterns WHERE horizon < $1 ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecurringPattern
	for rows.Next() {
		var pattern RecurringPattern
		var until sql.NullTime
		if err := rows.Scan(&pattern.ID, &pattern.FamilyID, &pattern.Title, &pattern.Frequency,
			&pattern.Interval, &until, &pattern.Count, &pattern.StartsAt,
			&pattern.DurationMinutes, &pattern.Horizon); err != nil {
			return nil, err
		}
		if until.Valid {
			t := until.Time
			pattern.Until = &t
		}
		out = append(out, pattern)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPatternHorizon(ctx context.Context, patternID int64, horizon time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_patterns SET horizon = $2 WHERE id = $1`, patternID, horizon)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) UpsertOccurrence(ctx context.Context, occurrence Occurrence) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO occurrences (pattern_id, title, starts_at, ends_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pattern_id, starts_at)
		DO UPDATE SET title = EXCLUDED.title, ends_at = EXCLUDED.ends_at
		RETURNING (xmax = 0)`,
		occurrence.PatternID, occurrence.Title, occurrence.StartsAt, occurrence.EndsAt,
	).Scan(&created)
	return created, err
}

func (s *PostgresStore) ListOccurrences(ctx context.Context, patternID int64) ([]Occurrence, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_id, title, starts_at, ends_at
		FROM occurrences WHERE pattern_id = $1 ORDER BY starts_at`, patternID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Occurrence
	for rows.Next() {
		var occurrence Occurrence
		if err := rows.Scan(&occurrence.ID, &occurrence.PatternID, &occurrence.Title,
			&occurrence.StartsAt, &occurrence.EndsAt); err != nil {
			return nil, err
		}
		out = append(out, occurrence)
	}
	return out, rows.Err()
}

// TryLockLink takes a session advisory lock on a connection pinned for the
// lock's lifetime, so the unlock reaches the same backend session.
func (s *PostgresStore) TryLockLink(ctx context.Context, linkID int64) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	s.lockMu.Lock()
	if _, held := s.lockConns[linkID]; held {
		s.lockMu.Unlock()
		return false, nil
	}
	s.lockMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, linkID).Scan(&locked); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !locked {
		_ = conn.Close()
		return false, nil
	}

	s.lockMu.Lock()
	if _, held := s.lockConns[linkID]; held {
		s.lockMu.Unlock()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, linkID)
		_ = conn.Close()
		return false, nil
	}
	s.lockConns[linkID] = conn
	s.lockMu.Unlock()
	return true, nil
}

func (s *PostgresStore) UnlockLink(ctx context.Context, linkID int64) error {
	s.lockMu.Lock()
	conn, held := s.lockConns[linkID]
	delete(s.lockConns, linkID)
	s.lockMu.Unlock()
	if !held {
		return nil
	}
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, linkID)
	closeErr := conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (s *PostgresStore) Close() error {
	s.lockMu.Lock()
	for linkID, conn := range s.lockConns {
		_ = conn.Close()
		delete(s.lockConns, linkID)
	}
	s.lockMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (CalendarLink, error) {
	var link CalendarLink
	var cursor sql.NullString
	var lastSync sql.NullTime
	err := row.Scan(&link.ID, &link.FamilyID, &link.AccountID, &link.RemoteCalendarID,
		&link.SyncEnabled, &cursor, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarLink{}, ErrNotFound
	}
	if err != nil {
		return CalendarLink{}, err
	}
	link.SyncCursor = cursor.String
	link.LastSyncAt = lastSync.Time
	return link, nil
}

func collectLinks(rows *sql.Rows) ([]CalendarLink, error) {
	defer rows.Close()
	var out []CalendarLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func scanChannel(row rowScanner) (WatchChannel, error) {
	var channel WatchChannel
	err := row.Scan(&channel.ID, &channel.ResourceID, &channel.CalendarLinkID,
		&channel.VerificationToken, &channel.Expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return WatchChannel{}, ErrNotFound
	}
	if err != nil {
		return WatchChannel{}, err
	}
	return channel, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
