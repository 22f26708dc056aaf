package calsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It backs tests and the memory://
// profile; the Postgres store carries the same semantics durably.
type MemoryStore struct {
	mu sync.Mutex

	nextLinkID       int64
	nextEventID      int64
	nextPatternID    int64
	nextOccurrenceID int64

	links       map[int64]CalendarLink
	events      map[int64]map[string]LocalEvent // linkID -> remoteEventID -> event
	channels    map[string]WatchChannel         // channelID -> channel
	patterns    map[int64]RecurringPattern
	occurrences map[int64]map[int64]Occurrence // patternID -> occurrenceID -> occurrence

	linkLocks map[int64]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextLinkID:       1,
		nextEventID:      1,
		nextPatternID:    1,
		nextOccurrenceID: 1,
		links:            map[int64]CalendarLink{},
		events:           map[int64]map[string]LocalEvent{},
		channels:         map[string]WatchChannel{},
		patterns:         map[int64]RecurringPattern{},
		occurrences:      map[int64]map[int64]Occurrence{},
		linkLocks:        map[int64]bool{},
	}
}

func (s *MemoryStore) CreateCalendarLink(ctx context.Context, link *CalendarLink) error {
	if link == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	link.ID = s.nextLinkID
	s.nextLinkID++
	s.links[link.ID] = *link
	return nil
}

func (s *MemoryStore) GetCalendarLink(ctx context.Context, id int64) (CalendarLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[id]
	if !ok {
		return CalendarLink{}, ErrNotFound
	}
	return link, nil
}

func (s *MemoryStore) DeleteCalendarLink(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; !ok {
		return ErrNotFound
	}
	delete(s.links, id)
	delete(s.events, id)
	for channelID, channel := range s.channels {
		if channel.CalendarLinkID == id {
			delete(s.channels, channelID)
		}
	}
	return nil
}

func (s *MemoryStore) ListLinksDueForSync(ctx context.Context, lastSyncBefore time.Time) ([]CalendarLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CalendarLink
	for _, link := range s.links {
		if !link.SyncEnabled {
			continue
		}
		if link.LastSyncAt.IsZero() || link.LastSyncAt.Before(lastSyncBefore) {
			out = append(out, link)
		}
	}
	sortLinks(out)
	return out, nil
}

func (s *MemoryStore) ListLinksWithoutChannel(ctx context.Context) ([]CalendarLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	withChannel := map[int64]bool{}
	for _, channel := range s.channels {
		withChannel[channel.CalendarLinkID] = true
	}
	var out []CalendarLink
	for _, link := range s.links {
		if link.SyncEnabled && !withChannel[link.ID] {
			out = append(out, link)
		}
	}
	sortLinks(out)
	return out, nil
}

func (s *MemoryStore) SaveSyncCursor(ctx context.Context, linkID int64, cursor string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return ErrNotFound
	}
	link.SyncCursor = cursor
	link.LastSyncAt = syncedAt
	s.links[linkID] = link
	return nil
}

func (s *MemoryStore) ClearSyncCursor(ctx context.Context, linkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return ErrNotFound
	}
	link.SyncCursor = ""
	s.links[linkID] = link
	return nil
}

func (s *MemoryStore) UpsertLocalEvent(ctx context.Context, event LocalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRemoteID, ok := s.events[event.CalendarLinkID]
	if !ok {
		byRemoteID = map[string]LocalEvent{}
		s.events[event.CalendarLinkID] = byRemoteID
	}
	existing, exists := byRemoteID[event.RemoteEventID]
	if exists {
		event.ID = existing.ID
	} else {
		event.ID = s.nextEventID
		s.nextEventID++
	}
	byRemoteID[event.RemoteEventID] = event
	return !exists, nil
}

func (s *MemoryStore) DeleteLocalEventByRemoteID(ctx context.Context, linkID int64, remoteEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRemoteID, ok := s.events[linkID]
	if !ok {
		return false, nil
	}
	if _, exists := byRemoteID[remoteEventID]; !exists {
		return false, nil
	}
	delete(byRemoteID, remoteEventID)
	return true, nil
}

func (s *MemoryStore) ListLocalEvents(ctx context.Context, linkID int64) ([]LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalEvent
	for _, event := range s.events[linkID] {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteEventID < out[j].RemoteEventID })
	return out, nil
}

func (s *MemoryStore) GetWatchChannel(ctx context.Context, channelID string) (WatchChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return WatchChannel{}, ErrNotFound
	}
	return channel, nil
}

func (s *MemoryStore) GetChannelForLink(ctx context.Context, linkID int64) (WatchChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, channel := range s.channels {
		if channel.CalendarLinkID == linkID {
			return channel, nil
		}
	}
	return WatchChannel{}, ErrNotFound
}

func (s *MemoryStore) ReplaceWatchChannel(ctx context.Context, channel WatchChannel) (*WatchChannel, error) {
	if channel.ID == "" || channel.CalendarLinkID == 0 {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var replaced *WatchChannel
	for channelID, existing := range s.channels {
		if existing.CalendarLinkID == channel.CalendarLinkID {
			prev := existing
			replaced = &prev
			delete(s.channels, channelID)
		}
	}
	s.channels[channel.ID] = channel
	return replaced, nil
}

func (s *MemoryStore) DeleteWatchChannel(ctx context.Context, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return false, nil
	}
	delete(s.channels, channelID)
	return true, nil
}

func (s *MemoryStore) ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]WatchChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WatchChannel
	for _, channel := range s.channels {
		if channel.Expiration.Before(cutoff) {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiration.Before(out[j].Expiration) })
	return out, nil
}

func (s *MemoryStore) DeleteChannelsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for channelID, channel := range s.channels {
		if channel.Expiration.Before(cutoff) {
			delete(s.channels, channelID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateRecurringPattern(ctx context.Context, pattern *RecurringPattern) error {
	if pattern == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern.ID = s.nextPatternID
	s.nextPatternID++
	s.patterns[pattern.ID] = *pattern
	return nil
}

func (s *MemoryStore) ListPatternsWithHorizonBefore(ctx context.Context, cutoff time.Time) ([]RecurringPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecurringPattern
	for _, pattern := range s.patterns {
		if pattern.Horizon.Before(cutoff) {
			out = append(out, pattern)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetPatternHorizon(ctx context.Context, patternID int64, horizon time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern, ok := s.patterns[patternID]
	if !ok {
		return ErrNotFound
	}
	pattern.Horizon = horizon
	s.patterns[patternID] = pattern
	return nil
}

func (s *MemoryStore) UpsertOccurrence(ctx context.Context, occurrence Occurrence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.occurrences[occurrence.PatternID]
	if !ok {
		byID = map[int64]Occurrence{}
		s.occurrences[occurrence.PatternID] = byID
	}
	for id, existing := range byID {
		if existing.StartsAt.Equal(occurrence.StartsAt) {
			occurrence.ID = id
			byID[id] = occurrence
			return false, nil
		}
	}
	occurrence.ID = s.nextOccurrenceID
	s.nextOccurrenceID++
	byID[occurrence.ID] = occurrence
	return true, nil
}

func (s *MemoryStore) ListOccurrences(ctx context.Context, patternID int64) ([]Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Occurrence
	for _, occurrence := range s.occurrences[patternID] {
		out = append(out, occurrence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *MemoryStore) TryLockLink(ctx context.Context, linkID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkLocks[linkID] {
		return false, nil
	}
	s.linkLocks[linkID] = true
	return true, nil
}

func (s *MemoryStore) UnlockLink(ctx context.Context, linkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.linkLocks, linkID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortLinks(links []CalendarLink) {
	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })
}
