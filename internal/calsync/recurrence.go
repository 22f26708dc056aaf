package calsync

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// ExtendResult summarizes one horizon-extension run.
type ExtendResult struct {
	PatternsExtended int `json:"patternsExtended"`
	EventsCreated    int `json:"eventsCreated"`
	PatternsFailed   int `json:"patternsFailed,omitempty"`
}

// ExtenderOptions tune a new Extender. Zero values select defaults.
type ExtenderOptions struct {
	// Lookahead: a pattern needs extension when its horizon falls within
	// this window of now. Default 2 weeks.
	Lookahead time.Duration
	// Window: how far past now the new horizon reaches. Default 8 weeks.
	Window time.Duration
	Logger Logger
	Now    func() time.Time
}

// Extender keeps materialized future occurrences of recurring patterns
// bounded and fresh. Horizons advance only after a batch materializes,
// mirroring the sync engine's advance-cursor-only-on-success rule, so a
// failed or interrupted run retries the same window safely.
type Extender struct {
	store     Store
	lookahead time.Duration
	window    time.Duration
	logger    Logger
	now       func() time.Time
}

func NewExtender(store Store, opts ExtenderOptions) *Extender {
	if opts.Lookahead <= 0 {
		opts.Lookahead = 14 * 24 * time.Hour
	}
	if opts.Window <= 0 {
		opts.Window = 56 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Extender{
		store:     store,
		lookahead: opts.Lookahead,
		window:    opts.Window,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// ExtendRecurringEvents scans patterns nearing their horizon and materializes
// occurrences up to now+window. Per-pattern failures are isolated: the
// pattern's horizon stays put for the next cycle and the remaining patterns
// still run. Returns early with the context error when the caller's deadline
// expires mid-batch.
func (e *Extender) ExtendRecurringEvents(ctx context.Context) (ExtendResult, error) {
	now := e.now()
	newHorizon := now.Add(e.window)
	patterns, err := e.store.ListPatternsWithHorizonBefore(ctx, now.Add(e.lookahead))
	if err != nil {
		return ExtendResult{}, err
	}

	result := ExtendResult{}
	for _, pattern := range patterns {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if !newHorizon.After(pattern.Horizon) {
			continue
		}
		created, err := e.extendPattern(ctx, pattern, newHorizon)
		if err != nil {
			result.PatternsFailed++
			e.logf("extend pattern %d: %v", pattern.ID, err)
			continue
		}
		result.PatternsExtended++
		result.EventsCreated += created
	}
	return result, nil
}

func (e *Extender) extendPattern(ctx context.Context, pattern RecurringPattern, newHorizon time.Time) (int, error) {
	starts, err := occurrenceStarts(pattern, newHorizon)
	if err != nil {
		return 0, err
	}
	duration := time.Duration(pattern.DurationMinutes) * time.Minute
	created := 0
	for _, start := range starts {
		wasCreated, err := e.store.UpsertOccurrence(ctx, Occurrence{
			PatternID: pattern.ID,
			Title:     pattern.Title,
			StartsAt:  start,
			EndsAt:    start.Add(duration),
		})
		if err != nil {
			return created, err
		}
		if wasCreated {
			created++
		}
	}
	// Only now, with the whole batch materialized, does the horizon move.
	if err := e.store.SetPatternHorizon(ctx, pattern.ID, newHorizon); err != nil {
		return created, err
	}
	return created, nil
}

// occurrenceStarts generates the instants in (pattern.Horizon, newHorizon]
// defined by the pattern's rule, honoring its end-date and end-count.
func occurrenceStarts(pattern RecurringPattern, newHorizon time.Time) ([]time.Time, error) {
	freq, err := ruleFrequency(pattern.Frequency)
	if err != nil {
		return nil, err
	}
	interval := pattern.Interval
	if interval <= 0 {
		interval = 1
	}
	option := rrule.ROption{
		Freq:     freq,
		Interval: interval,
		Dtstart:  pattern.StartsAt,
	}
	if pattern.Until != nil {
		option.Until = *pattern.Until
	}
	if pattern.Count > 0 {
		option.Count = pattern.Count
	}
	rule, err := rrule.NewRRule(option)
	if err != nil {
		return nil, fmt.Errorf("pattern %d rule: %w", pattern.ID, err)
	}

	from := pattern.Horizon
	if from.IsZero() {
		// Never materialized: start from just before the pattern itself so
		// the first occurrence is included.
		from = pattern.StartsAt.Add(-time.Second)
	}
	candidates := rule.Between(from, newHorizon, true)
	starts := make([]time.Time, 0, len(candidates))
	for _, candidate := range candidates {
		// Between is endpoint-inclusive; anything at the old horizon is
		// already materialized.
		if candidate.After(from) {
			starts = append(starts, candidate)
		}
	}
	return starts, nil
}

func ruleFrequency(frequency string) (rrule.Frequency, error) {
	switch frequency {
	case FreqDaily:
		return rrule.DAILY, nil
	case FreqWeekly:
		return rrule.WEEKLY, nil
	case FreqMonthly:
		return rrule.MONTHLY, nil
	case FreqYearly:
		return rrule.YEARLY, nil
	default:
		return 0, fmt.Errorf("%w: unknown frequency %q", ErrInvalidInput, frequency)
	}
}

func (e *Extender) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
