// ABOUTME: Dashboard statistics over sessions and messages
// ABOUTME: Counts, average response time with outlier filter, session duration, peak hour, handoffs

package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/supportchat/internal/store"
)

const (
	// DefaultSample is how many recent sessions feed the timing figures.
	DefaultSample = 20

	// MaxResponseGap drops user->assistant gaps at or above this as outliers.
	MaxResponseGap = 300 * time.Second
)

// Source is the store surface stats read from.
type Source interface {
	store.SessionStore
	store.MessageStore
	store.StatsStore
}

// Options tunes Compute.
type Options struct {
	Now      time.Time      // zero means time.Now()
	Location *time.Location // day boundary and peak hour; nil means time.Local
	Sample   int            // recent sessions to sample; <= 0 means DefaultSample
}

// Stats is the dashboard summary.
type Stats struct {
	TotalSessions      int    `json:"total_sessions"`
	ActiveSessions     int    `json:"active_sessions"`
	MessagesToday      int    `json:"messages_today"`
	AvgResponseSeconds int    `json:"avg_response_time"`
	AvgSessionSeconds  int    `json:"avg_session_duration"`
	PeakHour           string `json:"peak_hour"`
	HumanHandoffs      int    `json:"human_handoffs"`
	SessionsSampled    int    `json:"sessions_sampled"`
}

// Compute gathers the dashboard figures.
func Compute(ctx context.Context, src Source, opts Options) (*Stats, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Sample <= 0 {
		opts.Sample = DefaultSample
	}

	var out Stats
	var err error

	if out.TotalSessions, err = src.CountSessions(ctx, ""); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	if out.ActiveSessions, err = src.CountSessions(ctx, store.SessionStatusActive); err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}

	now := opts.Now.In(opts.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, opts.Location)
	if out.MessagesToday, err = src.CountMessagesSince(ctx, midnight); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	sessions, err := src.ListSessions(ctx, store.SessionFilter{Limit: opts.Sample})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out.SessionsSampled = len(sessions)

	var acc accumulator
	for _, sess := range sessions {
		if sess.Metadata.HadHumanIntervention {
			out.HumanHandoffs++
		}

		msgs, err := src.ListMessages(ctx, sess.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("listing messages for %s: %w", sess.ID, err)
		}
		acc.add(sess, msgs, opts.Location)
	}

	out.AvgResponseSeconds = acc.avgResponse()
	out.AvgSessionSeconds = acc.avgDuration()
	out.PeakHour = fmt.Sprintf("%d:00", acc.peakHour())

	return &out, nil
}

type accumulator struct {
	responseTotal time.Duration
	responseCount int

	durationTotal time.Duration
	durationCount int

	hours [24]int
}

// add folds one session's messages into the running totals. msgs must be
// in store order.
func (a *accumulator) add(sess *store.Session, msgs []*store.Message, loc *time.Location) {
	for i, m := range msgs {
		a.hours[m.CreatedAt.In(loc).Hour()]++

		if i == 0 {
			continue
		}
		prev := msgs[i-1]
		if prev.Role == store.RoleUser && m.Role == store.RoleAssistant {
			gap := m.CreatedAt.Sub(prev.CreatedAt)
			if gap > 0 && gap < MaxResponseGap {
				a.responseTotal += gap
				a.responseCount++
			}
		}
	}

	if sess.Status == store.SessionStatusCompleted && len(msgs) >= 2 {
		span := msgs[len(msgs)-1].CreatedAt.Sub(msgs[0].CreatedAt)
		if span > 0 {
			a.durationTotal += span
			a.durationCount++
		}
	}
}

func (a *accumulator) avgResponse() int {
	return roundSeconds(a.responseTotal, a.responseCount)
}

func (a *accumulator) avgDuration() int {
	return roundSeconds(a.durationTotal, a.durationCount)
}

// peakHour returns the busiest hour, lowest hour on ties, 0 with no data.
func (a *accumulator) peakHour() int {
	peak, best := 0, 0
	for h, n := range a.hours {
		if n > best {
			peak, best = h, n
		}
	}
	return peak
}

func roundSeconds(total time.Duration, n int) int {
	if n == 0 {
		return 0
	}
	return int((total / time.Duration(n)).Round(time.Second) / time.Second)
}

// FormatDuration renders seconds the way the dashboard does: "45s", "3m 20s".
func FormatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
