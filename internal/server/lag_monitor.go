package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/events"
)

// LagMonitor tracks ticks that overran their budget across all sessions.
// It aggregates per-match history, raises threshold alerts and serves the
// data behind the lag monitor endpoint.
type LagMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	now      func() time.Time

	matchData map[string]*MatchLagData

	// Thresholds, in overruns within the last hour
	warningThreshold  int
	criticalThreshold int
}

// MatchLagData holds lag tracking data for a single match.
type MatchLagData struct {
	MatchID        string      `json:"match_id"`
	TotalEvents    int         `json:"total_events"`
	EventsThisHour int         `json:"events_this_hour"`
	LastEventTime  time.Time   `json:"last_event_time"`
	MaxDuration    int64       `json:"max_duration_ms"`
	AvgDuration    float64     `json:"avg_duration_ms"`
	History        []LagEvent  `json:"history"`
	HourlyBuckets  map[int]int `json:"hourly_buckets"`
}

// LagEvent represents a single overrun.
type LagEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Tick      uint64    `json:"tick"`
	Duration  int64     `json:"duration_ms"`
	Budget    int64     `json:"budget_ms"`
}

const maxLagHistory = 1000

// NewLagMonitor creates a lag monitor. warning is the number of overruns
// per hour that raises a warning; twice that is critical.
func NewLagMonitor(eventBus *events.EventBus, warning int) *LagMonitor {
	if warning <= 0 {
		warning = 20
	}
	return &LagMonitor{
		eventBus:          eventBus,
		now:               time.Now,
		matchData:         make(map[string]*MatchLagData),
		warningThreshold:  warning,
		criticalThreshold: warning * 2,
	}
}

// OnLongTick records an overrun. It is the sessions' long-tick hook and
// runs on the session goroutine, so it only records and emits.
func (lm *LagMonitor) OnLongTick(matchID string, tick uint64, took, budget time.Duration) {
	now := lm.now()

	lm.mu.Lock()
	data, ok := lm.matchData[matchID]
	if !ok {
		data = &MatchLagData{
			MatchID:       matchID,
			History:       make([]LagEvent, 0, 100),
			HourlyBuckets: make(map[int]int),
		}
		lm.matchData[matchID] = data
	}

	ev := LagEvent{Timestamp: now, Tick: tick, Duration: took.Milliseconds(), Budget: budget.Milliseconds()}
	data.TotalEvents++
	data.LastEventTime = now
	data.History = append(data.History, ev)
	if len(data.History) > maxLagHistory {
		data.History = data.History[len(data.History)-maxLagHistory:]
	}
	if ev.Duration > data.MaxDuration {
		data.MaxDuration = ev.Duration
	}

	var total int64
	for _, e := range data.History {
		total += e.Duration
	}
	data.AvgDuration = float64(total) / float64(len(data.History))
	data.HourlyBuckets[now.Hour()]++

	oneHourAgo := now.Add(-time.Hour)
	recent := 0
	for _, e := range data.History {
		if e.Timestamp.After(oneHourAgo) {
			recent++
		}
	}
	data.EventsThisHour = recent
	lm.mu.Unlock()

	if lm.eventBus != nil {
		lm.eventBus.Emit(context.Background(), events.Event{
			Type:   events.EventLongTick,
			Source: "match:" + matchID,
			Payload: events.LongTickPayload{
				MatchID:    matchID,
				Tick:       tick,
				DurationMS: ev.Duration,
				BudgetMS:   ev.Budget,
			},
		})
	}
}

// Forget drops a finished match.
func (lm *LagMonitor) Forget(matchID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.matchData, matchID)
}

// GetMatchData returns lag data for one match.
func (lm *LagMonitor) GetMatchData(matchID string) (*MatchLagData, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	data, ok := lm.matchData[matchID]
	if !ok {
		return nil, false
	}
	return data.copy(), true
}

// GetAllMatchData returns lag data for every tracked match.
func (lm *LagMonitor) GetAllMatchData() map[string]*MatchLagData {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	result := make(map[string]*MatchLagData, len(lm.matchData))
	for k, v := range lm.matchData {
		result[k] = v.copy()
	}
	return result
}

func (d *MatchLagData) copy() *MatchLagData {
	c := *d
	c.History = append([]LagEvent(nil), d.History...)
	c.HourlyBuckets = make(map[int]int, len(d.HourlyBuckets))
	for k, v := range d.HourlyBuckets {
		c.HourlyBuckets[k] = v
	}
	return &c
}

// LagAlert represents a lag threshold alert.
type LagAlert struct {
	MatchID string `json:"match_id"`
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// CheckThresholds evaluates all matches against the lag thresholds.
func (lm *LagMonitor) CheckThresholds() []LagAlert {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var alerts []LagAlert
	for id, data := range lm.matchData {
		level := ""
		switch {
		case data.EventsThisHour >= lm.criticalThreshold:
			level = "critical"
		case data.EventsThisHour >= lm.warningThreshold:
			level = "warning"
		default:
			continue
		}
		alerts = append(alerts, LagAlert{
			MatchID: id,
			Level:   level,
			Events:  data.EventsThisHour,
			Message: fmt.Sprintf("match %s: %d long ticks in the last hour", id, data.EventsThisHour),
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].MatchID < alerts[j].MatchID })
	return alerts
}

// Start begins periodic lag threshold checks.
func (lm *LagMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, alert := range lm.CheckThresholds() {
				ev := log.Warn()
				if alert.Level == "critical" {
					ev = log.Error()
				}
				ev.Str("match_id", alert.MatchID).
					Str("level", alert.Level).
					Int("events", alert.Events).
					Msg("lag threshold alert")
			}
		}
	}
}
