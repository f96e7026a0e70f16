package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/investotype/sim-engine/internal/metrics"
)

// DefaultSweepSchedule runs the idle-session sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Janitor periodically evicts sessions idle for longer than a TTL.
type Janitor struct {
	sessions SessionStore
	ttl      time.Duration
	cron     *cron.Cron
	now      func() time.Time
	inUse    func(id string) bool
}

// NewJanitor creates a janitor. inUse, if set, vetoes evicting sessions
// with an operation in flight; such sessions are retried on the next sweep.
func NewJanitor(sessions SessionStore, ttl time.Duration, inUse func(id string) bool) *Janitor {
	return &Janitor{
		sessions: sessions,
		ttl:      ttl,
		cron:     cron.New(),
		now:      time.Now,
		inUse:    inUse,
	}
}

// Start schedules the sweep. Schedule uses robfig/cron syntax, including
// descriptors such as "@every 5m".
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	slog.Info("session janitor started", "schedule", schedule, "ttl", j.ttl.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep evicts idle sessions once and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	if j.ttl <= 0 {
		return 0
	}
	ids, err := j.sessions.EvictIdle(ctx, j.now().Add(-j.ttl), j.inUse)
	if err != nil {
		slog.Error("session sweep failed", "err", err)
		return 0
	}
	for _, id := range ids {
		slog.Info("session evicted", "session_id", id)
	}
	if len(ids) > 0 {
		metrics.SessionsEvicted.Add(float64(len(ids)))
	}
	return len(ids)
}
