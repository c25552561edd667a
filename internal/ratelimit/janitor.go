package ratelimit

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Janitor periodically prunes expired entries from every stored window, so
// windows of callers that went idle do not sit at full length forever.
type Janitor struct {
	limiter *Limiter
	cron    *cron.Cron
}

// NewJanitor creates a Janitor that prunes on the given cron schedule
// (e.g. "@every 15m").
func NewJanitor(limiter *Limiter, schedule string) (*Janitor, error) {
	c := cron.New()
	j := &Janitor{limiter: limiter, cron: c}
	if _, err := c.AddFunc(schedule, func() {
		if err := limiter.PruneAll(); err != nil {
			slog.Warn("ratelimit prune failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule.
func (j *Janitor) Stop() {
	j.cron.Stop()
}
