// Package scheduler runs periodic maintenance for AllyGate.
//
// Jobs are registered with standard 5-field cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule prunes delivery records once an hour.
const DefaultRetentionSchedule = "17 * * * *"

// DefaultRetention is how long processed inbound IDs and finished replies are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// min, hour, dom, month, dow; a panicking job does not take down the process
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits up to ctx for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: running jobs did not finish in time")
	}
}

// RetentionJob prunes delivery records older than retention. Either store may be nil.
type RetentionJob struct {
	Ledger    store.InboundLedger
	Outbox    store.ReplyOutbox
	Retention time.Duration
	Now       func() time.Time
}

// Run prunes once.
func (j RetentionJob) Run() {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now().Add(-retention)

	if j.Ledger != nil {
		n, err := j.Ledger.PruneInbound(cutoff)
		if err != nil {
			slog.Error("RetentionJob.Run: inbound prune failed", "error", err)
		} else if n > 0 {
			slog.Info("RetentionJob.Run: pruned inbound messages", "count", n, "cutoff", cutoff)
		}
	}
	if j.Outbox != nil {
		n, err := j.Outbox.PruneReplies(cutoff)
		if err != nil {
			slog.Error("RetentionJob.Run: reply prune failed", "error", err)
		} else if n > 0 {
			slog.Info("RetentionJob.Run: pruned finished replies", "count", n, "cutoff", cutoff)
		}
	}
}
