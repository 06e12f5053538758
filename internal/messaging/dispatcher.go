package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/metrics"
	"github.com/AllybyWaiter/AllyGate/internal/store"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultClaimLimit     = 10
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 10 * time.Second
	DefaultMaxBackoff     = 10 * time.Minute
)

// DispatcherOpts holds configuration for a ReplyDispatcher.
type DispatcherOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	MaxAttempts    int
	BaseBackoff    time.Duration
	Metrics        *metrics.Recorder
}

// DispatcherOption configures a ReplyDispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithPollInterval sets how often the outbox is polled.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.PollInterval = d }
}

// WithMaxAttempts sets how many sends are tried before a reply is marked failed.
func WithMaxAttempts(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.MaxAttempts = n }
}

// WithBaseBackoff sets the delay before the first retry. It doubles per attempt.
func WithBaseBackoff(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.BaseBackoff = d }
}

// WithDispatcherMetrics counts delivery attempts on rec.
func WithDispatcherMetrics(rec *metrics.Recorder) DispatcherOption {
	return func(o *DispatcherOpts) { o.Metrics = rec }
}

// ReplyDispatcher delivers queued replies through a Service, retrying with
// exponential backoff.
type ReplyDispatcher struct {
	outbox  store.ReplyOutbox
	service Service
	cfg     DispatcherOpts
	now     func() time.Time
}

// NewReplyDispatcher creates a dispatcher draining outbox into service.
func NewReplyDispatcher(outbox store.ReplyOutbox, service Service, opts ...DispatcherOption) *ReplyDispatcher {
	cfg := DispatcherOpts{
		PollInterval:   DefaultPollInterval,
		StaleThreshold: DefaultStaleThreshold,
		ClaimLimit:     DefaultClaimLimit,
		MaxAttempts:    DefaultMaxAttempts,
		BaseBackoff:    DefaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &ReplyDispatcher{outbox: outbox, service: service, cfg: cfg, now: time.Now}
}

// RecoverStale requeues replies left in sending by a previous process.
func (d *ReplyDispatcher) RecoverStale() error {
	n, err := d.outbox.RequeueStaleReplies(d.now().Add(-d.cfg.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("ReplyDispatcher.RecoverStale: requeued stale replies", "count", n)
	}
	return nil
}

// Run polls the outbox until ctx is cancelled.
func (d *ReplyDispatcher) Run(ctx context.Context) {
	slog.Info("ReplyDispatcher.Run: starting reply dispatcher", "pollInterval", d.cfg.PollInterval, "maxAttempts", d.cfg.MaxAttempts)
	if err := d.RecoverStale(); err != nil {
		slog.Error("ReplyDispatcher.Run: stale recovery failed", "error", err)
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("ReplyDispatcher.Run: stopping")
			return
		case <-ticker.C:
			d.DispatchDue(ctx)
		}
	}
}

// DispatchDue sends every reply due now and returns how many were delivered.
func (d *ReplyDispatcher) DispatchDue(ctx context.Context) int {
	now := d.now()
	replies, err := d.outbox.ClaimDueReplies(now, d.cfg.ClaimLimit)
	if err != nil {
		slog.Error("ReplyDispatcher.DispatchDue: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, r := range replies {
		if err := d.deliver(ctx, r); err != nil {
			d.handleFailure(r, now, err)
			continue
		}
		if err := d.outbox.MarkReplySent(r.ID); err != nil {
			slog.Error("ReplyDispatcher.DispatchDue: mark sent failed", "id", r.ID, "error", err)
		}
		sent++
		d.observe("sent")
		slog.Debug("ReplyDispatcher.DispatchDue: reply delivered", "id", r.ID, "conversationID", r.ConversationID)
	}
	return sent
}

// deliver sends the chunks of r not yet delivered by an earlier attempt.
func (d *ReplyDispatcher) deliver(ctx context.Context, r store.OutboundReply) error {
	chunks := []string{r.Body}
	if c, ok := d.service.(Chunker); ok {
		chunks = c.Chunks(r.Body)
	}
	if r.ChunksSent > 0 {
		slog.Debug("ReplyDispatcher.deliver: resuming reply", "id", r.ID, "chunksSent", r.ChunksSent, "chunks", len(chunks))
	}
	for i := r.ChunksSent; i < len(chunks); i++ {
		if err := d.service.SendMessage(ctx, r.Recipient, chunks[i]); err != nil {
			return chunkError(i, len(chunks), err)
		}
		if i+1 == len(chunks) {
			break
		}
		if err := d.outbox.MarkReplyProgress(r.ID, i+1); err != nil {
			slog.Error("ReplyDispatcher.deliver: record progress failed", "id", r.ID, "chunksSent", i+1, "error", err)
		}
	}
	return nil
}

func (d *ReplyDispatcher) handleFailure(r store.OutboundReply, now time.Time, sendErr error) {
	attempt := r.Attempts + 1
	if attempt >= d.cfg.MaxAttempts {
		slog.Error("ReplyDispatcher: giving up on reply", "id", r.ID, "conversationID", r.ConversationID, "attempts", attempt, "error", sendErr)
		if err := d.outbox.FailReply(r.ID, sendErr.Error()); err != nil {
			slog.Error("ReplyDispatcher: mark failed error", "id", r.ID, "error", err)
		}
		d.observe("failed")
		return
	}
	next := now.Add(Backoff(d.cfg.BaseBackoff, r.Attempts))
	slog.Warn("ReplyDispatcher: send failed, retrying", "id", r.ID, "attempt", attempt, "nextAttemptAt", next, "error", sendErr)
	if err := d.outbox.RetryReply(r.ID, sendErr.Error(), next); err != nil {
		slog.Error("ReplyDispatcher: schedule retry error", "id", r.ID, "error", err)
	}
	d.observe("retry")
}

func (d *ReplyDispatcher) observe(result string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ObserveReplyDelivery(result)
	}
}

// Backoff returns base doubled once per previous attempt, capped at DefaultMaxBackoff.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= DefaultMaxBackoff {
			return DefaultMaxBackoff
		}
	}
	return d
}
