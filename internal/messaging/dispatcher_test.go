package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/metrics"
	"github.com/AllybyWaiter/AllyGate/internal/store"
	"github.com/AllybyWaiter/AllyGate/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*ReplyDispatcher, *store.InMemoryStore, *twiliowhatsapp.MockClient, *fakeClock) {
	t.Helper()
	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	d := NewReplyDispatcher(st, NewTwilioService(mock), opts...)
	clock := &fakeClock{t: time.Now().UTC()}
	d.now = clock.Now
	return d, st, mock, clock
}

func TestReplyDispatcher_DeliversQueuedReplies(t *testing.T) {
	d, st, mock, _ := newTestDispatcher(t)
	_, err := st.EnqueueReply("whatsapp:+15551234567", "+15551234567", "How many gallons is your pool?", "SM1")
	require.NoError(t, err)
	_, err = st.EnqueueReply("whatsapp:+15551234567", "+15551234567", "Thanks!", "SM2")
	require.NoError(t, err)

	assert.Equal(t, 2, d.DispatchDue(context.Background()))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "How many gallons is your pool?", sent[0].Body)
	replies, err := st.GetReplies("whatsapp:+15551234567")
	require.NoError(t, err)
	for _, r := range replies {
		assert.Equal(t, store.ReplySent, r.Status)
	}
	assert.Equal(t, 0, d.DispatchDue(context.Background()))
}

func TestReplyDispatcher_RetriesWithBackoff(t *testing.T) {
	d, st, mock, clock := newTestDispatcher(t, WithBaseBackoff(time.Minute))
	id, err := st.EnqueueReply("c1", "+15551234567", "Add 2 lb of cal-hypo.", "")
	require.NoError(t, err)

	mock.Err = errors.New("twilio 503")
	assert.Equal(t, 0, d.DispatchDue(context.Background()))

	replies, err := st.GetReplies("c1")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, id, replies[0].ID)
	assert.Equal(t, store.ReplyQueued, replies[0].Status)
	assert.Equal(t, 1, replies[0].Attempts)
	assert.Equal(t, "twilio 503", replies[0].LastError)
	require.NotNil(t, replies[0].NextAttemptAt)
	assert.True(t, replies[0].NextAttemptAt.Equal(clock.Now().Add(time.Minute)))

	mock.Err = nil
	assert.Equal(t, 0, d.DispatchDue(context.Background()), "retry is not due yet")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.DispatchDue(context.Background()))
	assert.Len(t, mock.Sent(), 1)
}

func TestReplyDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	d, st, mock, clock := newTestDispatcher(t, WithMaxAttempts(2), WithBaseBackoff(time.Second))
	_, err := st.EnqueueReply("c1", "+15551234567", "hello", "")
	require.NoError(t, err)
	mock.Err = errors.New("unreachable")

	d.DispatchDue(context.Background())
	clock.Advance(time.Second)
	d.DispatchDue(context.Background())
	clock.Advance(time.Hour)
	d.DispatchDue(context.Background())

	replies, err := st.GetReplies("c1")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, store.ReplyFailed, replies[0].Status)
	assert.Equal(t, 2, replies[0].Attempts)
}

func TestReplyDispatcher_InvalidRecipientFails(t *testing.T) {
	d, st, mock, _ := newTestDispatcher(t, WithMaxAttempts(1))
	_, err := st.EnqueueReply("c1", "123", "hello", "")
	require.NoError(t, err)

	d.DispatchDue(context.Background())

	assert.Empty(t, mock.Sent())
	replies, err := st.GetReplies("c1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyFailed, replies[0].Status)
}

func TestReplyDispatcher_RecoverStale(t *testing.T) {
	d, st, mock, clock := newTestDispatcher(t)
	_, err := st.EnqueueReply("c1", "+15551234567", "hello", "")
	require.NoError(t, err)
	_, err = st.ClaimDueReplies(clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, d.DispatchDue(context.Background()))

	require.NoError(t, d.RecoverStale())
	assert.Equal(t, 1, d.DispatchDue(context.Background()))
	assert.Len(t, mock.Sent(), 1)
}

func TestReplyDispatcher_RunStopsOnCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	d := NewReplyDispatcher(st, NewTwilioService(mock), WithPollInterval(10*time.Millisecond))
	_, err := st.EnqueueReply("c1", "+15551234567", "hello", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestReplyDispatcher_ResumesAfterFailedChunk(t *testing.T) {
	d, st, mock, clock := newTestDispatcher(t, WithBaseBackoff(time.Second))
	body := strings.Repeat("chlorine ", 250)
	chunks := NewTwilioService(mock).Chunks(body)
	require.Len(t, chunks, 2)
	_, err := st.EnqueueReply("c1", "+15551234567", body, "SM1")
	require.NoError(t, err)

	mock.Err = errors.New("twilio 503")
	mock.FailCall = 2
	assert.Equal(t, 0, d.DispatchDue(context.Background()))

	replies, err := st.GetReplies("c1")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, store.ReplyQueued, replies[0].Status)
	assert.Equal(t, 1, replies[0].ChunksSent)
	assert.Equal(t, "chunk 2/2: twilio 503", replies[0].LastError)
	require.Len(t, mock.Sent(), 1)

	clock.Advance(time.Second)
	assert.Equal(t, 1, d.DispatchDue(context.Background()))

	sent := mock.Sent()
	require.Len(t, sent, 2, "the delivered chunk is not resent")
	assert.Equal(t, chunks, []string{sent[0].Body, sent[1].Body})
	replies, err = st.GetReplies("c1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplySent, replies[0].Status)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(10*time.Second, 0))
	assert.Equal(t, 20*time.Second, Backoff(10*time.Second, 1))
	assert.Equal(t, 80*time.Second, Backoff(10*time.Second, 3))
	assert.Equal(t, DefaultMaxBackoff, Backoff(10*time.Second, 20))
	assert.Equal(t, DefaultBaseBackoff, Backoff(0, 0))
}

func TestReplyDispatcher_CountsDeliveries(t *testing.T) {
	rec := metrics.NewRecorder()
	d, st, mock, _ := newTestDispatcher(t, WithDispatcherMetrics(rec), WithMaxAttempts(1))
	_, err := st.EnqueueReply("c1", "+15551234567", "first", "")
	require.NoError(t, err)
	require.Equal(t, 1, d.DispatchDue(context.Background()))

	mock.Err = errors.New("twilio 503")
	_, err = st.EnqueueReply("c1", "+15551234567", "second", "")
	require.NoError(t, err)
	require.Equal(t, 0, d.DispatchDue(context.Background()))

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "allygate_reply_deliveries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"sent": 1, "failed": 1}, counts)
}
