package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyprompt/internal/breaker"
	"dailyprompt/internal/types"
)

var execNow = time.Date(2026, 7, 11, 4, 1, 0, 0, time.UTC)

type executorFixture struct {
	store     *memStore
	transport *fakeTransport
	breaker   *breaker.Breaker
	metrics   *recordingMetrics
	tracker   *Tracker
	exec      *Executor
}

func newExecutorFixture(t *testing.T, threshold uint32) *executorFixture {
	t.Helper()
	store := newMemStore()
	store.addContent(
		types.Content{ID: "c1", Body: "What is the capital of France?", Answer: "Paris"},
		types.Content{ID: "c2", Body: "How many legs does a spider have?", Answer: "8"},
		types.Content{ID: "c3", Body: "What color is the sky?", Answer: "blue"},
	)
	f := &executorFixture{
		store:     store,
		transport: &fakeTransport{},
		breaker:   breaker.New(breaker.Settings{Name: "test", Threshold: threshold, Cooldown: time.Hour}, testLogger()),
		metrics:   newRecordingMetrics(),
	}
	f.tracker = NewTracker(store, nil, fixedClock(execNow), testLogger())
	f.exec = NewExecutor(store, f.transport, f.breaker, f.tracker, ExecutorConfig{
		Grace:      5 * time.Minute,
		Lookahead:  time.Minute,
		Lookbehind: 24 * time.Hour,
		BatchSize:  10,
	}, fixedClock(execNow), f.metrics, testLogger())
	return f
}

func (f *executorFixture) addRecipient(id string, active bool) {
	f.store.addRecipient(types.Recipient{
		ID:           id,
		PhoneNumber:  "+1555" + id,
		Active:       active,
		DeliveryTime: "21:00",
		Timezone:     "America/Los_Angeles",
	})
}

func (f *executorFixture) addPending(id, recipientID, contentID string, scheduledFor time.Time) {
	e := types.QueueEntry{
		ID:           id,
		RecipientID:  recipientID,
		ScheduledFor: scheduledFor,
		LocalDate:    date(2026, 7, 10),
		Status:       types.QueueStatusPending,
	}
	if contentID != "" {
		e.ContentID = strPtr(contentID)
	}
	f.store.addEntry(e)
}

func TestExecutor_SendsDueEntry(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow.Add(-time.Minute))

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := f.transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+1555r1", msgs[0].To)
	assert.Equal(t, "What is the capital of France?", msgs[0].Body)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusSent, e.Status)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.SentAt)
	assert.True(t, e.SentAt.Equal(execNow), "sent_at comes from the executor clock")
	assert.Nil(t, e.ErrorMessage)

	open := f.store.openInteractions("r1")
	require.Len(t, open, 1)
	assert.Equal(t, "c1", open[0].ContentID)
	require.NotNil(t, open[0].QueueEntryID)
	assert.Equal(t, "e1", *open[0].QueueEntryID)

	last := f.store.recipient("r1").LastDeliveryAt
	require.NotNil(t, last)
	assert.True(t, last.Equal(execNow))
	assert.Equal(t, 1, f.metrics.deliveries[types.DeliverySent])
}

func TestExecutor_SecondRunDoesNotResend(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow.Add(-time.Minute))

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	n, err := f.exec.Run(context.Background(), execNow.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Len(t, f.transport.messages(), 1)
}

func TestExecutor_EntryOutsideGraceIsMissed(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow.Add(-10*time.Minute))

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, types.ReasonMissedWindow, *e.ErrorMessage)
	assert.Empty(t, f.transport.messages())
	assert.Equal(t, 1, f.metrics.deliveries[types.DeliveryMissed])
}

func TestExecutor_FutureEntryBeyondLookaheadIsLeftPending(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow.Add(10*time.Minute))

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, types.QueueStatusPending, f.store.entry("e1").Status)
}

func TestExecutor_InactiveRecipient(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", false)
	f.addPending("e1", "r1", "c1", execNow)

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, types.ReasonRecipientInactive, *e.ErrorMessage)
	assert.Empty(t, f.transport.messages())
}

func TestExecutor_NoContent(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "", execNow)

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, types.ReasonNoContent, *e.ErrorMessage)
	assert.Empty(t, f.transport.messages())
}

func TestExecutor_CircuitOpenBlocksSend(t *testing.T) {
	f := newExecutorFixture(t, 1)
	f.breaker.RecordFailure()
	require.False(t, f.breaker.IsHealthy())

	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow)

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, types.ReasonCircuitOpen, *e.ErrorMessage)
	assert.Empty(t, f.transport.messages())
	assert.Equal(t, 1, f.metrics.deliveries[types.DeliveryBlocked])
}

func TestExecutor_TransportFailuresOpenBreaker(t *testing.T) {
	f := newExecutorFixture(t, 2)
	f.transport.err = errors.New("gateway returned 503")
	for i, id := range []string{"r1", "r2", "r3"} {
		f.addRecipient(id, true)
		f.addPending("e"+id, id, "c1", execNow.Add(time.Duration(i)*time.Second-time.Minute))
	}

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "gateway returned 503", *f.store.entry("er1").ErrorMessage)
	assert.Equal(t, "gateway returned 503", *f.store.entry("er2").ErrorMessage)
	assert.Equal(t, types.ReasonCircuitOpen, *f.store.entry("er3").ErrorMessage)
	for _, id := range []string{"er1", "er2", "er3"} {
		e := f.store.entry(id)
		assert.Equal(t, types.QueueStatusFailed, e.Status)
		assert.Equal(t, 1, e.Attempts)
	}
	assert.False(t, f.breaker.IsHealthy())
	assert.Equal(t, 2, f.metrics.deliveries[types.DeliveryFailed])
	assert.Equal(t, 1, f.metrics.deliveries[types.DeliveryBlocked])
}

func TestExecutor_OpenInteractionStillSendsButFailsEntry(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.store.addInteraction(types.OpenInteraction{ID: "i0", RecipientID: "r1", ContentID: "c2", CreatedAt: execNow.Add(-24 * time.Hour)})
	f.addPending("e1", "r1", "c1", execNow)

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, f.transport.messages(), 1)
	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, types.ReasonDuplicatePrevented, *e.ErrorMessage)
	assert.Len(t, f.store.openInteractions("r1"), 1)
	assert.Nil(t, f.store.recipient("r1").LastDeliveryAt)
	assert.Equal(t, 1, f.metrics.deliveries[types.DeliveryDuplicate])
}

func TestExecutor_TrackingFailureAfterSendMarksFailed(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow)
	f.store.insertInteractionErr = errStoreDown

	_, err := f.exec.Run(context.Background(), execNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)

	assert.Len(t, f.transport.messages(), 1)
	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, types.ReasonTrackingUnavailable, *e.ErrorMessage)
	assert.Equal(t, []string{"e1"}, f.store.forceFailed)
}

func TestExecutor_TimedOutSendIsFailed(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.exec.cfg.SendTimeout = 20 * time.Millisecond
	f.transport.block = true
	f.addRecipient("r1", true)
	f.addPending("e1", "r1", "c1", execNow)

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)

	e := f.store.entry("e1")
	assert.Equal(t, types.QueueStatusFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, *e.ErrorMessage, "send timed out")
	assert.Equal(t, uint32(1), f.breaker.Status().ConsecutiveFailures)
}

func TestExecutor_CancelledTickLeavesUnclaimedForNextTick(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.exec.cfg.SendSpacing = time.Hour
	f.addRecipient("r1", true)
	f.addRecipient("r2", true)
	f.addPending("e1", "r1", "c1", execNow.Add(-time.Minute))
	f.addPending("e2", "r2", "c1", execNow)

	ctx, cancel := context.WithCancel(context.Background())
	f.exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	n, err := f.exec.Run(ctx, execNow)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)

	assert.Equal(t, types.QueueStatusSent, f.store.entry("e1").Status)
	e2 := f.store.entry("e2")
	assert.Equal(t, types.QueueStatusPending, e2.Status)
	assert.Equal(t, 0, e2.Attempts)

	// The next tick picks the entry up while it is still inside the grace window.
	f.exec.sleep = func(context.Context, time.Duration) error { return nil }
	n, err = f.exec.Run(context.Background(), execNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.QueueStatusSent, f.store.entry("e2").Status)
}

func TestExecutor_SpacingSleepsOutsideTransaction(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.exec.cfg.SendSpacing = time.Second
	f.addRecipient("r1", true)
	f.addRecipient("r2", true)
	f.addRecipient("r3", true)
	f.addPending("e1", "r1", "c1", execNow.Add(-2*time.Minute))
	f.addPending("e2", "r2", "c1", execNow.Add(-time.Minute))
	f.addPending("e3", "r3", "c1", execNow)

	var sleeps, whileLocked int
	f.exec.sleep = func(_ context.Context, d time.Duration) error {
		assert.Equal(t, time.Second, d)
		sleeps++
		if f.store.mu.TryLock() {
			f.store.mu.Unlock()
		} else {
			whileLocked++
		}
		return nil
	}

	n, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, sleeps, "one pause between each pair of sends")
	assert.Zero(t, whileLocked, "no transaction may be open during the pause")
}

func TestExecutor_ProcessesInScheduledOrder(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.addRecipient("r2", true)
	f.addPending("late", "r1", "c1", execNow)
	f.addPending("early", "r2", "c2", execNow.Add(-2*time.Minute))

	_, err := f.exec.Run(context.Background(), execNow)
	require.NoError(t, err)

	msgs := f.transport.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "+1555r2", msgs[0].To)
	assert.Equal(t, "+1555r1", msgs[1].To)
}

func TestExecutor_ListFailure(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.store.listDueErr = errStoreDown

	_, err := f.exec.Run(context.Background(), execNow)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestExecutor_DeliverEntrySkipsTerminalEntry(t *testing.T) {
	f := newExecutorFixture(t, 5)
	f.addRecipient("r1", true)
	f.store.addEntry(types.QueueEntry{
		ID:          "e1",
		RecipientID: "r1",
		Status:      types.QueueStatusSent,
		Attempts:    1,
		ContentID:   strPtr("c1"),
	})

	result, err := f.exec.DeliverEntry(context.Background(), "e1", execNow)
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySkipped, result)
	assert.Empty(t, f.transport.messages())
}
