package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapius/internal/store"
	"scrapius/internal/transport"
	"scrapius/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	sends    map[int64]int
	failFor  map[int64]bool
	failOnce map[int64]int // fail the first N attempts, then succeed
}

func newFakeSender() *fakeSender {
	return &fakeSender{sends: map[int64]int{}, failFor: map[int64]bool{}, failOnce: map[int64]int{}}
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[chatID]++
	if f.failFor[chatID] {
		return errors.New("chat unreachable")
	}
	if n := f.failOnce[chatID]; n > 0 {
		f.failOnce[chatID] = n - 1
		return errors.New("flaky")
	}
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []store.DispatchRecord
}

func (f *fakeRecorder) RecordDispatch(ctx context.Context, d store.DispatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, d)
	return nil
}

func newDispatcher(sender Sender, rec Recorder) *Dispatcher {
	return New(Config{RetryMax: 2, RetryBase: time.Millisecond, RatePerSec: 1000}, sender, rec, logx.Nop())
}

func TestFailingRecipientDoesNotBlockOthers(t *testing.T) {
	sender := newFakeSender()
	sender.failFor[2] = true
	rec := &fakeRecorder{}
	d := newDispatcher(sender, rec)

	outcomes, err := d.Deliver(context.Background(), "item-1", "hello", []int64{1, 2, 3})
	require.NoError(t, err, "partial failure is not an error")
	require.Len(t, outcomes, 3)

	// Recipients 1 and 3 got exactly one message each.
	assert.Equal(t, 1, sender.sends[1])
	assert.Equal(t, 1, sender.sends[3])
	assert.True(t, outcomes[0].Delivered)
	assert.True(t, outcomes[2].Delivered)

	// Recipient 2 was retried to exhaustion, then marked failed.
	assert.False(t, outcomes[1].Delivered)
	assert.Equal(t, 3, outcomes[1].Attempts)
	assert.Error(t, outcomes[1].Err)

	// Every terminal outcome was recorded.
	require.Len(t, rec.records, 3)
	byRecipient := map[int64]store.DispatchRecord{}
	for _, r := range rec.records {
		byRecipient[r.Recipient] = r
	}
	assert.Equal(t, "delivered", byRecipient[1].Status)
	assert.Equal(t, "failed", byRecipient[2].Status)
	assert.Equal(t, "delivered", byRecipient[3].Status)
}

func TestRetryThenSucceed(t *testing.T) {
	sender := newFakeSender()
	sender.failOnce[7] = 1
	d := newDispatcher(sender, &fakeRecorder{})

	outcomes, err := d.Deliver(context.Background(), "item-2", "hello", []int64{7})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Delivered)
	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.NoError(t, outcomes[0].Err)
}

func TestAllRecipientsFailing(t *testing.T) {
	sender := newFakeSender()
	sender.failFor[1] = true
	sender.failFor[2] = true
	d := newDispatcher(sender, &fakeRecorder{})

	outcomes, err := d.Deliver(context.Background(), "item-3", "hello", []int64{1, 2})
	assert.ErrorIs(t, err, ErrAllFailed)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.False(t, o.Delivered)
	}
}

func TestNoRecipients(t *testing.T) {
	d := newDispatcher(newFakeSender(), &fakeRecorder{})
	outcomes, err := d.Deliver(context.Background(), "item-4", "hello", nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}
