package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := RedisConfig{Host: server.Addr(), Timeout: time.Second, MaxActive: 10}
	names := QueueNames{Work: "work", Working: "working", Complete: "complete"}

	q := NewQueue(cfg, names)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testUnit() WorkUnit {
	return WorkUnit{
		Producer:  Broker{Host: "b1", Port: 9092},
		Topic:     "t",
		Partition: 0,
		Offset:    0,
		Len:       10,
	}
}

// TestPublishClaimSettle exercises invariant 1 from spec.md §8: a unit
// popped from work appears on working, then moves to complete and off
// working exactly once.
func TestPublishClaimSettle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	unit := testUnit()
	require.NoError(t, q.Publish(ctx, unit))

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, unit.Topic, claimed.Unit.Topic)

	workingLen, err := q.client.LLen(ctx, "working").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, workingLen)

	require.NoError(t, q.Settle(ctx, claimed, StatusOK, &RespData{OffsetRead: 2}))

	workingLen, err = q.client.LLen(ctx, "working").Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, workingLen)

	completeLen, err := q.client.LLen(ctx, "complete").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, completeLen)
}

func TestPublishRejectsInvalidUnit(t *testing.T) {
	q := newTestQueue(t)
	err := q.Publish(context.Background(), WorkUnit{})
	require.Error(t, err)

	n, err := q.client.LLen(context.Background(), "work").Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, n, "invalid unit must not reach redis")
}

// TestClaimTimeoutRetries pins the §4.3 blocking semantics: a claim with
// nothing on the work list must not error, it retries until ctx is done.
func TestClaimTimeoutRetries(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	_, err := q.Claim(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestResettleIsIdempotentOnWorking pins the at-least-once re-settle
// property from spec.md §8: settling twice leaves duplicate complete
// entries but the second LREM is a no-op against working.
func TestResettleIsIdempotentOnWorking(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	unit := testUnit()
	require.NoError(t, q.Publish(ctx, unit))
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Settle(ctx, claimed, StatusOK, &RespData{OffsetRead: 1}))
	require.NoError(t, q.Settle(ctx, claimed, StatusOK, &RespData{OffsetRead: 1}))

	completeLen, err := q.client.LLen(ctx, "complete").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, completeLen)

	workingLen, err := q.client.LLen(ctx, "working").Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, workingLen)
}
