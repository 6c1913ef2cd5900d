package store

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beacon/internal/wire"
)

const collectURL = "https://collector.example/collect"

func TestPut_PeekReturnsInsertionOrder(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	putN(t, q, 5, collectURL, now)

	hits := q.Peek(ctx, 10)
	require.Len(t, hits, 5)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(hits))
	for i, h := range hits {
		assert.Equal(t, collectURL, h.Path)
		assert.Equal(t, now, h.Time)
		assert.Equal(t, map[string]string{"n": strconv.Itoa(i + 1)}, wire.DecodeParams(h.Params))
	}
}

func TestPut_BakesVersionCommand(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()

	params := map[string]string{"t": "event"}
	q.Put(ctx, params, clk.Now().UnixMilli(), collectURL, wire.DefaultCommands())

	hits := q.Peek(ctx, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, "_v=ma1b5&t=event", hits[0].Params)
	assert.NotContains(t, params, "_v", "caller params are not mutated")
}

func TestPut_EmptyPathDropped(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()

	q.Put(ctx, map[string]string{"t": "event"}, clk.Now().UnixMilli(), "", nil)
	assert.Equal(t, 0, q.Count(ctx))
}

func TestPut_EmptyPathKeepsFullQueueIntact(t *testing.T) {
	q, clk, _ := createTestQueue(t, WithCapacity(3))
	ctx := context.Background()

	putN(t, q, 3, collectURL, clk.Now().UnixMilli())
	q.Put(ctx, map[string]string{"t": "event"}, clk.Now().UnixMilli(), "", nil)

	require.Equal(t, 3, q.Count(ctx))
	assert.Equal(t, []int64{1, 2, 3}, ids(q.Peek(ctx, 10)))
}

func TestPut_EvictsOldestWhenFull(t *testing.T) {
	q, clk, _ := createTestQueue(t, WithCapacity(40))
	ctx := context.Background()

	putN(t, q, 45, collectURL, clk.Now().UnixMilli())

	require.Equal(t, 40, q.Count(ctx))
	hits := q.Peek(ctx, 100)
	require.Len(t, hits, 40)
	assert.Equal(t, int64(6), hits[0].ID)
	assert.Equal(t, int64(45), hits[39].ID)
	assert.Equal(t, "n=6", hits[0].Params)
	assert.Equal(t, "n=45", hits[39].Params)
}

func TestPut_IDsNeverReused(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	putN(t, q, 3, collectURL, now)
	q.Delete(ctx, q.Peek(ctx, 3))
	require.Equal(t, 0, q.Count(ctx))

	putN(t, q, 1, collectURL, now)
	hits := q.Peek(ctx, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(4), hits[0].ID)
}

func TestPeek_GroupsByDestination(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	q.Put(ctx, map[string]string{"n": "1"}, now, "https://b.example/collect", nil)
	q.Put(ctx, map[string]string{"n": "2"}, now, "https://a.example/collect", nil)
	q.Put(ctx, map[string]string{"n": "3"}, now, "https://b.example/collect", nil)
	q.Put(ctx, map[string]string{"n": "4"}, now, "https://a.example/collect", nil)

	hits := q.Peek(ctx, 10)
	assert.Equal(t, []int64{2, 4, 1, 3}, ids(hits))

	limited := q.Peek(ctx, 3)
	assert.Equal(t, []int64{2, 4, 1}, ids(limited))
	assert.Nil(t, q.Peek(ctx, 0))
}

func TestPeek_SkipsUnreadableRow(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	putN(t, q, 3, collectURL, clk.Now().UnixMilli())

	_, err := q.db.Exec(`UPDATE hits2 SET hit_time = 'not-a-time' WHERE hit_id = 2`)
	require.NoError(t, err)

	hits := q.Peek(ctx, 10)
	assert.Equal(t, []int64{1, 3}, ids(hits))
}

func TestPeek_OversizedHitReturnedEmpty(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	q.Put(ctx, map[string]string{"n": "1"}, now, collectURL, nil)
	q.Put(ctx, map[string]string{"big": strings.Repeat("x", MaxHitStringLength)}, now, collectURL, nil)
	q.Put(ctx, map[string]string{"n": "3"}, now, collectURL, nil)

	hits := q.Peek(ctx, 10)
	require.Len(t, hits, 3)
	assert.Equal(t, "n=1", hits[0].Params)
	assert.Empty(t, hits[1].Params)
	assert.Equal(t, "n=3", hits[2].Params)
}

func TestDeleteStale_OncePerInterval(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	now := clk.Now()

	// The first Put runs the daily purge before inserting, so the old
	// hit below survives until the next interval.
	q.Put(ctx, map[string]string{"n": "old"}, now.Add(-31*24*time.Hour).UnixMilli(), collectURL, nil)
	q.Put(ctx, map[string]string{"n": "new"}, now.UnixMilli(), collectURL, nil)
	require.Equal(t, 2, q.Count(ctx))

	assert.Equal(t, 0, q.DeleteStale(ctx), "purge already ran within the interval")

	clk.Advance(StaleCheckInterval + time.Millisecond)
	assert.Equal(t, 1, q.DeleteStale(ctx))

	hits := q.Peek(ctx, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "n=new", hits[0].Params)
}

func TestClear_ByAppID(t *testing.T) {
	listener := &emptinessRecorder{}
	q, clk, _ := createTestQueue(t, WithListener(listener))
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	q.Put(ctx, map[string]string{wire.AppUIDParam: "7", "n": "1"}, now, collectURL, nil)
	q.Put(ctx, map[string]string{wire.AppUIDParam: "8", "n": "2"}, now, collectURL, nil)
	q.Put(ctx, map[string]string{"n": "3"}, now, collectURL, nil)

	q.Clear(ctx, 7)
	assert.Equal(t, 2, q.Count(ctx))
	assert.False(t, listener.last())

	q.Clear(ctx, 0)
	assert.Equal(t, 0, q.Count(ctx))
	assert.True(t, listener.last())
}

func TestDispatch_DeletesHandledPrefix(t *testing.T) {
	d := &stubDispatcher{ok: true, handle: 2}
	q, clk, _ := createTestQueue(t, WithDispatcher(d))
	ctx := context.Background()
	putN(t, q, 5, collectURL, clk.Now().UnixMilli())

	assert.Equal(t, 2, q.Dispatch(ctx))

	require.Len(t, d.batches, 1)
	assert.Len(t, d.batches[0], 5)
	assert.Equal(t, []int64{3, 4, 5}, ids(q.Peek(ctx, 10)))
}

func TestDispatch_RequestsAnotherCycleWhenBacklogRemains(t *testing.T) {
	d := &stubDispatcher{ok: true, handle: -1}
	redispatches := 0
	q, clk, _ := createTestQueue(t,
		WithDispatcher(d),
		WithDispatchBatch(4),
		WithRedispatch(func() { redispatches++ }),
	)
	ctx := context.Background()
	putN(t, q, 6, collectURL, clk.Now().UnixMilli())

	assert.Equal(t, 4, q.Dispatch(ctx))
	assert.Equal(t, 1, redispatches)
	assert.Equal(t, 2, q.Count(ctx))

	assert.Equal(t, 2, q.Dispatch(ctx))
	assert.Equal(t, 1, redispatches, "drained queue does not ask again")
}

func TestDispatch_NotOkOrEmpty(t *testing.T) {
	listener := &emptinessRecorder{}
	d := &stubDispatcher{ok: false, handle: -1}
	q, clk, _ := createTestQueue(t, WithDispatcher(d), WithListener(listener))
	ctx := context.Background()

	putN(t, q, 1, collectURL, clk.Now().UnixMilli())
	assert.Equal(t, 0, q.Dispatch(ctx))
	assert.Empty(t, d.batches)
	assert.Equal(t, 1, q.Count(ctx))

	d.ok = true
	q.Clear(ctx, 0)
	assert.Equal(t, 0, q.Dispatch(ctx))
	assert.Empty(t, d.batches)
	assert.True(t, listener.last())
}

func TestDispatch_NoDispatcher(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	putN(t, q, 1, collectURL, clk.Now().UnixMilli())
	assert.Equal(t, 0, q.Dispatch(context.Background()))
}

func TestFault_DegradesThenRecoversAfterCooldown(t *testing.T) {
	q, clk, _ := createTestQueue(t)
	ctx := context.Background()
	putN(t, q, 2, collectURL, clk.Now().UnixMilli())

	// Pull the handle out from under the queue to simulate an I/O fault.
	require.NoError(t, q.db.Close())

	q.Put(ctx, map[string]string{"n": "lost"}, clk.Now().UnixMilli(), collectURL, nil)
	assert.Equal(t, 0, q.Count(ctx), "store is a no-op during the cooldown")
	assert.Nil(t, q.Peek(ctx, 10))

	clk.Advance(RecoveryCooldown - time.Millisecond)
	assert.Equal(t, 0, q.Count(ctx))

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, q.Count(ctx), "reopened store keeps the hits written before the fault")
}

func TestListener_ReportsNonEmptyOnPut(t *testing.T) {
	listener := &emptinessRecorder{}
	q, clk, _ := createTestQueue(t, WithListener(listener))
	ctx := context.Background()

	putN(t, q, 1, collectURL, clk.Now().UnixMilli())
	require.NotEmpty(t, listener.reports)
	assert.False(t, listener.last())

	q.Delete(ctx, q.Peek(ctx, 1))
	assert.True(t, listener.last())
}
