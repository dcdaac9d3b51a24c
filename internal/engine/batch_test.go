package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub-backend/internal/model"
)

func TestBatchReleasePartialSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.device(t, "bench-1")
	d2 := h.device(t, "bench-2")
	d3 := h.device(t, "bench-3")

	for _, id := range []int64{d1, d3} {
		_, err := h.engine.Use(ctx, alice, id, "")
		require.NoError(t, err)
	}
	_, err := h.engine.Use(ctx, bob, d2, "")
	require.NoError(t, err)

	outcomes, err := h.engine.BatchRelease(ctx, alice, []int64{d3, d2, d1, d3})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, Outcome{DeviceID: d1, Success: true}, outcomes[0])
	assert.Equal(t, d2, outcomes[1].DeviceID)
	assert.False(t, outcomes[1].Success)
	assert.Equal(t, "not_holder", outcomes[1].Reason)
	assert.Equal(t, Outcome{DeviceID: d3, Success: true}, outcomes[2])

	assert.Empty(t, h.holder(t, d1))
	assert.Equal(t, "bob", h.holder(t, d2))
	assert.Empty(t, h.holder(t, d3))
}

func TestBatchReleaseDefaultsToHeldDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.device(t, "bench-1")
	d2 := h.device(t, "bench-2")

	_, err := h.engine.Use(ctx, alice, d2, "")
	require.NoError(t, err)
	_, err = h.engine.Use(ctx, alice, d1, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d2, model.TierNormal, "")
	require.NoError(t, err)

	outcomes, err := h.engine.BatchRelease(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{
		{DeviceID: d1, Success: true},
		{DeviceID: d2, Success: true, NextHolder: "bob"},
	}, outcomes)
}

func TestBatchCancelMyQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.device(t, "bench-1")
	d2 := h.device(t, "bench-2")

	for _, id := range []int64{d1, d2} {
		_, err := h.engine.Use(ctx, alice, id, "")
		require.NoError(t, err)
		_, err = h.engine.Enqueue(ctx, bob, id, model.TierNormal, "")
		require.NoError(t, err)
	}
	_, err := h.engine.Enqueue(ctx, carol, d1, model.TierNormal, "")
	require.NoError(t, err)

	outcomes, err := h.engine.BatchCancelQueues(ctx, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{{DeviceID: d1, Success: true}, {DeviceID: d2, Success: true}}, outcomes)
	assert.Equal(t, []string{"carol"}, h.waiters(t, d1))
	assert.Empty(t, h.waiters(t, d2))

	outcomes, err = h.engine.BatchCancelQueues(ctx, bob, []int64{d1})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "not_queued", outcomes[0].Reason)
}

func TestDailyCleanupKeepsRunningLongTermReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	short := h.device(t, "bench-1")
	long := h.device(t, "bench-2")

	_, err := h.engine.Use(ctx, alice, short, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, short, model.TierNormal, "")
	require.NoError(t, err)
	_, err = h.engine.LongTermUse(ctx, carol, long, h.clock.Now().Add(72*time.Hour), "soak")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, long, model.TierNormal, "")
	require.NoError(t, err)

	outcomes, err := h.engine.Cleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{
		{DeviceID: short, Success: true},
		{DeviceID: long, Success: true, Skipped: true},
	}, outcomes)

	assert.Empty(t, h.holder(t, short), "no promotion during cleanup")
	assert.Empty(t, h.waiters(t, short))
	assert.Equal(t, "carol", h.holder(t, long))
	assert.Equal(t, []string{"bob"}, h.waiters(t, long))

	var history model.UsageHistory
	require.NoError(t, h.db.Where("device_id = ?", short).First(&history).Error)
	assert.Equal(t, model.EndReasonCleanup, history.EndReason)
}

func TestForceCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	long := h.device(t, "bench-1")

	_, err := h.engine.LongTermUse(ctx, carol, long, h.clock.Now().Add(72*time.Hour), "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, long, model.TierNormal, "")
	require.NoError(t, err)

	_, err = h.engine.ForceCleanup(ctx, alice)
	assert.ErrorIs(t, err, ErrForbidden)

	outcomes, err := h.engine.ForceCleanup(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{{DeviceID: long, Success: true}}, outcomes)
	assert.Empty(t, h.holder(t, long))
	assert.Empty(t, h.waiters(t, long))
}

func TestMySummaryListsHeldDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.device(t, "bench-1")
	d2 := h.device(t, "bench-2")

	_, err := h.engine.Use(ctx, alice, d1, "")
	require.NoError(t, err)
	_, err = h.engine.LongTermUse(ctx, alice, d2, h.clock.Now().Add(time.Hour), "")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	summary, err := h.engine.MySummary(ctx, alice)
	require.NoError(t, err)
	require.Len(t, summary.OccupiedDevices, 2)
	assert.Equal(t, "bench-1", summary.OccupiedDevices[0].DeviceName)
	assert.Equal(t, int64(600), summary.OccupiedDevices[0].OccupiedSeconds)
	assert.True(t, summary.OccupiedDevices[1].IsLongTerm)
	assert.Empty(t, summary.SharedDevices)

	h.clock.Advance(time.Hour)
	summary, err = h.engine.MySummary(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, summary.OccupiedDevices, 1, "expired long-term reservation is not reported")
}

func TestAscending(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 5}, ascending([]int64{5, 1, 2, 5, 1}))
	assert.Empty(t, ascending(nil))
}
