package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/notification"
	"devicehub-backend/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recorder) Dispatch(ev notification.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []notification.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]notification.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

type harness struct {
	engine *Engine
	db     *gorm.DB
	clock  *testClock
	events *recorder
}

func newHarness(t *testing.T) *harness {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gormDB.AutoMigrate(
		&model.Group{}, &model.Device{}, &model.Reservation{}, &model.UsageHistory{},
		&model.QueueEntry{}, &model.ShareRequest{},
	))

	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	events := &recorder{}
	e := New(store.NewGormStore(gormDB), events)
	e.now = clock.Now
	return &harness{engine: e, db: gormDB, clock: clock, events: events}
}

func (h *harness) device(t *testing.T, name string) int64 {
	d := model.Device{Name: name, IP: name + ".lab", Owner: "ops", Creator: "ops", SupportQueue: true}
	require.NoError(t, h.db.Create(&d).Error)
	return d.ID
}

func (h *harness) holder(t *testing.T, deviceID int64) string {
	var rows []model.Reservation
	require.NoError(t, h.db.Where("device_id = ?", deviceID).Find(&rows).Error)
	require.LessOrEqual(t, len(rows), 1, "more than one live reservation on device %d", deviceID)
	if len(rows) == 0 {
		return ""
	}
	return rows[0].User
}

func (h *harness) waiters(t *testing.T, deviceID int64) []string {
	var rows []model.QueueEntry
	require.NoError(t, h.db.Where("device_id = ?", deviceID).Find(&rows).Error)
	users := []string{}
	for _, q := range orderQueue(rows) {
		users = append(users, q.User)
	}
	return users
}

var (
	alice = Caller{User: "alice"}
	bob   = Caller{User: "bob"}
	carol = Caller{User: "carol"}
	lead  = Caller{User: "lead", Elevated: true}
	root  = Caller{User: "root", Admin: true}
)

func TestUseReleasePromoteScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)

	_, err = h.engine.Use(ctx, bob, d, "")
	assert.ErrorIs(t, err, ErrAlreadyOccupied)

	res, err := h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, 1, res.Position)

	rel, err := h.engine.Release(ctx, alice, d)
	require.NoError(t, err)
	assert.Equal(t, "bob", rel.NextHolder)
	assert.Equal(t, "bob", h.holder(t, d))
	assert.Empty(t, h.waiters(t, d))
	assert.Equal(t, []notification.EventKind{notification.EventPromoted}, h.events.kinds())

	var history []model.UsageHistory
	require.NoError(t, h.db.Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].User)
	assert.Equal(t, model.EndReasonReleased, history[0].EndReason)
}

func TestReleaseWithEmptyQueueFreesDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)

	_, err = h.engine.Release(ctx, bob, d)
	assert.ErrorIs(t, err, ErrNotHolder)

	rel, err := h.engine.Release(ctx, alice, d)
	require.NoError(t, err)
	assert.Empty(t, rel.NextHolder)
	assert.Empty(t, h.holder(t, d))

	_, err = h.engine.Release(ctx, alice, d)
	assert.ErrorIs(t, err, ErrNotHolder)
}

func TestAdminMayReleaseAnyHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	_, err = h.engine.Release(ctx, root, d)
	require.NoError(t, err)
	assert.Empty(t, h.holder(t, d))
}

func TestQueuePromotionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, root, d, "")
	require.NoError(t, err)

	a := Caller{User: "a", Elevated: true}
	b := Caller{User: "b"}
	c := Caller{User: "c", Elevated: true}

	h.clock.Advance(time.Second)
	res, err := h.engine.Enqueue(ctx, a, d, model.TierPriority, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)

	h.clock.Advance(time.Second)
	res, err = h.engine.Enqueue(ctx, b, d, model.TierNormal, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)

	h.clock.Advance(time.Second)
	res, err = h.engine.Enqueue(ctx, c, d, model.TierPriority, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)

	assert.Equal(t, []string{"a", "c", "b"}, h.waiters(t, d))

	var promoted []string
	holder := root
	for _, next := range []Caller{a, c, b} {
		rel, err := h.engine.Release(ctx, holder, d)
		require.NoError(t, err)
		promoted = append(promoted, rel.NextHolder)
		holder = next
	}
	assert.Equal(t, []string{"a", "c", "b"}, promoted)
	assert.Empty(t, h.waiters(t, d))
}

func TestEnqueueRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")
	closed := h.device(t, "bench-closed")
	require.NoError(t, h.db.Model(&model.Device{}).Where("id = ?", closed).Update("support_queue", false).Error)

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)

	testCases := []struct {
		name     string
		caller   Caller
		deviceID int64
		tier     model.Tier
		expected error
	}{
		{"device without queue", bob, closed, model.TierNormal, ErrDeviceNotQueueable},
		{"already queued", bob, d, model.TierNormal, ErrAlreadyQueued},
		{"holder cannot queue", alice, d, model.TierNormal, ErrAlreadyHolder},
		{"priority needs elevation", carol, d, model.TierPriority, ErrForbidden},
		{"unknown tier", carol, d, model.Tier("vip"), ErrInvalidTier},
		{"missing device", carol, 9999, model.TierNormal, ErrDeviceNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Enqueue(ctx, tc.caller, tc.deviceID, tc.tier, "")
			assert.ErrorIs(t, err, tc.expected)
		})
	}
	assert.Equal(t, []string{"bob"}, h.waiters(t, d))
}

func TestEnqueueOnFreeDeviceGrantsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	res, err := h.engine.Enqueue(ctx, alice, d, model.TierNormal, "smoke test")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, "alice", h.holder(t, d))
	assert.Empty(t, h.waiters(t, d))
}

func TestCancelQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.CancelQueue(ctx, bob, d), ErrNotQueued)

	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)
	require.NoError(t, h.engine.CancelQueue(ctx, bob, d))
	assert.Empty(t, h.waiters(t, d))
}

func TestPreemptDoesNotRequeueDisplacedHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Preempt(ctx, lead, d, "")
	assert.ErrorIs(t, err, ErrNotOccupied)

	_, err = h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, lead, d, model.TierNormal, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)

	_, err = h.engine.Preempt(ctx, bob, d, "")
	assert.ErrorIs(t, err, ErrForbidden)

	res, err := h.engine.Preempt(ctx, lead, d, "hotfix")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Displaced)
	assert.Equal(t, "lead", h.holder(t, d))
	assert.Equal(t, []string{"bob"}, h.waiters(t, d), "preemptor leaves the queue, displaced holder is not added")

	_, err = h.engine.Preempt(ctx, lead, d, "")
	assert.ErrorIs(t, err, ErrSelfPreempt)

	var history model.UsageHistory
	require.NoError(t, h.db.Where("device_id = ?", d).First(&history).Error)
	assert.Equal(t, model.EndReasonPreempted, history.EndReason)
	assert.Contains(t, h.events.kinds(), notification.EventPreempted)
}

func TestPreemptLongTermReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.LongTermUse(ctx, alice, d, h.clock.Now().Add(48*time.Hour), "soak")
	require.NoError(t, err)
	_, err = h.engine.Preempt(ctx, root, d, "")
	require.NoError(t, err)
	assert.Equal(t, "root", h.holder(t, d))
}

func TestLongTermUseAndLazyExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.LongTermUse(ctx, alice, d, h.clock.Now(), "")
	assert.ErrorIs(t, err, ErrInvalidEndDate)

	_, err = h.engine.LongTermUse(ctx, alice, d, h.clock.Now().Add(time.Hour), "soak")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)

	usage, err := h.engine.Usage(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, store.StatusLongTermOccupied, usage.Status)
	assert.Equal(t, "alice", usage.Holder)

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, "alice", h.holder(t, d), "nothing expires until the device is touched")

	usage, err = h.engine.Usage(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOccupied, usage.Status)
	assert.Equal(t, "bob", usage.Holder)
	assert.Empty(t, usage.Queue)

	var history model.UsageHistory
	require.NoError(t, h.db.Where("device_id = ?", d).First(&history).Error)
	assert.Equal(t, model.EndReasonExpired, history.EndReason)
	assert.Equal(t, 120, history.DurationMinutes)
}

func TestListExpiresDueReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.LongTermUse(ctx, alice, d, h.clock.Now().Add(time.Hour), "")
	require.NoError(t, err)
	h.clock.Advance(3 * time.Hour)

	items, total, err := h.engine.List(ctx, store.DeviceFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, store.StatusAvailable, items[0].Status)
	assert.Empty(t, h.holder(t, d))
}

func TestListReportsDurationAndAdvisoryLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")
	require.NoError(t, h.db.Model(&model.Device{}).Where("id = ?", d).Update("max_occupy_minutes", 30).Error)

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)
	h.clock.Advance(45 * time.Minute)

	items, _, err := h.engine.List(ctx, store.DeviceFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].Holder)
	assert.Equal(t, int64(45*60), items[0].OccupiedSeconds)
	assert.Equal(t, int64(45), items[0].OccupiedMinutes)
	assert.Equal(t, 1, items[0].QueueCount)
	assert.True(t, items[0].OverLimit)
	assert.Equal(t, "alice", h.holder(t, d), "the limit is never enforced")
}

func TestConcurrentUseGrantsExactlyOneHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Use(ctx, Caller{User: fmt.Sprintf("user-%d", i)}, d, "")
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyOccupied)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.NotEmpty(t, h.holder(t, d))
	assert.Zero(t, h.engine.locks.size())
}

func TestConcurrentReleasePreemptEnqueueKeepOneHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	for _, c := range []Caller{bob, carol} {
		_, err = h.engine.Enqueue(ctx, c, d, model.TierNormal, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var releaseErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, releaseErr = h.engine.Release(ctx, alice, d)
	}()
	go func() {
		defer wg.Done()
		_, err := h.engine.Preempt(ctx, lead, d, "")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, h.engine.CancelQueue(ctx, carol, d))
	}()
	joiners := make([]string, 5)
	for i := range joiners {
		joiners[i] = fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := h.engine.Enqueue(ctx, Caller{User: user}, d, model.TierNormal, "")
			assert.NoError(t, err)
		}(joiners[i])
	}
	wg.Wait()

	var reservations int64
	require.NoError(t, h.db.Model(&model.Reservation{}).Where("device_id = ?", d).Count(&reservations).Error)
	assert.Equal(t, int64(1), reservations)
	assert.Equal(t, "lead", h.holder(t, d), "nothing releases after the preemption")

	waiters := h.waiters(t, d)
	seen := map[string]bool{}
	for _, w := range waiters {
		assert.False(t, seen[w], "duplicate queue entry for %s", w)
		seen[w] = true
		assert.NotEqual(t, "lead", w)
	}
	assert.NotContains(t, waiters, "carol")
	for _, j := range joiners {
		assert.Contains(t, waiters, j)
	}
	if releaseErr == nil {
		assert.NotContains(t, waiters, "bob", "bob was promoted and then displaced")
	} else {
		assert.ErrorIs(t, releaseErr, ErrNotHolder)
		assert.Contains(t, waiters, "bob")
	}
	assert.Zero(t, h.engine.locks.size())
}

func TestDeleteDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.device(t, "bench-1")

	_, err := h.engine.Use(ctx, alice, d, "")
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, bob, d, model.TierNormal, "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.DeleteDevice(ctx, alice, d), ErrForbidden)
	require.NoError(t, h.engine.DeleteDevice(ctx, root, d))
	assert.Empty(t, h.holder(t, d))
	assert.Empty(t, h.waiters(t, d))

	_, err = h.engine.Use(ctx, alice, d, "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestOrderQueue(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.QueueEntry{
		{ID: 1, User: "n1", Tier: model.TierNormal, EnqueuedAt: t0},
		{ID: 2, User: "p2", Tier: model.TierPriority, EnqueuedAt: t0.Add(2 * time.Second)},
		{ID: 3, User: "n0", Tier: model.TierNormal, EnqueuedAt: t0.Add(-time.Second)},
		{ID: 4, User: "p1", Tier: model.TierPriority, EnqueuedAt: t0.Add(time.Second)},
		{ID: 5, User: "n2", Tier: model.TierNormal, EnqueuedAt: t0},
	}
	var users []string
	for _, e := range orderQueue(entries) {
		users = append(users, e.User)
	}
	assert.Equal(t, []string{"p1", "p2", "n0", "n1", "n2"}, users)
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, KindStateConflict, KindOf(fmt.Errorf("wrapped: %w", ErrNotHolder)))
	assert.Equal(t, KindCapability, KindOf(ErrDeviceNotQueueable))
	assert.Equal(t, KindNotFound, KindOf(ErrShareNotFound))
	assert.Equal(t, KindValidation, KindOf(ErrInvalidEndDate))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, "not_holder", ReasonOf(ErrNotHolder))
	assert.Equal(t, "internal", ReasonOf(fmt.Errorf("boom")))
}
