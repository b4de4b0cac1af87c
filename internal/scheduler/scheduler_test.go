package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/billing-engine/internal/billing"
	"github.com/PortNumber53/billing-engine/internal/entitlement"
	"github.com/PortNumber53/billing-engine/internal/gateway"
	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store/storetest"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newScheduler(t *testing.T, locker Locker) *Scheduler {
	t.Helper()
	s := New(Config{ShutdownTimeout: time.Second}, quietLogger(), locker)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

// blockingTask returns a task that signals started and waits for release.
func blockingTask(name string) (Task, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	return Task{
		Name: name,
		Run: func(ctx context.Context) (any, error) {
			started <- struct{}{}
			<-release
			return "done", nil
		},
	}, started, release
}

func TestTriggerRejectsOverlappingRun(t *testing.T) {
	s := newScheduler(t, nil)
	task, started, release := blockingTask("billing")
	require.NoError(t, s.Register(task))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := s.Trigger(context.Background(), "billing")
		assert.NoError(t, err)
		assert.Equal(t, "done", res)
	}()
	<-started

	_, err := s.Trigger(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, s.Stats()["billing"].Running)

	close(release)
	wg.Wait()

	stats := s.Stats()["billing"]
	assert.False(t, stats.Running)
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)
}

func TestGuardsAreIndependentPerTask(t *testing.T) {
	s := newScheduler(t, nil)
	billingTask, started, release := blockingTask("billing")
	require.NoError(t, s.Register(billingTask))
	require.NoError(t, s.Register(Task{Name: "sweep", Run: func(context.Context) (any, error) { return nil, nil }}))

	go func() { _, _ = s.Trigger(context.Background(), "billing") }()
	<-started

	_, err := s.Trigger(context.Background(), "sweep")
	assert.NoError(t, err)
	close(release)
}

func TestTriggerUnknownTask(t *testing.T) {
	s := newScheduler(t, nil)
	_, err := s.Trigger(context.Background(), "refunds")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRegisterValidation(t *testing.T) {
	s := newScheduler(t, nil)
	noop := func(context.Context) (any, error) { return nil, nil }

	require.NoError(t, s.Register(Task{Name: "billing", Schedule: "0 2 * * *", Run: noop}))
	assert.Error(t, s.Register(Task{Name: "billing", Run: noop}))
	assert.Error(t, s.Register(Task{Name: "sweep", Schedule: "every day", Run: noop}))
	assert.Error(t, s.Register(Task{Name: "empty"}))
	assert.Equal(t, []string{"billing"}, s.Tasks())
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	s := newScheduler(t, nil)
	var failed atomic.Int32
	s.SetInstrumentation(&Instrumentation{
		OnFail: func(task string, err error, _ time.Duration) { failed.Add(1) },
	})
	require.NoError(t, s.Register(Task{Name: "sweep", Run: func(context.Context) (any, error) {
		panic("nil map")
	}}))

	_, err := s.Trigger(context.Background(), "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, int32(1), failed.Load())

	// The guard was released.
	_, err = s.Trigger(context.Background(), "sweep")
	assert.NotErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int64(2), s.Stats()["sweep"].Failed)
}

func TestScheduledTickFires(t *testing.T) {
	s := newScheduler(t, nil)
	var runs atomic.Int32
	var completed atomic.Int32
	s.SetInstrumentation(&Instrumentation{
		OnComplete: func(string, time.Duration) { completed.Add(1) },
	})
	require.NoError(t, s.Register(Task{Name: "sweep", Schedule: "@every 1s", Run: func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	}}))

	s.Start()
	assert.False(t, s.Stats()["sweep"].NextRunAt.IsZero())
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return completed.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestStopWaitsForRunningTaskAndRejectsNewRuns(t *testing.T) {
	s := New(Config{ShutdownTimeout: 2 * time.Second}, quietLogger(), nil)
	task, started, release := blockingTask("billing")
	require.NoError(t, s.Register(task))
	s.Start()

	go func() { _, _ = s.Trigger(context.Background(), "billing") }()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	_, err := s.Trigger(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopCancelsTaskAfterTimeout(t *testing.T) {
	s := New(Config{ShutdownTimeout: 20 * time.Millisecond}, quietLogger(), nil)
	started := make(chan struct{})
	require.NoError(t, s.Register(Task{Name: "billing", Run: func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	go func() { _, _ = s.Trigger(context.Background(), "billing") }()
	<-started

	assert.Error(t, s.Stop(context.Background()))
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "test:lock:"), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	release, ok, err := locker.Acquire(ctx, "billing", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:billing"))

	_, ok, err = locker.Acquire(ctx, "billing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock:billing"))

	_, ok, err = locker.Acquire(ctx, "billing", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	release, ok, err := locker.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expires and another instance takes it.
	mr.FastForward(2 * time.Second)
	_, ok, err = locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("test:lock:sweep"))
}

func TestRedisLockerExcludesAcrossSchedulers(t *testing.T) {
	locker, _ := newRedisLocker(t)
	first := newScheduler(t, locker)
	second := newScheduler(t, locker)

	task, started, release := blockingTask("billing")
	require.NoError(t, first.Register(task))
	require.NoError(t, second.Register(Task{Name: "billing", Run: func(context.Context) (any, error) {
		t.Error("second instance must not run while the first holds the lock")
		return nil, nil
	}}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = first.Trigger(context.Background(), "billing")
	}()
	<-started

	_, err := second.Trigger(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	<-done
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func TestLockerErrorSkipsRun(t *testing.T) {
	s := newScheduler(t, failingLocker{})
	ran := false
	require.NoError(t, s.Register(Task{Name: "billing", Run: func(context.Context) (any, error) {
		ran = true
		return nil, nil
	}}))

	_, err := s.Trigger(context.Background(), "billing")
	assert.Error(t, err)
	assert.False(t, ran)
}

// Two ticks racing on the same scheduler must charge a due subscription once.
func TestConcurrentBillingTicksChargeOnce(t *testing.T) {
	now := time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)
	mem := storetest.New()
	mem.Now = func() time.Time { return now }

	userID := mem.AddUser(models.User{Name: "Park", Grade: models.PlanPro, MembershipStatus: models.MembershipActive})
	mem.AddBillingKey(models.BillingKey{UserID: userID, Token: "bk"})
	mem.AddSubscription(models.Subscription{
		UserID:          userID,
		PlanType:        models.PlanPro,
		Status:          models.SubscriptionActive,
		NextBillingDate: now.Add(-time.Hour),
		Price:           9900,
		BillingCycle:    models.CycleMonthly,
	})

	gw := gateway.NewMock()
	inCharge := make(chan struct{}, 1)
	proceed := make(chan struct{})
	gw.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		inCharge <- struct{}{}
		<-proceed
		return gateway.Approve("T-" + req.OrderID), nil
	}

	cfg := billing.DefaultConfig()
	cfg.CallInterval = 0
	orch := billing.NewOrchestrator(cfg, billing.Deps{
		Subscriptions: mem,
		Keys:          mem,
		Audit:         mem,
		Users:         mem,
		Entitlements:  entitlement.NewSynchronizer(mem, quietLogger()),
		Gateway:       gw,
		Logger:        quietLogger(),
		Now:           func() time.Time { return now },
	})

	s := newScheduler(t, nil)
	require.NoError(t, s.Register(Task{Name: "billing", Run: func(ctx context.Context) (any, error) {
		return orch.Run(ctx)
	}}))

	first := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "billing")
		first <- err
	}()
	<-inCharge

	_, err := s.Trigger(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(proceed)
	require.NoError(t, <-first)

	assert.Len(t, gw.Charges(), 1)
	logs := mem.PaymentLogs(userID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.PaymentSuccess, logs[0].Status)
}
