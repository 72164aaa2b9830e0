package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/storage/memory"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveTask(_ Kind, _ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *recordingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

func fastPolicy(queue string, attempts int) Policy {
	return Policy{Queue: queue, RetryDelay: 10 * time.Millisecond, MaxAttempts: attempts}
}

func newTestDispatcher(t *testing.T, cfg Config, opts ...Option) (*Dispatcher, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	d := NewDispatcher(cfg, store, nil, opts...)
	t.Cleanup(d.Stop)
	return d, store
}

func TestDispatcherRunsHandler(t *testing.T) {
	obs := &recordingObserver{}
	d, _ := newTestDispatcher(t, Config{}, WithObserver(obs))

	got := make(chan string, 1)
	d.Register(KindPoll, HandlerFor(func(_ context.Context, task PollTask) error {
		got <- task.Address
		return nil
	}))
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), PollTask{Address: "a@example.com"}))
	select {
	case address := <-got:
		assert.Equal(t, "a@example.com", address)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Eventually(t, func() bool { return obs.count(OutcomeSuccess) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	obs := &recordingObserver{}
	d, store := newTestDispatcher(t, Config{}, WithObserver(obs), WithPolicy(KindExtract, fastPolicy(QueueCodeExtract, 3)))

	var calls int32
	d.Register(KindExtract, func(context.Context, Task) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("db busy")
		}
		return nil
	})
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), ExtractTask{Address: "a@example.com"}))
	assert.Eventually(t, func() bool { return obs.count(OutcomeSuccess) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, obs.count(OutcomeRetry))

	failures, err := store.ListTaskFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestDispatcherRecordsExhaustedTask(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, WithPolicy(KindPoll, fastPolicy(QueueMailboxPoll, 2)))

	var calls int32
	d.Register(KindPoll, func(context.Context, Task) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("imap connect: refused")
	})
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), PollTask{Address: "a@example.com"}))
	assert.Eventually(t, func() bool {
		failures, _ := store.ListTaskFailures(context.Background(), 10)
		return len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failures, err := store.ListTaskFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "check_single_email", failures[0].Kind)
	assert.Equal(t, QueueMailboxPoll, failures[0].Queue)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "refused")
	assert.Contains(t, failures[0].Payload, "a@example.com")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherPermanentErrorNotRetried(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, WithPolicy(KindSync, fastPolicy(QueueSync, 3)))

	var calls int32
	d.Register(KindSync, func(context.Context, Task) error {
		atomic.AddInt32(&calls, 1)
		return backoff.Permanent(errors.New("directory api not configured"))
	})
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), SyncTask{}))
	assert.Eventually(t, func() bool {
		failures, _ := store.ListTaskFailures(context.Background(), 10)
		return len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcherRecoversPanics(t *testing.T) {
	obs := &recordingObserver{}
	d, _ := newTestDispatcher(t, Config{}, WithObserver(obs), WithPolicy(KindCleanup, fastPolicy(QueueCleanup, 2)))

	var calls int32
	d.Register(KindCleanup, func(context.Context, Task) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil
	})
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), CleanupTask{}))
	assert.Eventually(t, func() bool { return obs.count(OutcomeSuccess) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, obs.count(OutcomeRetry))
}

func TestDispatcherQueueIsolation(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Workers: map[string]int{QueueMailboxPoll: 1}})

	release := make(chan struct{})
	d.Register(KindPoll, func(ctx context.Context, _ Task) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	extracted := make(chan struct{}, 1)
	d.Register(KindExtract, func(context.Context, Task) error {
		extracted <- struct{}{}
		return nil
	})
	d.Start()
	defer close(release)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Enqueue(context.Background(), PollTask{Address: "slow@example.com"}))
	}
	require.NoError(t, d.Enqueue(context.Background(), ExtractTask{Address: "fast@example.com"}))

	select {
	case <-extracted:
	case <-time.After(2 * time.Second):
		t.Fatal("extract queue blocked by poll queue")
	}
}

func TestDispatcherTaskTimeout(t *testing.T) {
	d, store := newTestDispatcher(t, Config{TaskTimeout: 20 * time.Millisecond},
		WithPolicy(KindPoll, fastPolicy(QueueMailboxPoll, 1)))

	d.Register(KindPoll, func(ctx context.Context, _ Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), PollTask{Address: "a@example.com"}))
	assert.Eventually(t, func() bool {
		failures, _ := store.ListTaskFailures(context.Background(), 10)
		return len(failures) == 1 && failures[0].Error == context.DeadlineExceeded.Error()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherEnqueueErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{QueueSize: 1})
	d.Register(KindSweep, func(context.Context, Task) error { return nil })

	err := d.Enqueue(context.Background(), PollTask{Address: "a@example.com"})
	assert.ErrorIs(t, err, ErrNoHandler)

	// 未启动 worker，第二个任务放不进队列
	require.NoError(t, d.Enqueue(context.Background(), SweepTask{}))
	assert.ErrorIs(t, d.Enqueue(context.Background(), SweepTask{}), ErrQueueFull)

	d.Stop()
	assert.ErrorIs(t, d.Enqueue(context.Background(), SweepTask{}), ErrDispatcherStopped)
}

func TestDispatcherStopDropsPendingRetries(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, WithPolicy(KindSync, Policy{Queue: QueueSync, RetryDelay: time.Hour, MaxAttempts: 3}))

	d.Register(KindSync, func(context.Context, Task) error { return errors.New("directory down") })
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), SyncTask{}))
	assert.Eventually(t, func() bool { return d.PendingRetries() == 1 }, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	assert.Zero(t, d.PendingRetries())

	failures, err := store.ListTaskFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestProvisionPayloadOmitsCredential(t *testing.T) {
	d, store := newTestDispatcher(t, Config{}, WithPolicy(KindProvision, fastPolicy(QueueProvision, 1)))
	d.Register(KindProvision, func(context.Context, Task) error { return errors.New("directory 500") })
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), ProvisionTask{
		Address: "a@example.com", Domain: "example.com", Credential: "s3cret!", ExpiresAt: time.Now().Add(time.Hour),
	}))
	assert.Eventually(t, func() bool {
		failures, _ := store.ListTaskFailures(context.Background(), 10)
		return len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failures, _ := store.ListTaskFailures(context.Background(), 10)
	assert.Contains(t, failures[0].Payload, "a@example.com")
	assert.NotContains(t, failures[0].Payload, "s3cret!")
}

func TestStats(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Workers: map[string]int{QueueMailboxPoll: 8}})
	stats := d.Stats()
	require.Len(t, stats, len(Queues()))
	for _, s := range stats {
		if s.Queue == QueueMailboxPoll {
			assert.Equal(t, 8, s.Workers)
		}
	}
}

func TestDefaultPolicies(t *testing.T) {
	assert.Equal(t, QueueMailboxPoll, QueueFor(KindPoll))
	assert.Equal(t, 5, DefaultPolicies[KindPoll].MaxAttempts)
	assert.Equal(t, 30*time.Second, DefaultPolicies[KindPoll].RetryDelay)
	assert.Equal(t, 10*time.Second, DefaultPolicies[KindExtract].RetryDelay)
	assert.Equal(t, 300*time.Second, DefaultPolicies[KindSync].RetryDelay)
	for kind := range DefaultPolicies {
		assert.NotEmpty(t, QueueFor(kind))
	}
}
