package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/tasks"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	kinds []tasks.Kind
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, task tasks.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.kinds = append(r.kinds, task.Kind())
	return nil
}

func (r *recordingEnqueuer) count(kind tasks.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestFire(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := New(enq, DefaultTriggers(0, 0, 0), nil)

	require.NoError(t, s.Fire(context.Background(), TriggerSync))
	require.NoError(t, s.Fire(context.Background(), TriggerCleanup))
	require.NoError(t, s.Fire(context.Background(), TriggerSweep))
	assert.Equal(t, []tasks.Kind{tasks.KindSync, tasks.KindCleanup, tasks.KindSweep}, enq.kinds)

	err := s.Fire(context.Background(), "reboot")
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestFireRecordsState(t *testing.T) {
	enq := &recordingEnqueuer{err: errors.New("task queue is full")}
	s := New(enq, DefaultTriggers(0, 0, 0), nil)

	assert.Error(t, s.Fire(context.Background(), TriggerSweep))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{TriggerCleanup, TriggerSweep, TriggerSync}, s.Names())

	var sweep TriggerState
	for _, st := range snap {
		if st.Name == TriggerSweep {
			sweep = st
		}
	}
	assert.Equal(t, int64(1), sweep.Fires)
	assert.NotNil(t, sweep.LastFired)
	assert.Equal(t, "task queue is full", sweep.LastError)
	assert.Nil(t, sweep.NextFire)

	enq.err = nil
	require.NoError(t, s.Fire(context.Background(), TriggerSweep))
	for _, st := range s.Snapshot() {
		if st.Name == TriggerSweep {
			assert.Empty(t, st.LastError)
			assert.Equal(t, int64(2), st.Fires)
		}
	}
}

func TestRunFiresOnSchedule(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := New(enq, DefaultTriggers(time.Second, time.Hour, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return enq.count(tasks.KindSweep) >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, enq.count(tasks.KindCleanup))

	for _, st := range s.Snapshot() {
		if st.Name == TriggerSync {
			assert.NotNil(t, st.NextFire)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
