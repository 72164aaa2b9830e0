package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/tasks"
)

type recordingReceiver struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (r *recordingReceiver) SendAlert(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestAlertManagerCooldownAndResolve(t *testing.T) {
	ctx := context.Background()
	am := NewAlertManager(zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	rcv := &recordingReceiver{}
	am.AddReceiver(rcv)

	firing := true
	am.AddRule(AlertRule{
		ID:        "test",
		Name:      "Test",
		Condition: func() bool { return firing },
		Level:     AlertLevelWarning,
		Cooldown:  time.Minute,
	})

	am.CheckRules(ctx)
	require.Equal(t, 1, rcv.count())
	assert.Len(t, am.GetActiveAlerts(), 1)

	now = now.Add(30 * time.Second)
	am.CheckRules(ctx)
	assert.Equal(t, 1, rcv.count(), "cooldown suppresses repeats")

	firing = false
	am.CheckRules(ctx)
	assert.Empty(t, am.GetActiveAlerts())
	assert.Len(t, am.GetAlerts(), 1)

	firing = true
	now = now.Add(time.Minute)
	am.CheckRules(ctx)
	assert.Equal(t, 2, rcv.count())
}

func TestTriggerAlertDeduplicates(t *testing.T) {
	am := NewAlertManager(nil)
	rcv := &recordingReceiver{}
	am.AddReceiver(rcv)

	am.TriggerAlert(context.Background(), &Alert{ID: "a"})
	am.TriggerAlert(context.Background(), &Alert{ID: "a"})
	assert.Equal(t, 1, rcv.count())

	am.ResolveAlert("a")
	am.TriggerAlert(context.Background(), &Alert{ID: "a"})
	assert.Equal(t, 2, rcv.count())
}

func TestBuiltinRules(t *testing.T) {
	m := NewMetrics()

	t.Run("目录同步连续失败", func(t *testing.T) {
		rule := ReconcileFailureRule(m, 2)
		m.RecordReconcile(&domain.SyncResult{Status: domain.SyncStatusFailed})
		assert.False(t, rule.Condition())
		m.RecordReconcile(&domain.SyncResult{Status: domain.SyncStatusFailed})
		assert.True(t, rule.Condition())
	})

	t.Run("任务失败激增", func(t *testing.T) {
		rule := TaskFailureBurstRule(m, 2)
		m.ObserveTask(tasks.KindSync, tasks.QueueSync, tasks.OutcomeFailed, 0)
		m.ObserveTask(tasks.KindSync, tasks.QueueSync, tasks.OutcomeFailed, 0)
		assert.True(t, rule.Condition())
		assert.False(t, rule.Condition(), "counts only failures since the last check")
	})

	t.Run("队列积压", func(t *testing.T) {
		depth := 3
		rule := QueueBacklogRule(func() []tasks.QueueStats {
			return []tasks.QueueStats{{Queue: tasks.QueueMailboxPoll, Depth: depth}}
		}, 5)
		assert.False(t, rule.Condition())
		depth = 5
		assert.True(t, rule.Condition())
	})

	t.Run("数据库连接", func(t *testing.T) {
		rule := DatabaseConnectionRule(func(context.Context) error { return errors.New("down") })
		assert.True(t, rule.Condition())
	})
}

func TestWebhookAlertReceiver(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rcv := NewWebhookAlertReceiver(srv.URL)
	require.NoError(t, rcv.SendAlert(context.Background(), &Alert{ID: "x", Title: "Queue Backlog"}))
	assert.Equal(t, "Queue Backlog", got.Title)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, NewWebhookAlertReceiver(failing.URL).SendAlert(context.Background(), &Alert{ID: "y"}))
}
