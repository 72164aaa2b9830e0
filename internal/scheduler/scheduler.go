// Package scheduler 按固定间隔触发周期任务，触发器只负责入队。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailcode/backend/internal/tasks"
)

// 触发器名称
const (
	TriggerSweep   = "sweep"
	TriggerSync    = "sync"
	TriggerCleanup = "cleanup"
)

// ErrUnknownTrigger 未注册的触发器
var ErrUnknownTrigger = errors.New("unknown trigger")

// Trigger 描述一个周期触发器
type Trigger struct {
	Name     string
	Interval time.Duration
	Task     func() tasks.Task
}

// TriggerState 是触发器的运行快照
type TriggerState struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Fires     int64         `json:"fires"`
	LastFired *time.Time    `json:"last_fired,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	NextFire  *time.Time    `json:"next_fire,omitempty"`
}

// DefaultTriggers 返回三个内置触发器
func DefaultTriggers(sweepEvery, syncEvery, cleanupEvery time.Duration) []Trigger {
	return []Trigger{
		{Name: TriggerSweep, Interval: sweepEvery, Task: func() tasks.Task { return tasks.SweepTask{} }},
		{Name: TriggerSync, Interval: syncEvery, Task: func() tasks.Task { return tasks.SyncTask{} }},
		{Name: TriggerCleanup, Interval: cleanupEvery, Task: func() tasks.Task { return tasks.CleanupTask{} }},
	}
}

type entry struct {
	trigger Trigger
	id      cron.EntryID
	state   TriggerState
}

// Scheduler 基于 robfig/cron 的触发时钟
type Scheduler struct {
	cron     *cron.Cron
	enqueuer tasks.Enqueuer
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	rootCtx   context.Context
	startOnce sync.Once
	stopOnce  sync.Once
}

// New 创建调度器，Interval 非正的触发器只能手动触发
func New(enqueuer tasks.Enqueuer, triggers []Trigger, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		enqueuer: enqueuer,
		log:      log.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*entry),
		rootCtx:  context.Background(),
	}
	for _, t := range triggers {
		e := &entry{trigger: t, state: TriggerState{Name: t.Name, Interval: t.Interval}}
		s.entries[t.Name] = e
		if t.Interval <= 0 {
			continue
		}
		name := t.Name
		e.id = s.cron.Schedule(cron.Every(t.Interval), cron.FuncJob(func() {
			if err := s.Fire(s.context(), name); err != nil {
				s.log.Warn("periodic task enqueue failed", zap.String("trigger", name), zap.Error(err))
			}
		}))
	}
	return s
}

// Run 启动触发时钟，阻塞到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.rootCtx = ctx
		s.mu.Unlock()
		s.cron.Start()
		s.log.Info("periodic triggers started", zap.Int("triggers", len(s.entries)))
	})
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop 停止触发时钟，不等待已入队的任务
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Fire 立即触发一次指定的触发器
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}

	err := s.enqueuer.Enqueue(ctx, e.trigger.Task())

	s.mu.Lock()
	defer s.mu.Unlock()
	fired := s.now()
	e.state.Fires++
	e.state.LastFired = &fired
	if err != nil {
		e.state.LastError = err.Error()
	} else {
		e.state.LastError = ""
	}
	return err
}

// Snapshot 返回所有触发器的状态，按名称排序
func (s *Scheduler) Snapshot() []TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TriggerState, 0, len(s.entries))
	for _, e := range s.entries {
		state := e.state
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				state.NextFire = &next
			}
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names 返回已注册的触发器名称
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootCtx
}
