package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/pool"
	"mailcode/backend/internal/storage"
)

var (
	// ErrQueueFull 队列已满
	ErrQueueFull = errors.New("task queue is full")
	// ErrDispatcherStopped 调度器已停止
	ErrDispatcherStopped = errors.New("task dispatcher is stopped")
	// ErrNoHandler 任务类型没有注册处理函数
	ErrNoHandler = errors.New("no handler registered for task kind")
)

// 任务执行结果
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

const (
	defaultTaskTimeout = 2 * time.Minute
	defaultQueueSize   = 1024
	defaultWorkers     = 2
	maxPayloadLength   = 2000
)

// Handler 处理一个任务
type Handler func(ctx context.Context, task Task) error

// HandlerFor 把强类型处理函数适配为 Handler
func HandlerFor[T Task](fn func(ctx context.Context, task T) error) Handler {
	return func(ctx context.Context, task Task) error {
		typed, ok := task.(T)
		if !ok {
			return backoff.Permanent(fmt.Errorf("unexpected task type %T", task))
		}
		return fn(ctx, typed)
	}
}

// Enqueuer 是只能投递任务的一侧
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Observer 接收任务执行结果，用于指标统计
type Observer interface {
	ObserveTask(kind Kind, queue, outcome string, elapsed time.Duration)
}

// Config 调度器配置
type Config struct {
	Workers     map[string]int // 每个队列的 worker 数
	QueueSize   int
	TaskTimeout time.Duration
}

// QueueStats 单个队列的状态
type QueueStats struct {
	Queue   string `json:"queue"`
	Workers int    `json:"workers"`
	Depth   int    `json:"depth"`
}

type envelope struct {
	id      string
	task    Task
	policy  Policy
	attempt int
}

// Dispatcher 按队列隔离执行任务，失败后按策略延迟重试。
//
// 重试等待期间不占用 worker；停止时未到期的重试会被丢弃。
type Dispatcher struct {
	pools    map[string]*pool.WorkerPool
	handlers map[Kind]Handler
	policies map[Kind]Policy
	timeout  time.Duration
	failures storage.TaskFailureRepository
	observer Observer
	log      *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[*time.Timer]struct{}
}

// Option 自定义调度器
type Option func(*Dispatcher)

// WithObserver 设置结果观察者
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithPolicy 覆盖某类任务的策略，主要用于测试
func WithPolicy(kind Kind, policy Policy) Option {
	return func(d *Dispatcher) { d.policies[kind] = policy }
}

// NewDispatcher 创建调度器；failures 可以为 nil
func NewDispatcher(cfg Config, failures storage.TaskFailureRepository, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	d := &Dispatcher{
		pools:    make(map[string]*pool.WorkerPool),
		handlers: make(map[Kind]Handler),
		policies: make(map[Kind]Policy, len(DefaultPolicies)),
		timeout:  cfg.TaskTimeout,
		failures: failures,
		log:      log.Named("tasks"),
		timers:   make(map[*time.Timer]struct{}),
	}
	for kind, p := range DefaultPolicies {
		d.policies[kind] = p
	}
	for _, opt := range opts {
		opt(d)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, queue := range Queues() {
		workers := cfg.Workers[queue]
		if workers <= 0 {
			workers = defaultWorkers
		}
		d.pools[queue] = pool.NewWorkerPool(queue, workers, cfg.QueueSize, d.log)
	}
	return d
}

// Register 注册任务处理函数，需在 Start 之前调用
func (d *Dispatcher) Register(kind Kind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// Start 启动所有队列的 worker
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for _, p := range d.pools {
		p.Start(d.ctx)
	}
	d.log.Info("task dispatcher started", zap.Int("queues", len(d.pools)))
}

// Enqueue 投递任务，不在调用方协程内执行任何逻辑
func (d *Dispatcher) Enqueue(_ context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	d.mu.Lock()
	stopped := d.stopped
	_, registered := d.handlers[task.Kind()]
	policy, known := d.policies[task.Kind()]
	d.mu.Unlock()

	if stopped {
		return ErrDispatcherStopped
	}
	if !registered || !known {
		return fmt.Errorf("%w: %s", ErrNoHandler, task.Kind())
	}
	return d.submit(&envelope{id: uuid.NewString(), task: task, policy: policy, attempt: 1})
}

func (d *Dispatcher) submit(env *envelope) error {
	p, ok := d.pools[env.policy.Queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", env.policy.Queue)
	}
	err := p.TrySubmit(func(ctx context.Context) { d.execute(ctx, env) })
	switch {
	case errors.Is(err, pool.ErrPoolFull):
		return ErrQueueFull
	case errors.Is(err, pool.ErrPoolStopped):
		return ErrDispatcherStopped
	default:
		return err
	}
}

func (d *Dispatcher) execute(ctx context.Context, env *envelope) {
	d.mu.Lock()
	handler := d.handlers[env.task.Kind()]
	d.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.invoke(taskCtx, handler, env.task)
	elapsed := time.Since(start)

	if err == nil {
		d.observe(env, OutcomeSuccess, elapsed)
		return
	}

	if ctx.Err() != nil {
		d.observe(env, OutcomeFailed, elapsed)
		d.log.Warn("dispatcher stopping, task dropped", append(taskFields(env), zap.Error(err))...)
		return
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || env.attempt >= env.policy.MaxAttempts {
		d.observe(env, OutcomeFailed, elapsed)
		d.fail(env, err)
		return
	}

	d.observe(env, OutcomeRetry, elapsed)
	delay := backoff.NewConstantBackOff(env.policy.RetryDelay).NextBackOff()
	d.log.Warn("task failed, will retry",
		append(taskFields(env),
			zap.Duration("delay", delay),
			zap.Error(err),
		)...,
	)
	next := &envelope{id: env.id, task: env.task, policy: env.policy, attempt: env.attempt + 1}
	d.schedule(next, delay)
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("task handler panicked",
				zap.String("kind", string(task.Kind())),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if handler == nil {
		return backoff.Permanent(ErrNoHandler)
	}
	return handler(ctx, task)
}

// schedule 通过定时器延迟重新入队，等待期间不占用 worker
func (d *Dispatcher) schedule(env *envelope, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}

		if err := d.submit(env); err != nil {
			if errors.Is(err, ErrQueueFull) {
				d.log.Warn("queue full on retry, waiting", taskFields(env)...)
				d.schedule(env, delay)
				return
			}
			d.log.Warn("retry enqueue failed", append(taskFields(env), zap.Error(err))...)
		}
	})
	d.timers[timer] = struct{}{}
}

// fail 记录永久失败，不再做任何自动处理
func (d *Dispatcher) fail(env *envelope, err error) {
	d.log.Error("task failed permanently", append(taskFields(env), zap.Error(err))...)
	if d.failures == nil {
		return
	}

	payload, _ := json.Marshal(env.task)
	record := &domain.TaskFailure{
		TaskID:   env.id,
		Kind:     string(env.task.Kind()),
		Queue:    env.policy.Queue,
		Attempts: env.attempt,
		Error:    domain.Excerpt(err.Error(), 1000, "..."),
		Payload:  domain.Excerpt(string(payload), maxPayloadLength, "..."),
		FailedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recErr := d.failures.RecordTaskFailure(ctx, record); recErr != nil {
		d.log.Warn("record task failure failed", append(taskFields(env), zap.Error(recErr))...)
	}
}

func (d *Dispatcher) observe(env *envelope, outcome string, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveTask(env.task.Kind(), env.policy.Queue, outcome, elapsed)
	}
}

// Stats 返回各队列当前状态
func (d *Dispatcher) Stats() []QueueStats {
	stats := make([]QueueStats, 0, len(d.pools))
	for _, queue := range Queues() {
		p := d.pools[queue]
		stats = append(stats, QueueStats{Queue: queue, Workers: p.Workers(), Depth: p.Depth()})
	}
	return stats
}

// PendingRetries 返回等待中的重试数量
func (d *Dispatcher) PendingRetries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop 取消正在执行的任务，丢弃待重试任务，并等待 worker 退出
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for timer := range d.timers {
		timer.Stop()
	}
	pending := len(d.timers)
	d.timers = make(map[*time.Timer]struct{})
	d.mu.Unlock()

	d.cancel()
	for _, p := range d.pools {
		p.Stop()
	}
	d.log.Info("task dispatcher stopped", zap.Int("dropped_retries", pending))
}

func taskFields(env *envelope) []zap.Field {
	fields := []zap.Field{
		zap.String("task_id", env.id),
		zap.String("kind", string(env.task.Kind())),
		zap.String("queue", env.policy.Queue),
		zap.Int("attempt", env.attempt),
	}
	switch t := env.task.(type) {
	case PollTask:
		fields = append(fields, zap.String("address", t.Address))
	case ExtractTask:
		fields = append(fields, zap.String("address", t.Address), zap.String("message_id", t.Message.MessageID))
	case ProvisionTask:
		fields = append(fields, zap.String("address", t.Address))
	}
	return fields
}
