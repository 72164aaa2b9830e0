package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrPoolFull 队列已满
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolStopped 协程池已停止
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// WorkerPool 协程池
//
// 固定数量的 worker 从有界队列取任务执行，用于限制并发并隔离不同类型的任务。
// 停止后未执行的任务会被丢弃。
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan func(context.Context)
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	log        *zap.Logger
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - name: 池名称，用于日志
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(name string, maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		name:       name,
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(context.Context), queueSize),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Name 返回池名称
func (p *WorkerPool) Name() string { return p.name }

// Workers 返回 worker 数量
func (p *WorkerPool) Workers() int { return p.maxWorkers }

// Depth 返回排队中的任务数
func (p *WorkerPool) Depth() int { return len(p.taskQueue) }

// Start 启动协程池，ctx 会传给每个任务
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务，队列已满时阻塞直到有空位、ctx 取消或池停止
func (p *WorkerPool) Submit(ctx context.Context, task func(context.Context)) error {
	select {
	case <-p.done:
		return ErrPoolStopped
	default:
	}

	select {
	case <-p.done:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case p.taskQueue <- task:
		return nil
	}
}

// TrySubmit 尝试提交任务，队列已满时立即返回 ErrPoolFull
func (p *WorkerPool) TrySubmit(task func(context.Context)) error {
	select {
	case <-p.done:
		return ErrPoolStopped
	default:
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop 停止协程池并等待正在执行的任务结束
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	if dropped := len(p.taskQueue); dropped > 0 {
		p.log.Warn("worker pool stopped with queued tasks",
			zap.String("pool", p.name),
			zap.Int("dropped", dropped),
		)
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case task := <-p.taskQueue:
			p.run(ctx, task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker pool task panicked",
				zap.String("pool", p.name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	task(ctx)
}
