package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed Pool 已关闭或上下文取消时提交失败
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull 队列已满（TrySubmit）
var ErrQueueFull = errors.New("worker pool queue full")

// Task 定义任务函数类型
type Task func()

// Pool Worker Pool 实现
// 用于执行账本回源和缓存回写，避免慢路径占用请求协程
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	panics atomic.Int64
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task()
}

// Submit 提交任务到 Worker Pool
// 如果队列满了，会阻塞直到有空位、ctx 取消或 Pool 关闭
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.taskQueue <- task:
		return nil
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 ErrQueueFull
func (p *Pool) TrySubmit(task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown 优雅关闭 Worker Pool
// 不再接收新任务，等待已入队任务执行完成
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		// 先唤醒阻塞在 Submit 的调用方，再拿写锁关闭队列
		p.cancel()
		p.closeMu.Lock()
		p.closed = true
		close(p.taskQueue)
		p.closeMu.Unlock()
		p.wg.Wait()
		p.logger.Info("Worker pool shutdown completed")
	})
}

// QueueLen 当前排队任务数（用于监控）
func (p *Pool) QueueLen() int {
	return len(p.taskQueue)
}

// Panics 已恢复的 panic 次数
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Call 在 Pool 中执行 fn 并等待结果
// ctx 取消时立即返回，fn 仍在 worker 中运行至结束（fn 收到的 ctx 同样会被取消）
func Call[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	var zero T
	done := make(chan outcome, 1)

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}

	if err := p.Submit(ctx, task); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out := <-done:
		return out.value, out.err
	}
}
