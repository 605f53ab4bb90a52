// Package executor 提供异步刷新和移除通知使用的任务执行器。
package executor

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Executor 执行任务
type Executor interface {
	Execute(task func())
}

// Func 函数类型实现 Executor 接口
type Func func(task func())

// Execute 实现 Executor 接口
func (f Func) Execute(task func()) { f(task) }

// Direct 返回在调用方协程中同步执行任务的 Executor
func Direct() Executor {
	return Func(func(task func()) { task() })
}

// Bounded 使用信号量限制并发数的异步执行器
//
// Execute 不会阻塞调用方：拿到信号量时在新协程中执行，否则进入队列，
// 由正在运行的协程依次取出执行。运行中的协程数不超过 limit。
type Bounded struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	queue []func() // 等待执行的任务，由 mu 保护
	wg    sync.WaitGroup
	log   logrus.FieldLogger
}

// NewBounded 创建 Bounded，limit <= 0 时使用 GOMAXPROCS
func NewBounded(limit int64, log logrus.FieldLogger) *Bounded {
	if limit <= 0 {
		limit = int64(runtime.GOMAXPROCS(0))
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bounded{
		sem: semaphore.NewWeighted(limit),
		log: log,
	}
}

// Execute 实现 Executor 接口
func (b *Bounded) Execute(task func()) {
	b.wg.Add(1)

	b.mu.Lock()
	if !b.sem.TryAcquire(1) {
		b.queue = append(b.queue, task)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	go b.work(task)
}

// Wait 等待所有已提交的任务完成
func (b *Bounded) Wait() {
	b.wg.Wait()
}

// Queued 返回等待执行的任务数
func (b *Bounded) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// work 执行任务，然后继续取队列中的任务直到队列为空
func (b *Bounded) work(task func()) {
	for task != nil {
		b.run(task)
		b.wg.Done()
		task = b.next()
	}
}

// next 取出队首任务；队列为空时释放信号量，与 Execute 的入队在同一把锁下完成
func (b *Bounded) next() func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		b.sem.Release(1)
		return nil
	}
	task := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return task
}

func (b *Bounded) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("[Executor] task panicked: %v", r)
		}
	}()
	task()
}
