package singleflight

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrPanicked 加载函数发生 panic
var ErrPanicked = errors.New("singleflight: function panicked")

// PanicError 记录 panic 的值和堆栈，所有等待者都会收到同一个 PanicError
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: function panicked: %v", p.Value)
}

// Unwrap 使 errors.Is(err, ErrPanicked) 成立
func (p *PanicError) Unwrap() error { return ErrPanicked }

// call 代表一个正在执行或已完成的请求
type call[V any] struct {
	done  chan struct{} // 请求完成后关闭，所有等待者据此唤醒
	value V             // 请求返回的结果值
	err   error         // 请求执行过程中发生的错误
	dups  int           // 共享该请求的等待者数量
}

// Group 用于管理并发请求，确保相同 key 的请求只执行一次
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V] // key -> *call，存储正在执行的请求
}

// Do 执行给定函数 fn，并确保对于相同的 key，在任意时刻只有一个 fn 正在执行
// 如果已有相同 key 的请求正在执行，则等待其完成并共享结果
//
// fn 在独立的协程中执行：ctx 取消只会让当前调用方提前返回 ctx.Err()，
// 不会中断 fn，其他等待者仍会得到结果。shared 表示结果是否被多个调用方共享。
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (value V, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	// 检查是否已有正在执行的请求
	c, ok := g.calls[key]
	if ok {
		c.dups++
		g.mu.Unlock()
		return g.wait(ctx, c, true)
	}

	// 没有正在执行的请求，创建新的请求并存储到 map 中，让其他相同 key 的请求能够发现
	c = &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go g.doCall(c, key, fn)

	return g.wait(ctx, c, false)
}

// InFlight 返回 key 当前是否有正在执行的请求
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

// Forget 让后续对 key 的调用不再等待当前请求
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

func (g *Group[K, V]) wait(ctx context.Context, c *call[V], dup bool) (V, error, bool) {
	select {
	case <-c.done:
		g.mu.Lock()
		shared := dup || c.dups > 0
		g.mu.Unlock()
		return c.value, c.err, shared
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err(), dup
	}
}

// doCall 执行函数并记录结果，完成后从 map 中移除，释放内存
func (g *Group[K, V]) doCall(c *call[V], key K, fn func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.value, c.err = zero, &PanicError{Value: r, Stack: debug.Stack()}
		}

		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()

		close(c.done) // 通知所有等待的请求，当前请求已完成
	}()

	c.value, c.err = fn()
}
