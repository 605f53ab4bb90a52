// Package notify 向注册的监听器投递缓存条目的移除事件。
package notify

import (
	"fmt"
	"sync/atomic"

	"github.com/linhx1999/LoadingCache-Go/executor"
	"github.com/sirupsen/logrus"
)

// Cause 条目被移除的原因
type Cause int

const (
	Explicit  Cause = iota // 调用方主动失效
	Replaced               // 值被 Put 或刷新覆盖
	Collected              // 键或值被回收（弱引用/软引用）
	Expired                // 超过访问或写入过期时间
	Size                   // 超过最大容量/权重被淘汰
)

func (c Cause) String() string {
	switch c {
	case Explicit:
		return "EXPLICIT"
	case Replaced:
		return "REPLACED"
	case Collected:
		return "COLLECTED"
	case Expired:
		return "EXPIRED"
	case Size:
		return "SIZE"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// WasEvicted 是否为自动移除（非 Explicit、Replaced）
func (c Cause) WasEvicted() bool {
	return c == Collected || c == Expired || c == Size
}

// Notification 一次移除事件，被回收的键或值为零值
type Notification[K comparable, V any] struct {
	Key   K
	Value V
	Cause Cause
}

func (n Notification[K, V]) String() string {
	return fmt.Sprintf("%v=%v [%s]", n.Key, n.Value, n.Cause)
}

// Listener 移除监听器
type Listener[K comparable, V any] func(Notification[K, V])

// Notifier 管理监听器并负责投递
//
// 每个监听器的调用相互隔离：监听器 panic 只会被记录，不会影响缓存状态和其他监听器。
type Notifier[K comparable, V any] struct {
	listeners []Listener[K, V]
	exec      executor.Executor // nil 表示在调用方协程中同步投递
	log       logrus.FieldLogger
	failures  atomic.Int64
}

// New 创建 Notifier，exec 为 nil 时同步投递
func New[K comparable, V any](exec executor.Executor, log logrus.FieldLogger, listeners ...Listener[K, V]) *Notifier[K, V] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ls := make([]Listener[K, V], 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return &Notifier[K, V]{listeners: ls, exec: exec, log: log}
}

// Enabled 是否注册了监听器
func (n *Notifier[K, V]) Enabled() bool {
	return n != nil && len(n.listeners) > 0
}

// Failures 返回监听器 panic 的次数
func (n *Notifier[K, V]) Failures() int64 {
	return n.failures.Load()
}

// Dispatch 投递一批事件，同一批事件按顺序投递
func (n *Notifier[K, V]) Dispatch(batch []Notification[K, V]) {
	if !n.Enabled() || len(batch) == 0 {
		return
	}
	if n.exec == nil {
		n.deliver(batch)
		return
	}
	n.exec.Execute(func() { n.deliver(batch) })
}

func (n *Notifier[K, V]) deliver(batch []Notification[K, V]) {
	for _, event := range batch {
		for i, l := range n.listeners {
			n.safeCall(i, l, event)
		}
	}
}

// safeCall 调用单个监听器并捕获 panic
func (n *Notifier[K, V]) safeCall(idx int, l Listener[K, V], event Notification[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			n.failures.Add(1)
			n.log.WithFields(logrus.Fields{
				"listener": idx,
				"cause":    event.Cause.String(),
			}).Errorf("[Notifier] removal listener panicked: %v", r)
		}
	}()
	l(event)
}
