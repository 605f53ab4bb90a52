package store

import (
	"sync"

	"github.com/linhx1999/LoadingCache-Go/notify"
)

// collectedQueue 收集 GC 回收通知的队列
//
// push 在 runtime 的清理协程中调用，只持有队列自身的锁，不会与分段锁竞争。
type collectedQueue[K comparable, V any] struct {
	mu    sync.Mutex
	items []*Entry[K, V]
}

func (q *collectedQueue[K, V]) push(e *Entry[K, V]) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

// drain 取出最多 limit 个条目，limit < 0 表示全部取出
func (q *collectedQueue[K, V]) drain(limit int) []*Entry[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if limit >= 0 && n > limit {
		n = limit
	}
	out := make([]*Entry[K, V], n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// drainCollected 移除已收到回收通知的条目，调用此方法前必须持有锁
func (s *Segment[K, V]) drainCollected() {
	for _, e := range s.collected.drain(drainMax) {
		// 条目可能已被替换或移除
		if s.entries[e.handle] == e {
			s.removeEntry(e, notify.Collected)
		}
	}
}

// pollCollected 逐个检查条目的键和值是否已被回收，调用此方法前必须持有锁
func (s *Segment[K, V]) pollCollected() {
	for el := s.writeQueue.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*Entry[K, V]); e.collected() {
			s.removeEntry(e, notify.Collected)
		}
		el = next
	}
}
