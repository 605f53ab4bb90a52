package store

import (
	"container/list"

	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
)

// maintain 清理已回收、已过期以及内存压力下的软引用条目，调用此方法前必须持有锁
func (s *Segment[K, V]) maintain(now int64) {
	s.drainCollected()
	s.expire(now)
	s.reclaimSoft()
}

// isExpired 访问过期和写入过期任一满足即视为过期
func (s *Segment[K, V]) isExpired(e *Entry[K, V], now int64) bool {
	return s.expiredByAccess(e, now) || s.expiredByWrite(e, now)
}

func (s *Segment[K, V]) expiredByAccess(e *Entry[K, V], now int64) bool {
	d := s.cfg.ExpireAfterAccess
	return d > 0 && now-e.accessTime >= int64(d)
}

func (s *Segment[K, V]) expiredByWrite(e *Entry[K, V], now int64) bool {
	d := s.cfg.ExpireAfterWrite
	return d > 0 && now-e.writeTime >= int64(d)
}

// expire 从两个队列的头部开始清理过期条目，遇到第一个未过期的条目即停止
func (s *Segment[K, V]) expire(now int64) {
	if s.cfg.ExpireAfterWrite > 0 {
		s.expireQueue(s.writeQueue, now, s.expiredByWrite)
	}
	if s.cfg.ExpireAfterAccess > 0 {
		s.expireQueue(s.accessQueue, now, s.expiredByAccess)
	}
}

func (s *Segment[K, V]) expireQueue(q *list.List, now int64, expired func(*Entry[K, V], int64) bool) {
	for el := q.Front(); el != nil; el = q.Front() {
		e := el.Value.(*Entry[K, V])
		if !expired(e, now) {
			return
		}
		s.removeEntry(e, notify.Expired)
	}
}

// evict 按 LRU 顺序淘汰条目直到总权重不超过上限
//
// 权重为 0 的条目不参与淘汰；newest 自身的权重超过上限时直接将其淘汰。
func (s *Segment[K, V]) evict(newest *Entry[K, V]) {
	if s.maxWeight < 0 {
		return
	}
	if newest != nil && newest.state == Loaded && int64(newest.weight) > s.maxWeight {
		s.removeEntry(newest, notify.Size)
	}
	for s.weight > s.maxWeight {
		e := s.nextEvictable()
		if e == nil {
			return
		}
		s.removeEntry(e, notify.Size)
	}
}

// nextEvictable 返回访问队列中最久未使用且权重不为 0 的条目
func (s *Segment[K, V]) nextEvictable() *Entry[K, V] {
	for el := s.accessQueue.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*Entry[K, V]); e.weight > 0 {
			return e
		}
	}
	return nil
}

// reclaimSoft 内存压力下按 LRU 顺序回收软引用条目，每次最多 drainMax 个
func (s *Segment[K, V]) reclaimSoft() {
	if s.cfg.Values.Strength() != reference.Soft || s.cfg.Pressure == nil {
		return
	}
	for i := 0; i < drainMax && s.accessQueue.Len() > 0; i++ {
		if !s.cfg.Pressure.UnderPressure() {
			return
		}
		e := s.accessQueue.Front().Value.(*Entry[K, V])
		s.removeEntry(e, notify.Collected)
	}
}
