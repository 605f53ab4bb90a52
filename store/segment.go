package store

import (
	"container/list"
	"sync"

	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
)

// Segment 是分段存储中的一个分段
//
// 所有字段都由 mu 保护；访问顺序队列、写入顺序队列和 map 在同一把锁下修改，
// 因此 map 中可见的条目总是与淘汰所用的队列一致。移除事件在锁内收集，在释放锁之后投递。
type Segment[K comparable, V any] struct {
	mu          sync.Mutex
	cfg         *Config[K, V]
	entries     map[any]*Entry[K, V] // 句柄到条目的映射
	accessQueue *list.List           // 访问顺序，头部为最久未使用
	writeQueue  *list.List           // 写入顺序，头部为最早写入
	weight      int64                // 当前总权重
	maxWeight   int64                // 最大总权重，小于 0 表示不限制
	seq         uint64               // 写入序号
	reads       int                  // 距离上次维护的读取次数
	collected   collectedQueue[K, V] // 已被 GC 回收、等待清理的条目
	pending     []notify.Notification[K, V]
}

func newSegment[K comparable, V any](cfg *Config[K, V], maxWeight int64) *Segment[K, V] {
	return &Segment[K, V]{
		cfg:         cfg,
		entries:     make(map[any]*Entry[K, V]),
		accessQueue: list.New(),
		writeQueue:  list.New(),
		maxWeight:   maxWeight,
	}
}

// Get 获取未过期、未被回收的值并刷新访问时间
//
// 过期或已被回收的条目会被移除并按对应原因通知，本次读取视为未命中。
func (s *Segment[K, V]) Get(handle any, now int64) Result[V] {
	s.mu.Lock()
	defer s.unlockAndNotify()

	var res Result[V]
	if e := s.entries[handle]; e != nil {
		if v, ok := s.liveValue(e, now); ok {
			s.recordAccess(e, now)
			res.Value, res.Found = v, true
			res.RefreshDue = s.refreshDue(e, now)
		}
	}
	s.postRead(now)
	return res
}

// Peek 获取未过期的值和条目本身，不刷新访问时间
func (s *Segment[K, V]) Peek(handle any, now int64) (V, *Entry[K, V], bool) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	var zero V
	e := s.entries[handle]
	if e == nil {
		return zero, nil, false
	}
	v, ok := s.liveValue(e, now)
	if !ok {
		return zero, nil, false
	}
	return v, e, true
}

// Seq 返回当前写入序号，加载开始前记录，用于判断加载期间是否有新的写入
func (s *Segment[K, V]) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Install 写入加载器返回的值
//
// 如果加载开始（序号 since）之后该键已经被写入新值，则保留新值，
// 丢弃加载结果并以 Replaced 通知，返回 false。
func (s *Segment[K, V]) Install(key K, handle any, value V, now int64, since uint64) (bool, error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.maintain(now)
	if e := s.entries[handle]; e != nil && e.seq > since {
		if _, ok := s.liveValue(e, now); ok {
			s.enqueue(key, value, notify.Replaced)
			return false, nil
		}
	}
	if err := s.put(key, handle, value, now); err != nil {
		return false, err
	}
	return true, nil
}

// Put 无条件写入，旧条目以 Replaced 通知
func (s *Segment[K, V]) Put(key K, handle any, value V, now int64) error {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.maintain(now)
	return s.put(key, handle, value, now)
}

// Replace 用刷新得到的值替换 token 对应的条目
//
// 刷新期间条目被移除或替换时不会写入，返回 false。
func (s *Segment[K, V]) Replace(handle any, token *Entry[K, V], value V, now int64) (bool, error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	e := s.entries[handle]
	if e == nil || e != token {
		return false, nil
	}
	if _, ok := s.liveValue(e, now); !ok {
		return false, nil
	}
	key, ok := e.Key()
	if !ok {
		return false, nil
	}
	if err := s.put(key, handle, value, now); err != nil {
		return false, err
	}
	return true, nil
}

// Remove 移除条目，返回条目是否存在
//
// 存活的条目以 Explicit 通知，已过期或已被回收的条目分别以 Expired、Collected 通知。
func (s *Segment[K, V]) Remove(handle any, now int64) bool {
	s.mu.Lock()
	defer s.unlockAndNotify()

	e := s.entries[handle]
	if e == nil {
		return false
	}
	s.removeEntry(e, s.causeOf(e, now, notify.Explicit))
	return true
}

// Clear 移除所有条目
func (s *Segment[K, V]) Clear(now int64) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	for el := s.writeQueue.Front(); el != nil; el = s.writeQueue.Front() {
		e := el.Value.(*Entry[K, V])
		s.removeEntry(e, s.causeOf(e, now, notify.Explicit))
	}
	s.collected.drain(-1)
}

// Len 清理过期和已回收的条目后返回条目数
func (s *Segment[K, V]) Len(now int64) int {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.maintain(now)
	return len(s.entries)
}

// Weight 返回当前总权重
func (s *Segment[K, V]) Weight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// CleanUp 执行一次完整维护，包括逐个检查弱引用是否已被回收
func (s *Segment[K, V]) CleanUp(now int64) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.maintain(now)
	s.pollCollected()
	s.evict(nil)
}

// Range 按访问顺序（最久未使用在前）遍历存活的键值对，fn 返回 false 时停止
//
// fn 在分段锁之外调用，遍历的是调用时的快照。
func (s *Segment[K, V]) Range(now int64, fn func(key K, value V) bool) bool {
	type pair struct {
		key   K
		value V
	}

	s.mu.Lock()
	pairs := make([]pair, 0, len(s.entries))
	for el := s.accessQueue.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry[K, V])
		if s.isExpired(e, now) || e.collected() {
			continue
		}
		k, _ := e.Key()
		v, _ := e.Value()
		pairs = append(pairs, pair{key: k, value: v})
	}
	s.unlockAndNotify()

	for _, p := range pairs {
		if !fn(p.key, p.value) {
			return false
		}
	}
	return true
}

// put 写入新条目，调用此方法前必须持有锁
func (s *Segment[K, V]) put(key K, handle any, value V, now int64) error {
	e := &Entry[K, V]{
		handle:     handle,
		weight:     s.weigh(key, value),
		writeTime:  now,
		accessTime: now,
		state:      Loaded,
	}

	onCollect := s.collectHook(e)
	kr, err := s.cfg.Keys.New(key, onCollect)
	if err != nil {
		return err
	}
	vr, err := s.cfg.Values.New(value, onCollect)
	if err != nil {
		kr.Release()
		return err
	}
	e.key, e.value = kr, vr

	if old := s.entries[handle]; old != nil {
		s.removeEntry(old, s.causeOf(old, now, notify.Replaced))
	}

	s.seq++
	e.seq = s.seq
	s.entries[handle] = e
	e.accessElem = s.accessQueue.PushBack(e)
	e.writeElem = s.writeQueue.PushBack(e)
	s.weight += int64(e.weight)

	s.evict(e)
	return nil
}

// liveValue 返回条目的值；条目已被回收或已过期时将其移除并返回 false
func (s *Segment[K, V]) liveValue(e *Entry[K, V], now int64) (V, bool) {
	var zero V
	if e.collected() {
		s.removeEntry(e, notify.Collected)
		return zero, false
	}
	if s.isExpired(e, now) {
		s.removeEntry(e, notify.Expired)
		return zero, false
	}
	v, _ := e.Value()
	return v, true
}

// causeOf 返回移除条目时应使用的原因，live 为条目仍然存活时的原因
func (s *Segment[K, V]) causeOf(e *Entry[K, V], now int64, live notify.Cause) notify.Cause {
	switch {
	case e.collected():
		return notify.Collected
	case s.isExpired(e, now):
		return notify.Expired
	default:
		return live
	}
}

// recordAccess 刷新访问时间并移动到访问队列尾部
func (s *Segment[K, V]) recordAccess(e *Entry[K, V], now int64) {
	e.accessTime = now
	s.accessQueue.MoveToBack(e.accessElem)
}

func (s *Segment[K, V]) refreshDue(e *Entry[K, V], now int64) bool {
	d := s.cfg.RefreshAfterWrite
	return d > 0 && now-e.writeTime >= int64(d)
}

// postRead 每 drainThreshold+1 次读取执行一次维护
func (s *Segment[K, V]) postRead(now int64) {
	s.reads++
	if s.reads&drainThreshold == 0 {
		s.reads = 0
		s.maintain(now)
	}
}

// removeEntry 从分段中删除条目并记录移除事件，调用此方法前必须持有锁
func (s *Segment[K, V]) removeEntry(e *Entry[K, V], cause notify.Cause) {
	if s.entries[e.handle] == e {
		delete(s.entries, e.handle)
	}
	if e.accessElem != nil {
		s.accessQueue.Remove(e.accessElem)
		e.accessElem = nil
	}
	if e.writeElem != nil {
		s.writeQueue.Remove(e.writeElem)
		e.writeElem = nil
	}
	s.weight -= int64(e.weight)
	e.state = Invalidated

	key, _ := e.Key()
	value, _ := e.Value()
	e.key.Release()
	e.value.Release()

	if cause.WasEvicted() && s.cfg.OnEviction != nil {
		s.cfg.OnEviction(e.weight)
	}
	s.enqueue(key, value, cause)
}

func (s *Segment[K, V]) enqueue(key K, value V, cause notify.Cause) {
	if s.cfg.Notify == nil {
		return
	}
	s.pending = append(s.pending, notify.Notification[K, V]{Key: key, Value: value, Cause: cause})
}

// unlockAndNotify 释放锁后投递锁内收集的移除事件
func (s *Segment[K, V]) unlockAndNotify() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) > 0 {
		s.cfg.Notify(pending)
	}
}

func (s *Segment[K, V]) weigh(key K, value V) uint32 {
	if s.cfg.Weigher == nil {
		return 1
	}
	return s.cfg.Weigher(key, value)
}

// collectHook 返回弱引用被回收时的回调，强引用和软引用不需要
func (s *Segment[K, V]) collectHook(e *Entry[K, V]) func() {
	if s.cfg.Keys.Strength() != reference.Weak && s.cfg.Values.Strength() != reference.Weak {
		return nil
	}
	return func() { s.collected.push(e) }
}
