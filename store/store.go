package store

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
	"github.com/linhx1999/LoadingCache-Go/reference"
)

// Store 由多个分段组成的并发存储
type Store[K comparable, V any] struct {
	cfg      *Config[K, V]
	segments []*Segment[K, V]
	mask     uint64
	seed     maphash.Seed
}

// New 根据配置创建存储
//
// 分段数为不超过并发级别的最大 2 的幂；启用容量限制时，只有当 分段数*20 <= 最大权重 时才继续增加分段，
// 各分段的权重上限之和恰好等于最大权重。
func New[K comparable, V any](cfg Config[K, V]) *Store[K, V] {
	if cfg.Keys == nil {
		cfg.Keys = reference.StrongKeys[K]()
	}
	if cfg.Values == nil {
		cfg.Values = reference.StrongValues[V]()
	}

	limits := segmentLimits(cfg.ConcurrencyLevel, cfg.MaxWeight)
	s := &Store[K, V]{
		cfg:      &cfg,
		segments: make([]*Segment[K, V], len(limits)),
		mask:     uint64(len(limits) - 1),
		seed:     maphash.MakeSeed(),
	}
	for i, limit := range limits {
		s.segments[i] = newSegment(s.cfg, limit)
	}
	return s
}

// segmentLimits 计算每个分段的权重上限
func segmentLimits(level int, maxWeight int64) []int64 {
	if level <= 0 {
		level = DefaultConcurrencyLevel
	}

	count := 1
	for count*2 <= level && (maxWeight < 0 || int64(count)*20 <= maxWeight) {
		count <<= 1
	}

	limits := make([]int64, count)
	for i := range limits {
		if maxWeight < 0 {
			limits[i] = -1
			continue
		}
		limits[i] = maxWeight / int64(count)
		if int64(i) < maxWeight%int64(count) {
			limits[i]++
		}
	}
	return limits
}

// Locate 返回键所在的分段和句柄
func (s *Store[K, V]) Locate(key K) (Location[K, V], error) {
	handle, err := s.cfg.Keys.Handle(key)
	if err != nil {
		return Location[K, V]{}, err
	}
	return Location[K, V]{
		Key:     key,
		Handle:  handle,
		Segment: s.segments[s.hash(key)&s.mask],
	}, nil
}

// hash 字符串键使用 xxhash，其余可比较类型使用 maphash（指针按地址）
func (s *Store[K, V]) hash(key K) uint64 {
	if k, ok := any(key).(string); ok {
		return xxhash.Sum64String(k)
	}
	return maphash.Comparable(s.seed, key)
}

// Segments 返回所有分段
func (s *Store[K, V]) Segments() []*Segment[K, V] {
	return s.segments
}

// Len 返回所有分段存活条目数之和
func (s *Store[K, V]) Len(now int64) int64 {
	var n int64
	for _, seg := range s.segments {
		n += int64(seg.Len(now))
	}
	return n
}

// Weight 返回所有分段的总权重
func (s *Store[K, V]) Weight() int64 {
	var w int64
	for _, seg := range s.segments {
		w += seg.Weight()
	}
	return w
}

// CleanUp 对所有分段执行完整维护
func (s *Store[K, V]) CleanUp(now int64) {
	for _, seg := range s.segments {
		seg.CleanUp(now)
	}
}

// Clear 清空所有分段
func (s *Store[K, V]) Clear(now int64) {
	for _, seg := range s.segments {
		seg.Clear(now)
	}
}

// Range 逐个分段遍历存活的键值对
func (s *Store[K, V]) Range(now int64, fn func(key K, value V) bool) {
	for _, seg := range s.segments {
		if !seg.Range(now, fn) {
			return
		}
	}
}
