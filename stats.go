package loadingcache

import (
	"sync/atomic"
	"time"
)

// Stats 缓存统计信息快照，仅在启用 WithRecordStats 时记录
type Stats struct {
	HitCount           int64         // 命中次数
	MissCount          int64         // 未命中次数
	LoadSuccessCount   int64         // 加载成功次数
	LoadExceptionCount int64         // 加载失败次数
	TotalLoadTime      time.Duration // 加载总耗时
	EvictionCount      int64         // 自动移除的条目数
	EvictionWeight     int64         // 自动移除的条目总权重
}

// RequestCount 返回命中与未命中次数之和
func (s Stats) RequestCount() int64 {
	return s.HitCount + s.MissCount
}

// HitRate 返回命中率，没有请求时为 1
func (s Stats) HitRate() float64 {
	requests := s.RequestCount()
	if requests == 0 {
		return 1
	}
	return float64(s.HitCount) / float64(requests)
}

// MissRate 返回未命中率，没有请求时为 0
func (s Stats) MissRate() float64 {
	requests := s.RequestCount()
	if requests == 0 {
		return 0
	}
	return float64(s.MissCount) / float64(requests)
}

// LoadCount 返回加载次数
func (s Stats) LoadCount() int64 {
	return s.LoadSuccessCount + s.LoadExceptionCount
}

// LoadExceptionRate 返回加载失败率
func (s Stats) LoadExceptionRate() float64 {
	loads := s.LoadCount()
	if loads == 0 {
		return 0
	}
	return float64(s.LoadExceptionCount) / float64(loads)
}

// AverageLoadPenalty 返回平均加载耗时
func (s Stats) AverageLoadPenalty() time.Duration {
	loads := s.LoadCount()
	if loads == 0 {
		return 0
	}
	return s.TotalLoadTime / time.Duration(loads)
}

// Minus 返回两次快照之间的差值，结果不会小于 0
func (s Stats) Minus(other Stats) Stats {
	return Stats{
		HitCount:           max(0, s.HitCount-other.HitCount),
		MissCount:          max(0, s.MissCount-other.MissCount),
		LoadSuccessCount:   max(0, s.LoadSuccessCount-other.LoadSuccessCount),
		LoadExceptionCount: max(0, s.LoadExceptionCount-other.LoadExceptionCount),
		TotalLoadTime:      max(0, s.TotalLoadTime-other.TotalLoadTime),
		EvictionCount:      max(0, s.EvictionCount-other.EvictionCount),
		EvictionWeight:     max(0, s.EvictionWeight-other.EvictionWeight),
	}
}

// Map 以键值对的形式返回统计信息
func (s Stats) Map() map[string]interface{} {
	stats := map[string]interface{}{
		"hit_count":            s.HitCount,
		"miss_count":           s.MissCount,
		"load_success_count":   s.LoadSuccessCount,
		"load_exception_count": s.LoadExceptionCount,
		"eviction_count":       s.EvictionCount,
		"eviction_weight":      s.EvictionWeight,
		"hit_rate":             s.HitRate(),
	}

	if s.LoadCount() > 0 {
		stats["avg_load_time_ms"] = float64(s.AverageLoadPenalty()) / float64(time.Millisecond)
	}

	return stats
}

// statsCounter 统计信息记录器
type statsCounter interface {
	RecordHits(n int64)
	RecordMisses(n int64)
	RecordLoadSuccess(d time.Duration)
	RecordLoadException(d time.Duration)
	RecordEviction(weight uint32)
	Snapshot() Stats
}

// atomicStatsCounter 使用原子操作记录统计信息
type atomicStatsCounter struct {
	hits           atomic.Int64
	misses         atomic.Int64
	loadSuccesses  atomic.Int64
	loadExceptions atomic.Int64
	loadTime       atomic.Int64 // 纳秒
	evictions      atomic.Int64
	evictionWeight atomic.Int64
}

func (c *atomicStatsCounter) RecordHits(n int64)   { c.hits.Add(n) }
func (c *atomicStatsCounter) RecordMisses(n int64) { c.misses.Add(n) }

func (c *atomicStatsCounter) RecordLoadSuccess(d time.Duration) {
	c.loadSuccesses.Add(1)
	c.loadTime.Add(int64(d))
}

func (c *atomicStatsCounter) RecordLoadException(d time.Duration) {
	c.loadExceptions.Add(1)
	c.loadTime.Add(int64(d))
}

func (c *atomicStatsCounter) RecordEviction(weight uint32) {
	c.evictions.Add(1)
	c.evictionWeight.Add(int64(weight))
}

func (c *atomicStatsCounter) Snapshot() Stats {
	return Stats{
		HitCount:           c.hits.Load(),
		MissCount:          c.misses.Load(),
		LoadSuccessCount:   c.loadSuccesses.Load(),
		LoadExceptionCount: c.loadExceptions.Load(),
		TotalLoadTime:      time.Duration(c.loadTime.Load()),
		EvictionCount:      c.evictions.Load(),
		EvictionWeight:     c.evictionWeight.Load(),
	}
}

// noopStatsCounter 未启用统计时使用
type noopStatsCounter struct{}

func (noopStatsCounter) RecordHits(int64)                  {}
func (noopStatsCounter) RecordMisses(int64)                {}
func (noopStatsCounter) RecordLoadSuccess(time.Duration)   {}
func (noopStatsCounter) RecordLoadException(time.Duration) {}
func (noopStatsCounter) RecordEviction(uint32)             {}
func (noopStatsCounter) Snapshot() Stats                   { return Stats{} }
