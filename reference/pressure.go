package reference

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// PressureGauge 判断当前是否处于内存压力下，软引用条目据此被回收
type PressureGauge interface {
	UnderPressure() bool
}

// PressureFunc 函数类型实现 PressureGauge 接口
type PressureFunc func() bool

// UnderPressure 实现 PressureGauge 接口
func (f PressureFunc) UnderPressure() bool { return f() }

// RuntimeGauge 比较堆上存活对象字节数与运行时软内存上限（debug.SetMemoryLimit）
//
// 未设置内存上限时永远不会报告压力。采样结果在 interval 内复用。
type RuntimeGauge struct {
	threshold float64
	interval  time.Duration

	mu        sync.Mutex
	samples   []metrics.Sample
	sampledAt atomic.Int64
	pressured atomic.Bool
}

// NewRuntimeGauge 创建 RuntimeGauge，threshold 为内存上限的比例（0, 1]
func NewRuntimeGauge(threshold float64, interval time.Duration) *RuntimeGauge {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &RuntimeGauge{
		threshold: threshold,
		interval:  interval,
		samples:   []metrics.Sample{{Name: heapObjectsMetric}},
	}
}

// UnderPressure 实现 PressureGauge 接口
func (g *RuntimeGauge) UnderPressure() bool {
	now := time.Now().UnixNano()
	if now-g.sampledAt.Load() < int64(g.interval) {
		return g.pressured.Load()
	}
	// 其他协程正在采样，直接复用上次结果
	if !g.mu.TryLock() {
		return g.pressured.Load()
	}
	defer g.mu.Unlock()

	g.sampledAt.Store(now)
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		g.pressured.Store(false)
		return false
	}

	metrics.Read(g.samples)
	if g.samples[0].Value.Kind() != metrics.KindUint64 {
		g.pressured.Store(false)
		return false
	}

	live := g.samples[0].Value.Uint64()
	pressured := float64(live) >= g.threshold*float64(limit)
	g.pressured.Store(pressured)
	return pressured
}
