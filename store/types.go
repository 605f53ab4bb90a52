// Package store 实现加载缓存的分段存储：每个分段持有独立的锁、键到条目的映射、
// 访问顺序队列和写入顺序队列，并在同一把锁下完成容量淘汰、过期清理和回收条目的清理。
package store

import (
	"time"

	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
)

const (
	// DefaultConcurrencyLevel 默认的分段数上限
	DefaultConcurrencyLevel = 4

	// drainThreshold 每 64 次读取触发一次维护
	drainThreshold = 0x3F

	// drainMax 单次维护最多处理的回收条目数
	drainMax = 16
)

// Config 分段存储配置
type Config[K comparable, V any] struct {
	ConcurrencyLevel int   // 分段数上限，向上取 2 的幂
	MaxWeight        int64 // 最大总权重，小于 0 表示不限制

	// Weigher 计算条目权重，nil 表示每个条目权重为 1
	Weigher func(key K, value V) uint32

	ExpireAfterAccess time.Duration // 访问过期时间，0 表示不启用
	ExpireAfterWrite  time.Duration // 写入过期时间，0 表示不启用
	RefreshAfterWrite time.Duration // 写入后多久需要刷新，0 表示不启用

	Keys     reference.Keys[K]
	Values   reference.Values[V]
	Pressure reference.PressureGauge // 软引用值的内存压力判断

	// Notify 在释放分段锁之后接收一批移除事件
	Notify func(batch []notify.Notification[K, V])
	// OnEviction 条目被自动移除（Size、Expired、Collected）时调用，用于统计
	OnEviction func(weight uint32)
}

// Location 键所在的分段及其在分段 map 中的句柄
type Location[K comparable, V any] struct {
	Key     K
	Handle  any
	Segment *Segment[K, V]
}

// Result 读取结果
type Result[V any] struct {
	Value      V
	Found      bool
	RefreshDue bool // 启用了 RefreshAfterWrite 且条目写入时间已超过阈值
}
