package loadingcache

import "time"

// Ticker 单调时钟，返回纳秒
type Ticker interface {
	Read() int64
}

// TickerFunc 函数类型实现 Ticker 接口
type TickerFunc func() int64

// Read 实现 Ticker 接口
func (f TickerFunc) Read() int64 { return f() }

// SystemTicker 返回基于 time.Since 的单调时钟
func SystemTicker() Ticker {
	start := time.Now()
	return TickerFunc(func() int64 {
		return int64(time.Since(start))
	})
}
