package store

import (
	"container/list"

	"github.com/linhx1999/LoadingCache-Go/reference"
)

// State 条目状态
//
// 正在加载的键没有对应的条目，由 singleflight 中的请求表示，因此不会计入 Len。
type State int32

const (
	Loaded      State = iota // 已写入分段，可见
	Invalidated              // 已从分段中移除
)

// Entry 表示分段中的一个条目
type Entry[K comparable, V any] struct {
	handle     any                   // 分段 map 中的键
	key        reference.KeyRef[K]   // 键引用
	value      reference.ValueRef[V] // 值引用
	weight     uint32
	writeTime  int64  // 写入时间（纳秒）
	accessTime int64  // 最近访问时间（纳秒）
	seq        uint64 // 写入时分段的序号
	state      State

	accessElem *list.Element // 在访问顺序队列中的节点
	writeElem  *list.Element // 在写入顺序队列中的节点
}

// Key 返回条目的键，键已被回收时返回 false
func (e *Entry[K, V]) Key() (K, bool) {
	return e.key.Get()
}

// Value 返回条目的值，值已被回收时返回 false
func (e *Entry[K, V]) Value() (V, bool) {
	return e.value.Get()
}

// State 返回条目状态，调用方需持有分段锁或接受过期的读取结果
func (e *Entry[K, V]) State() State {
	return e.state
}

// collected 键或值是否已被回收
func (e *Entry[K, V]) collected() bool {
	if _, ok := e.key.Get(); !ok {
		return true
	}
	_, ok := e.value.Get()
	return !ok
}
