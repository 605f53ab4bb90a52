// Package reference 实现缓存键、值的引用强度（强引用、弱引用、软引用）。
//
// 弱引用基于标准库 weak.Pointer：缓存本身不持有强引用，被引用对象不可达后由 GC 回收，
// 回收时通过 runtime.AddCleanup 回调通知所属的分段；软引用在内存压力下由分段的维护流程按 LRU 顺序回收。
package reference

import (
	"errors"
	"runtime"
	"weak"
)

// ErrNilReferent 弱引用的对象不能为 nil
var ErrNilReferent = errors.New("reference: nil referent")

// Strength 引用强度
type Strength int

const (
	Strong Strength = iota // 强引用（默认）
	Weak                   // 弱引用：对象在缓存外不可达后即可回收
	Soft                   // 软引用：内存压力下可回收
)

func (s Strength) String() string {
	switch s {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Soft:
		return "soft"
	default:
		return "unknown"
	}
}

// KeyRef 缓存条目持有的键引用
type KeyRef[K comparable] interface {
	// Get 返回键，若键已被回收则返回 false
	Get() (K, bool)
	// Release 条目被移除时调用，停止回收通知
	Release()
}

// ValueRef 缓存条目持有的值引用
type ValueRef[V any] interface {
	Get() (V, bool)
	Release()
}

// Keys 键引用策略
type Keys[K comparable] interface {
	Strength() Strength
	// Handle 返回分段 map 中使用的键句柄，同一个键总是得到相等的句柄
	Handle(key K) (any, error)
	// New 创建键引用，onCollect 在键被回收后调用（可能在任意协程中）
	New(key K, onCollect func()) (KeyRef[K], error)
}

// Values 值引用策略
type Values[V any] interface {
	Strength() Strength
	New(value V, onCollect func()) (ValueRef[V], error)
}

// strongRef 强引用，同时用于软引用的值
type strongRef[T any] struct {
	v T
}

func (r *strongRef[T]) Get() (T, bool) { return r.v, true }

func (r *strongRef[T]) Release() {}

type strongKeys[K comparable] struct{}

// StrongKeys 返回强引用键策略
func StrongKeys[K comparable]() Keys[K] { return strongKeys[K]{} }

func (strongKeys[K]) Strength() Strength { return Strong }

func (strongKeys[K]) Handle(key K) (any, error) { return key, nil }

func (strongKeys[K]) New(key K, _ func()) (KeyRef[K], error) {
	return &strongRef[K]{v: key}, nil
}

type strongValues[V any] struct {
	strength Strength
}

// StrongValues 返回强引用值策略
func StrongValues[V any]() Values[V] { return strongValues[V]{strength: Strong} }

// SoftValues 返回软引用值策略
//
// 值仍被强持有，但条目会在 PressureGauge 报告内存压力时被分段维护流程回收。
func SoftValues[V any]() Values[V] { return strongValues[V]{strength: Soft} }

func (s strongValues[V]) Strength() Strength { return s.strength }

func (strongValues[V]) New(value V, _ func()) (ValueRef[V], error) {
	return &strongRef[V]{v: value}, nil
}

// weakRef 基于 weak.Pointer 的弱引用
type weakRef[T any] struct {
	ptr     weak.Pointer[T]
	cleanup runtime.Cleanup
	armed   bool
}

func newWeakRef[T any](p *T, onCollect func()) *weakRef[T] {
	r := &weakRef[T]{ptr: weak.Make(p)}
	if onCollect != nil {
		// arg 不能引用 p 本身，否则 p 永远不会被回收
		r.cleanup = runtime.AddCleanup(p, func(fn func()) { fn() }, onCollect)
		r.armed = true
	}
	return r
}

func (r *weakRef[T]) Get() (*T, bool) {
	p := r.ptr.Value()
	return p, p != nil
}

// Release 必须在持有分段锁时调用
func (r *weakRef[T]) Release() {
	if r.armed {
		r.cleanup.Stop()
		r.armed = false
	}
}

type weakKeys[T any] struct{}

// WeakKeys 返回弱引用键策略，键按指针同一性比较
func WeakKeys[T any]() Keys[*T] { return weakKeys[T]{} }

func (weakKeys[T]) Strength() Strength { return Weak }

func (weakKeys[T]) Handle(key *T) (any, error) {
	if key == nil {
		return nil, ErrNilReferent
	}
	return weak.Make(key), nil
}

func (weakKeys[T]) New(key *T, onCollect func()) (KeyRef[*T], error) {
	if key == nil {
		return nil, ErrNilReferent
	}
	return newWeakRef(key, onCollect), nil
}

type weakValues[T any] struct{}

// WeakValues 返回弱引用值策略
func WeakValues[T any]() Values[*T] { return weakValues[T]{} }

func (weakValues[T]) Strength() Strength { return Weak }

func (weakValues[T]) New(value *T, onCollect func()) (ValueRef[*T], error) {
	if value == nil {
		return nil, ErrNilReferent
	}
	return newWeakRef(value, onCollect), nil
}
