// Package admin 通过 gRPC 和 HTTP 暴露命名缓存的管理操作：查看统计、失效、刷新和清理。
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"github.com/linhx1999/LoadingCache-Go/metrics"
)

// ErrCacheNotFound 注册表中没有该名称的缓存
var ErrCacheNotFound = errors.New("admin: cache not found")

// ErrCacheExists 同名缓存已经注册
var ErrCacheExists = errors.New("admin: cache already registered")

// ErrInvalidKey 键无法解析为缓存的键类型
var ErrInvalidKey = errors.New("admin: invalid key")

// Cache 管理接口可操作的缓存，键以字符串形式传入
type Cache interface {
	Name() string
	Stats() loadingcache.Stats
	Size() int64
	Weight() int64
	Invalidate(key string) error
	InvalidateAll()
	Refresh(ctx context.Context, key string) error
	CleanUp()
}

// KeyParser 将字符串解析为缓存的键
type KeyParser[K comparable] func(s string) (K, error)

// StringKey 用于键类型为 string 的缓存
func StringKey(s string) (string, error) {
	return s, nil
}

// adapter 将泛型缓存适配为 Cache
type adapter[K comparable, V any] struct {
	*loadingcache.LoadingCache[K, V]
	parse KeyParser[K]
}

// Adapt 将 LoadingCache 适配为 Cache
func Adapt[K comparable, V any](c *loadingcache.LoadingCache[K, V], parse KeyParser[K]) Cache {
	return &adapter[K, V]{LoadingCache: c, parse: parse}
}

func (a *adapter[K, V]) key(s string) (K, error) {
	k, err := a.parse(s)
	if err != nil {
		return k, fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	return k, nil
}

func (a *adapter[K, V]) Invalidate(s string) error {
	k, err := a.key(s)
	if err != nil {
		return err
	}
	a.LoadingCache.Invalidate(k)
	return nil
}

func (a *adapter[K, V]) InvalidateAll() {
	a.LoadingCache.InvalidateAll()
}

func (a *adapter[K, V]) Refresh(ctx context.Context, s string) error {
	k, err := a.key(s)
	if err != nil {
		return err
	}
	return a.LoadingCache.Refresh(ctx, k)
}

// Registry 命名缓存的注册表
type Registry struct {
	mu     sync.RWMutex
	caches map[string]Cache
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]Cache)}
}

// Register 注册缓存，名称重复时返回 ErrCacheExists
func (r *Registry) Register(c Cache) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caches[c.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrCacheExists, c.Name())
	}
	r.caches[c.Name()] = c
	return nil
}

// Unregister 移除缓存，返回缓存是否存在
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.caches[name]
	delete(r.caches, name)
	return exists
}

// Get 获取指定名称的缓存
func (r *Registry) Get(name string) (Cache, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCacheNotFound, name)
	}
	return c, nil
}

// Names 返回所有缓存名称（已排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sources 返回所有缓存，供 metrics.Collector 采集
func (r *Registry) Sources() []metrics.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]metrics.Source, 0, len(r.caches))
	for _, c := range r.caches {
		sources = append(sources, c)
	}
	return sources
}

// Snapshot 返回缓存的统计信息，包括条目数和权重
func Snapshot(c Cache) map[string]interface{} {
	stats := c.Stats().Map()
	stats["name"] = c.Name()
	stats["size"] = c.Size()
	stats["weight"] = c.Weight()
	return stats
}
