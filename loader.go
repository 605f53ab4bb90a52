package loadingcache

import "context"

// Loader 缓存未命中时计算键对应的值
//
// Load 可能很慢或阻塞；对同一个键的并发未命中只会调用一次 Load。
type Loader[K comparable, V any] interface {
	Load(ctx context.Context, key K) (V, error)
}

// LoaderFunc 函数类型实现 Loader 接口
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Load 实现 Loader 接口
func (f LoaderFunc[K, V]) Load(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

// Reloader 可选接口，刷新时使用旧值计算新值；未实现时刷新调用 Load
type Reloader[K comparable, V any] interface {
	Reload(ctx context.Context, key K, old V) (V, error)
}

// BulkLoader 可选接口，GetAll 用它一次加载多个未命中的键
//
// 返回的所有键值对都会写入缓存，包括未请求的键。
type BulkLoader[K comparable, V any] interface {
	LoadAll(ctx context.Context, keys []K) (map[K]V, error)
}
