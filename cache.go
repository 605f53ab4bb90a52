// Package loadingcache 实现进程内的并发加载缓存
//
// LoadingCache 在未命中时调用 Loader 计算值，对同一个键的并发未命中只加载一次，
// 并支持以下功能：
//   - 容量淘汰：按条目数或权重限制容量，超出时按 LRU 顺序淘汰
//   - 过期：expireAfterAccess（空闲过期）和 expireAfterWrite（写入后过期）
//   - 刷新：refreshAfterWrite 之后的读取触发刷新，刷新完成前继续返回旧值
//   - 引用强度：弱引用键、弱引用值和软引用值，被回收的条目会被自动移除
//   - 移除通知：每次移除都会带着原因（Explicit、Replaced、Collected、Size、Expired）通知监听器
//
// 数据加载流程：
//
//	Get(key) → 分段命中 → 返回数据（需要刷新时调度刷新）
//	         ↓ 未命中或已过期
//	    使用 SingleFlight 加载（同一个键只有一次加载）
//	         ↓
//	    调用 Loader.Load 并写入分段
//	         ↓
//	    分段维护：过期清理、回收清理、容量淘汰，然后投递移除通知
//
// 每个 LoadingCache 实例独立持有自己的存储、策略和通知状态，不存在进程级的全局缓存。
package loadingcache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linhx1999/LoadingCache-Go/executor"
	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
	"github.com/linhx1999/LoadingCache-Go/singleflight"
	"github.com/linhx1999/LoadingCache-Go/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LoadingCache 并发加载缓存
//
// 并发安全：
//   - 分段存储使用分段锁，不同分段的操作互不阻塞
//   - loads 和 refreshes 保证同一个键同一时刻最多只有一次加载或刷新
//   - 统计信息使用原子计数
type LoadingCache[K comparable, V any] struct {
	name      string
	loader    Loader[K, V]
	store     *store.Store[K, V]
	loads     singleflight.Group[any, V] // 未命中时的加载，按句柄合并
	refreshes singleflight.Group[any, V] // 已存在条目的刷新，按句柄合并
	pending   sync.Map                   // 已调度、尚未完成的异步刷新
	notifier  *notify.Notifier[K, V]
	stats     statsCounter
	ticker    Ticker
	exec      executor.Executor
	ownedExec *executor.Bounded // 未通过 WithExecutor 指定时创建，Close 时等待
	log       logrus.FieldLogger

	loadTimeout time.Duration
	syncRefresh bool

	closed  atomic.Bool
	stopCh  chan struct{}
	janitor sync.WaitGroup
}

// New 创建 LoadingCache，配置错误以 *ConfigError 返回
func New[K comparable, V any](loader Loader[K, V], opts ...Option[K, V]) (*LoadingCache[K, V], error) {
	if loader == nil {
		return nil, &ConfigError{Option: "loader", Reason: ErrNilLoader.Error()}
	}

	cfg := newConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &LoadingCache[K, V]{
		name:        cfg.name,
		loader:      loader,
		ticker:      cfg.ticker,
		exec:        cfg.executor,
		log:         cfg.log,
		loadTimeout: cfg.loadTimeout,
		syncRefresh: cfg.syncRefresh,
		stopCh:      make(chan struct{}),
	}
	if c.exec == nil {
		c.ownedExec = executor.NewBounded(0, cfg.log)
		c.exec = c.ownedExec
	}

	if cfg.recordStats {
		c.stats = &atomicStatsCounter{}
	} else {
		c.stats = noopStatsCounter{}
	}

	var notifyExec executor.Executor
	if cfg.asyncNotifications {
		notifyExec = c.exec
	}
	c.notifier = notify.New(notifyExec, cfg.log, cfg.listeners...)

	storeCfg := cfg.storeConfig()
	if c.notifier.Enabled() {
		storeCfg.Notify = c.notifier.Dispatch
	}
	storeCfg.OnEviction = c.stats.RecordEviction
	c.store = store.New(storeCfg)

	if cfg.cleanupInterval > 0 {
		c.janitor.Add(1)
		go c.cleanupLoop(cfg.cleanupInterval)
	}

	c.log.WithFields(logrus.Fields{
		"segments":   len(c.store.Segments()),
		"max_weight": storeCfg.MaxWeight,
		"keys":       cfg.keys.Strength().String(),
		"values":     cfg.values.Strength().String(),
	}).Infof("[LoadingCache] Created [%s]", c.name)

	return c, nil
}

// MustNew 与 New 相同，配置错误时 panic
func MustNew[K comparable, V any](loader Loader[K, V], opts ...Option[K, V]) *LoadingCache[K, V] {
	c, err := New(loader, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Name 返回缓存名称
func (c *LoadingCache[K, V]) Name() string {
	return c.name
}

// GetIfPresent 返回未过期的缓存值，不会调用加载器
func (c *LoadingCache[K, V]) GetIfPresent(key K) (V, bool) {
	var zero V
	loc, err := c.locate(key)
	if err != nil {
		return zero, false
	}

	res := loc.Segment.Get(loc.Handle, c.ticker.Read())
	if !res.Found {
		c.stats.RecordMisses(1)
		return zero, false
	}

	c.stats.RecordHits(1)
	if res.RefreshDue {
		c.scheduleRefresh(loc)
	}
	return res.Value, true
}

// Get 返回缓存值，未命中或已过期时调用加载器
//
// 加载失败时返回 *LoadError；ctx 取消只会让当前调用方提前返回，正在进行的加载会继续完成。
func (c *LoadingCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	loc, err := c.locate(key)
	if err != nil {
		return zero, err
	}

	if res := loc.Segment.Get(loc.Handle, c.ticker.Read()); res.Found {
		c.stats.RecordHits(1)
		if res.RefreshDue {
			return c.refreshStale(ctx, loc, res.Value), nil
		}
		return res.Value, nil
	}

	c.stats.RecordMisses(1)
	if c.closed.Load() {
		return zero, ErrCacheClosed
	}
	return c.load(ctx, loc)
}

// GetUnchecked 与 Get 相同，加载失败时以错误值 panic
//
// 只应用于不会失败的加载器。
func (c *LoadingCache[K, V]) GetUnchecked(key K) V {
	v, err := c.Get(context.Background(), key)
	if err != nil {
		panic(err)
	}
	return v
}

// GetAll 返回多个键的值
//
// 加载器实现了 BulkLoader 时，所有未命中的键通过一次 LoadAll 加载；
// 否则并发地逐个加载。任意一个键加载失败都会返回错误。
func (c *LoadingCache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	result := make(map[K]V, len(keys))
	var misses []store.Location[K, V]
	seen := make(map[K]struct{}, len(keys))

	now := c.ticker.Read()
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		loc, err := c.locate(key)
		if err != nil {
			return nil, err
		}
		res := loc.Segment.Get(loc.Handle, now)
		if !res.Found {
			misses = append(misses, loc)
			continue
		}
		result[key] = res.Value
		if res.RefreshDue {
			c.scheduleRefresh(loc)
		}
	}
	c.stats.RecordHits(int64(len(result)))
	c.stats.RecordMisses(int64(len(misses)))

	if len(misses) == 0 {
		return result, nil
	}
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	if bulk, ok := c.loader.(BulkLoader[K, V]); ok {
		if err := c.loadAll(ctx, bulk, misses, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range misses {
		g.Go(func() error {
			v, err := c.load(gctx, loc)
			if err != nil {
				return err
			}
			mu.Lock()
			result[loc.Key] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// loadAll 使用批量加载器加载未命中的键，返回的所有键值对都会写入缓存
func (c *LoadingCache[K, V]) loadAll(ctx context.Context, bulk BulkLoader[K, V], misses []store.Location[K, V], result map[K]V) error {
	keys := make([]K, len(misses))
	for i, loc := range misses {
		keys[i] = loc.Key
	}

	loaded, err := callLoader(c, ctx, keys, func(ctx context.Context) (map[K]V, error) {
		return bulk.LoadAll(ctx, keys)
	})
	if err != nil {
		return err
	}

	for k, v := range loaded {
		if err := c.Put(k, v); err != nil {
			return &LoadError{Key: k, Err: err}
		}
	}
	for _, k := range keys {
		v, ok := loaded[k]
		if !ok {
			return &LoadError{Key: k, Err: ErrIncompleteBulkLoad}
		}
		result[k] = v
	}
	return nil
}

// load 合并同一个键的并发加载，并把结果写入分段
func (c *LoadingCache[K, V]) load(ctx context.Context, loc store.Location[K, V]) (V, error) {
	v, err, _ := c.loads.Do(ctx, loc.Handle, func() (V, error) {
		// 序号必须在 Peek 之前读取：Peek 之后的任何写入都应优先于加载结果
		since := loc.Segment.Seq()

		// 上一次加载可能刚刚完成，调用方在它写入之前错过了分段中的值
		if v, _, ok := loc.Segment.Peek(loc.Handle, c.ticker.Read()); ok {
			return v, nil
		}

		v, err := callLoader(c, ctx, loc.Key, func(ctx context.Context) (V, error) {
			return c.loader.Load(ctx, loc.Key)
		})
		if err != nil {
			return v, err
		}

		// 加载期间被 Put 写入的新值优先，加载结果被丢弃并以 Replaced 通知
		if _, err := loc.Segment.Install(loc.Key, loc.Handle, v, c.ticker.Read(), since); err != nil {
			return v, &LoadError{Key: loc.Key, Err: valueError(err)}
		}
		return v, nil
	})
	return v, err
}

// callLoader 调用加载器并记录统计信息
//
// 加载使用与调用方取消信号分离的 ctx，可选地受 loadTimeout 限制；
// 加载器 panic 会被转换为 singleflight.PanicError。
func callLoader[T any, K comparable, V any](c *LoadingCache[K, V], ctx context.Context, key any, fn func(context.Context) (T, error)) (v T, err error) {
	ctx = context.WithoutCancel(ctx)
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}

	start := c.ticker.Read()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, &singleflight.PanicError{Value: r, Stack: debug.Stack()}
		}

		elapsed := time.Duration(c.ticker.Read() - start)
		if err == nil {
			c.stats.RecordLoadSuccess(elapsed)
			return
		}

		c.stats.RecordLoadException(elapsed)
		c.log.WithFields(logrus.Fields{
			"key":      fmt.Sprint(key),
			"duration": elapsed,
		}).WithError(err).Debug("[LoadingCache] load failed")
		err = &LoadError{Key: key, Err: err}
	}()

	return fn(ctx)
}

// Put 写入键值对，替换已有的值（以 Replaced 通知）
func (c *LoadingCache[K, V]) Put(key K, value V) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	loc, err := c.locate(key)
	if err != nil {
		return err
	}
	if err := loc.Segment.Put(key, loc.Handle, value, c.ticker.Read()); err != nil {
		return valueError(err)
	}
	return nil
}

// PutAll 逐个写入键值对，不保证整体的原子性
func (c *LoadingCache[K, V]) PutAll(m map[K]V) error {
	var errs []error
	for k, v := range m {
		if err := c.Put(k, v); err != nil {
			errs = append(errs, fmt.Errorf("put %v: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate 移除键，键不存在时不做任何事
func (c *LoadingCache[K, V]) Invalidate(key K) {
	loc, err := c.locate(key)
	if err != nil {
		return
	}
	loc.Segment.Remove(loc.Handle, c.ticker.Read())
}

// InvalidateAll 移除给定的键；不传参数时清空缓存
func (c *LoadingCache[K, V]) InvalidateAll(keys ...K) {
	if len(keys) == 0 {
		c.store.Clear(c.ticker.Read())
		return
	}
	for _, key := range keys {
		c.Invalidate(key)
	}
}

// Size 返回存活条目数
//
// 计数前会在每个分段上执行过期和回收清理，因此已过期但尚未清理的条目不会被计入。
// 并发修改下只是近似值。
func (c *LoadingCache[K, V]) Size() int64 {
	return c.store.Len(c.ticker.Read())
}

// Weight 返回当前总权重
func (c *LoadingCache[K, V]) Weight() int64 {
	return c.store.Weight()
}

// CleanUp 立即执行一次完整维护
func (c *LoadingCache[K, V]) CleanUp() {
	c.store.CleanUp(c.ticker.Read())
}

// Range 遍历存活的键值对，fn 返回 false 时停止；遍历不影响访问顺序
func (c *LoadingCache[K, V]) Range(fn func(key K, value V) bool) {
	c.store.Range(c.ticker.Read(), fn)
}

// Stats 返回统计信息快照，未启用 WithRecordStats 时全部为 0
func (c *LoadingCache[K, V]) Stats() Stats {
	return c.stats.Snapshot()
}

// ListenerFailures 返回移除监听器 panic 的次数
func (c *LoadingCache[K, V]) ListenerFailures() int64 {
	return c.notifier.Failures()
}

// Close 停止后台清理并等待已调度的异步任务
//
// 关闭后加载和写入返回 ErrCacheClosed，已缓存的值仍然可以读取。
func (c *LoadingCache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.janitor.Wait()
	if c.ownedExec != nil {
		c.ownedExec.Wait()
	}

	c.log.Infof("[LoadingCache] closed cache [%s]", c.name)
	return nil
}

// cleanupLoop 定期执行维护的协程
func (c *LoadingCache[K, V]) cleanupLoop(interval time.Duration) {
	defer c.janitor.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanUp()
		case <-c.stopCh:
			return
		}
	}
}

// locate 定位键所在的分段
func (c *LoadingCache[K, V]) locate(key K) (store.Location[K, V], error) {
	loc, err := c.store.Locate(key)
	if errors.Is(err, reference.ErrNilReferent) {
		return loc, ErrNilKey
	}
	return loc, err
}

// valueError 将引用层的错误转换为缓存的错误
func valueError(err error) error {
	if errors.Is(err, reference.ErrNilReferent) {
		return ErrNilValue
	}
	return err
}
