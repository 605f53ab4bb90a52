package loadingcache

import (
	"context"
	"fmt"

	"github.com/linhx1999/LoadingCache-Go/store"
	"github.com/sirupsen/logrus"
)

// Refresh 同步地重新加载键
//
// 键存在时，刷新期间旧值仍然可以读取；成功后以 Replaced 替换旧值并重置写入时间，
// 失败时保留旧值并返回错误。键不存在时等同于一次普通的合并加载。
func (c *LoadingCache[K, V]) Refresh(ctx context.Context, key K) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	loc, err := c.locate(key)
	if err != nil {
		return err
	}
	_, err = c.reload(ctx, loc)
	return err
}

// refreshStale 处理需要刷新的读取，返回调用方应当看到的值
func (c *LoadingCache[K, V]) refreshStale(ctx context.Context, loc store.Location[K, V], old V) V {
	if !c.syncRefresh {
		c.scheduleRefresh(loc)
		return old
	}

	v, err := c.reload(ctx, loc)
	if err != nil {
		return old
	}
	return v
}

// scheduleRefresh 在执行器中异步刷新，同一个键同时最多调度一次
func (c *LoadingCache[K, V]) scheduleRefresh(loc store.Location[K, V]) {
	if c.closed.Load() {
		return
	}
	if _, scheduled := c.pending.LoadOrStore(loc.Handle, struct{}{}); scheduled {
		return
	}

	c.exec.Execute(func() {
		defer c.pending.Delete(loc.Handle)
		_, _ = c.reload(context.Background(), loc)
	})
}

// reload 合并同一个键的并发刷新
//
// 只有刷新开始时的条目仍在分段中时才会写入新值：刷新期间被 Put 覆盖或被移除的条目保持原样。
func (c *LoadingCache[K, V]) reload(ctx context.Context, loc store.Location[K, V]) (V, error) {
	v, err, _ := c.refreshes.Do(ctx, loc.Handle, func() (V, error) {
		old, token, ok := loc.Segment.Peek(loc.Handle, c.ticker.Read())
		if !ok {
			// 等待者共享这次刷新，不能因第一个调用方取消而一起失败
			return c.load(context.WithoutCancel(ctx), loc)
		}

		v, err := callLoader(c, ctx, loc.Key, func(ctx context.Context) (V, error) {
			if r, ok := c.loader.(Reloader[K, V]); ok {
				return r.Reload(ctx, loc.Key, old)
			}
			return c.loader.Load(ctx, loc.Key)
		})
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"key": fmt.Sprint(loc.Key),
			}).WithError(err).Warn("[LoadingCache] refresh failed, keeping old value")
			return old, err
		}

		replaced, err := loc.Segment.Replace(loc.Handle, token, v, c.ticker.Read())
		if err != nil {
			return old, &LoadError{Key: loc.Key, Err: valueError(err)}
		}
		if !replaced {
			c.log.WithField("key", fmt.Sprint(loc.Key)).Debug("[LoadingCache] entry changed during refresh, discarding refreshed value")
		}
		return v, nil
	})
	return v, err
}
