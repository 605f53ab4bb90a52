package loadingcache

import (
	"errors"
	"fmt"
)

// ErrNilLoader 加载器不能为空
var ErrNilLoader = errors.New("loadingcache: loader is required")

// ErrNilKey 弱引用键不能为 nil
var ErrNilKey = errors.New("loadingcache: nil key")

// ErrNilValue 弱引用值不能为 nil
var ErrNilValue = errors.New("loadingcache: nil value")

// ErrCacheClosed 缓存已关闭
var ErrCacheClosed = errors.New("loadingcache: cache is closed")

// ErrIncompleteBulkLoad 批量加载器没有返回所有请求的键
var ErrIncompleteBulkLoad = errors.New("loadingcache: bulk loader did not return all requested keys")

// LoadError 加载器为某个键加载失败
//
// 发起加载以及等待同一次加载的所有调用方都会收到同一个 LoadError，其他键不受影响。
type LoadError struct {
	Key any
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loadingcache: load %v: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ConfigError 构建缓存时的配置错误
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("loadingcache: invalid %s: %s", e.Option, e.Reason)
}

func configErrorf(option, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Option: option, Reason: fmt.Sprintf(format, args...)}
}
