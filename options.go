package loadingcache

import (
	"time"

	"github.com/linhx1999/LoadingCache-Go/executor"
	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
	"github.com/linhx1999/LoadingCache-Go/store"
	"github.com/sirupsen/logrus"
)

// unset 表示整数或时长类配置未设置
const unset = -1

// RemovalCause 条目被移除的原因
type RemovalCause = notify.Cause

const (
	CauseExplicit  = notify.Explicit
	CauseReplaced  = notify.Replaced
	CauseCollected = notify.Collected
	CauseExpired   = notify.Expired
	CauseSize      = notify.Size
)

// RemovalNotification 移除事件
type RemovalNotification[K comparable, V any] = notify.Notification[K, V]

// RemovalListener 移除监听器
type RemovalListener[K comparable, V any] = notify.Listener[K, V]

// Weigher 计算条目权重
type Weigher[K comparable, V any] func(key K, value V) uint32

// config 缓存配置，由 Option 修改，在 New 中校验
type config[K comparable, V any] struct {
	name               string
	log                logrus.FieldLogger
	maximumSize        int64
	maximumWeight      int64
	weigher            Weigher[K, V]
	expireAfterAccess  time.Duration
	expireAfterWrite   time.Duration
	refreshAfterWrite  time.Duration
	concurrencyLevel   int
	keys               reference.Keys[K]
	values             reference.Values[V]
	pressure           reference.PressureGauge
	listeners          []RemovalListener[K, V]
	ticker             Ticker
	executor           executor.Executor
	loadTimeout        time.Duration
	syncRefresh        bool
	asyncNotifications bool
	cleanupInterval    time.Duration
	recordStats        bool
	errs               []error // Option 中发现的错误，New 时返回第一个
}

func newConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		name:              "default",
		maximumSize:       unset,
		maximumWeight:     unset,
		expireAfterAccess: unset,
		expireAfterWrite:  unset,
		refreshAfterWrite: unset,
		concurrencyLevel:  unset,
	}
}

func (c *config[K, V]) fail(option, format string, args ...interface{}) {
	c.errs = append(c.errs, configErrorf(option, format, args...))
}

// validate 校验选项组合，错误只会在构建时返回
func (c *config[K, V]) validate() error {
	if len(c.errs) > 0 {
		return c.errs[0]
	}
	if c.maximumSize != unset && c.maximumWeight != unset {
		return configErrorf("maximumWeight", "maximum size was already set to %d", c.maximumSize)
	}
	if c.maximumWeight != unset && c.weigher == nil {
		return configErrorf("maximumWeight", "requires a weigher")
	}
	if c.weigher != nil && c.maximumWeight == unset {
		return configErrorf("weigher", "requires maximumWeight")
	}
	if c.pressure != nil && (c.values == nil || c.values.Strength() != reference.Soft) {
		return configErrorf("pressureGauge", "requires softValues")
	}
	return nil
}

// applyDefaults 填充未设置的协作者
func (c *config[K, V]) applyDefaults() {
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("cache", c.name)
	if c.ticker == nil {
		c.ticker = SystemTicker()
	}
	if c.keys == nil {
		c.keys = reference.StrongKeys[K]()
	}
	if c.values == nil {
		c.values = reference.StrongValues[V]()
	}
	if c.values.Strength() == reference.Soft && c.pressure == nil {
		c.pressure = reference.NewRuntimeGauge(0.9, 100*time.Millisecond)
	}
}

// maxWeight 计算存储的权重上限；过期时间为 0 时不保留任何条目
func (c *config[K, V]) maxWeight() int64 {
	if c.expireAfterAccess == 0 || c.expireAfterWrite == 0 {
		return 0
	}
	if c.maximumSize != unset {
		return c.maximumSize
	}
	if c.maximumWeight != unset {
		return c.maximumWeight
	}
	return unset
}

// storeConfig 转换为分段存储的配置
func (c *config[K, V]) storeConfig() store.Config[K, V] {
	positive := func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return d
	}

	cfg := store.Config[K, V]{
		ConcurrencyLevel:  c.concurrencyLevel,
		MaxWeight:         c.maxWeight(),
		ExpireAfterAccess: positive(c.expireAfterAccess),
		ExpireAfterWrite:  positive(c.expireAfterWrite),
		RefreshAfterWrite: positive(c.refreshAfterWrite),
		Keys:              c.keys,
		Values:            c.values,
		Pressure:          c.pressure,
	}
	if c.weigher != nil {
		cfg.Weigher = c.weigher
	}
	return cfg
}

// Option 定义缓存的配置选项
type Option[K comparable, V any] func(*config[K, V])

// WithName 设置缓存名称，用于日志和监控
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(c *config[K, V]) {
		c.name = name
	}
}

// WithLogger 设置日志记录器
func WithLogger[K comparable, V any](log logrus.FieldLogger) Option[K, V] {
	return func(c *config[K, V]) {
		c.log = log
	}
}

// WithMaximumSize 设置最大条目数
func WithMaximumSize[K comparable, V any](n int64) Option[K, V] {
	return func(c *config[K, V]) {
		switch {
		case n < 0:
			c.fail("maximumSize", "must not be negative: %d", n)
		case c.maximumSize != unset:
			c.fail("maximumSize", "was already set to %d", c.maximumSize)
		default:
			c.maximumSize = n
		}
	}
}

// WithMaximumWeight 设置最大总权重，必须同时使用 WithWeigher
func WithMaximumWeight[K comparable, V any](n int64) Option[K, V] {
	return func(c *config[K, V]) {
		switch {
		case n < 0:
			c.fail("maximumWeight", "must not be negative: %d", n)
		case c.maximumWeight != unset:
			c.fail("maximumWeight", "was already set to %d", c.maximumWeight)
		default:
			c.maximumWeight = n
		}
	}
}

// WithWeigher 设置权重计算函数
func WithWeigher[K comparable, V any](w Weigher[K, V]) Option[K, V] {
	return func(c *config[K, V]) {
		if w == nil {
			c.fail("weigher", "must not be nil")
			return
		}
		c.weigher = w
	}
}

// WithExpireAfterAccess 条目在最近一次访问 d 之后过期，d 为 0 时不保留任何条目
func WithExpireAfterAccess[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		c.setDuration("expireAfterAccess", &c.expireAfterAccess, d)
	}
}

// WithExpireAfterWrite 条目在写入 d 之后过期，d 为 0 时不保留任何条目
func WithExpireAfterWrite[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		c.setDuration("expireAfterWrite", &c.expireAfterWrite, d)
	}
}

// WithRefreshAfterWrite 条目写入 d 之后的读取会触发刷新，刷新完成前返回旧值
func WithRefreshAfterWrite[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		if d == 0 {
			c.fail("refreshAfterWrite", "must be positive")
			return
		}
		c.setDuration("refreshAfterWrite", &c.refreshAfterWrite, d)
	}
}

func (c *config[K, V]) setDuration(option string, field *time.Duration, d time.Duration) {
	switch {
	case d < 0:
		c.fail(option, "must not be negative: %v", d)
	case *field != unset:
		c.fail(option, "was already set to %v", *field)
	default:
		*field = d
	}
}

// WithConcurrencyLevel 设置分段数上限，默认 4
func WithConcurrencyLevel[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		switch {
		case n <= 0:
			c.fail("concurrencyLevel", "must be positive: %d", n)
		case c.concurrencyLevel != unset:
			c.fail("concurrencyLevel", "was already set to %d", c.concurrencyLevel)
		default:
			c.concurrencyLevel = n
		}
	}
}

// WithWeakKeys 弱引用键：缓存不持有键的强引用，键按指针同一性比较
func WithWeakKeys[T any, V any]() Option[*T, V] {
	return func(c *config[*T, V]) {
		if c.keys != nil {
			c.fail("weakKeys", "key strength was already set to %s", c.keys.Strength())
			return
		}
		c.keys = reference.WeakKeys[T]()
	}
}

// WithWeakValues 弱引用值：缓存不持有值的强引用
func WithWeakValues[K comparable, T any]() Option[K, *T] {
	return func(c *config[K, *T]) {
		c.setValues(reference.WeakValues[T]())
	}
}

// WithSoftValues 软引用值：内存压力下按 LRU 顺序回收
func WithSoftValues[K comparable, V any]() Option[K, V] {
	return func(c *config[K, V]) {
		c.setValues(reference.SoftValues[V]())
	}
}

func (c *config[K, V]) setValues(values reference.Values[V]) {
	if c.values != nil {
		c.fail(values.Strength().String()+"Values", "value strength was already set to %s", c.values.Strength())
		return
	}
	c.values = values
}

// WithPressureGauge 设置软引用值使用的内存压力判断，默认使用 reference.RuntimeGauge；必须与 WithSoftValues 一起使用
func WithPressureGauge[K comparable, V any](g reference.PressureGauge) Option[K, V] {
	return func(c *config[K, V]) {
		c.pressure = g
	}
}

// WithRemovalListener 注册移除监听器，可多次调用
func WithRemovalListener[K comparable, V any](l RemovalListener[K, V]) Option[K, V] {
	return func(c *config[K, V]) {
		if l == nil {
			c.fail("removalListener", "must not be nil")
			return
		}
		c.listeners = append(c.listeners, l)
	}
}

// WithAsyncRemovalNotifications 在执行器中异步投递移除事件
func WithAsyncRemovalNotifications[K comparable, V any]() Option[K, V] {
	return func(c *config[K, V]) {
		c.asyncNotifications = true
	}
}

// WithTicker 设置时钟，测试中可使用可控的时钟
func WithTicker[K comparable, V any](t Ticker) Option[K, V] {
	return func(c *config[K, V]) {
		c.ticker = t
	}
}

// WithExecutor 设置异步刷新和异步通知使用的执行器
func WithExecutor[K comparable, V any](e executor.Executor) Option[K, V] {
	return func(c *config[K, V]) {
		c.executor = e
	}
}

// WithLoadTimeout 限制单次加载的时长，超时后加载器的 ctx 被取消
func WithLoadTimeout[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		if d <= 0 {
			c.fail("loadTimeout", "must be positive: %v", d)
			return
		}
		c.loadTimeout = d
	}
}

// WithSynchronousRefresh 需要刷新的读取等待刷新完成后返回新值
func WithSynchronousRefresh[K comparable, V any]() Option[K, V] {
	return func(c *config[K, V]) {
		c.syncRefresh = true
	}
}

// WithCleanupInterval 启动后台协程定期清理过期条目
func WithCleanupInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		if d <= 0 {
			c.fail("cleanupInterval", "must be positive: %v", d)
			return
		}
		c.cleanupInterval = d
	}
}

// WithRecordStats 启用统计信息
func WithRecordStats[K comparable, V any]() Option[K, V] {
	return func(c *config[K, V]) {
		c.recordStats = true
	}
}
