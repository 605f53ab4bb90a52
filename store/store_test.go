package store

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/linhx1999/LoadingCache-Go/notify"
	"github.com/linhx1999/LoadingCache-Go/reference"
)

// ============================================================================
// 测试辅助类型和函数
// ============================================================================

// recorder 记录分段投递的移除事件
type recorder[K comparable, V any] struct {
	mu     sync.Mutex
	events []notify.Notification[K, V]
}

func (r *recorder[K, V]) notify(batch []notify.Notification[K, V]) {
	r.mu.Lock()
	r.events = append(r.events, batch...)
	r.mu.Unlock()
}

func (r *recorder[K, V]) causes() []notify.Cause {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Cause, len(r.events))
	for i, e := range r.events {
		out[i] = e.Cause
	}
	return out
}

func (r *recorder[K, V]) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func newStringStore(cfg Config[string, string]) (*Store[string, string], *recorder[string, string]) {
	rec := &recorder[string, string]{}
	cfg.Notify = rec.notify
	return New(cfg), rec
}

func mustPut(t *testing.T, s *Store[string, string], key, value string, now int64) {
	t.Helper()
	loc, err := s.Locate(key)
	if err != nil {
		t.Fatalf("Locate(%q) failed: %v", key, err)
	}
	if err := loc.Segment.Put(key, loc.Handle, value, now); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func get(t *testing.T, s *Store[string, string], key string, now int64) Result[string] {
	t.Helper()
	loc, err := s.Locate(key)
	if err != nil {
		t.Fatalf("Locate(%q) failed: %v", key, err)
	}
	return loc.Segment.Get(loc.Handle, now)
}

// ============================================================================
// 分段划分
// ============================================================================

// TestSegmentLimits 测试分段数和每个分段的权重上限
func TestSegmentLimits(t *testing.T) {
	tests := []struct {
		level     int
		maxWeight int64
		expected  []int64
	}{
		{4, 3, []int64{3}},                     // 1*20 > 3，只有一个分段
		{4, -1, []int64{-1, -1, -1, -1}},       // 不限制容量
		{4, 20, []int64{10, 10}},               // 1*20 <= 20 → 2，2*20 > 20 停止
		{4, 41, []int64{11, 10, 10, 10}},       // 余数分给前面的分段
		{4, 1000, []int64{250, 250, 250, 250}}, // 达到并发级别
		{0, 1000, []int64{250, 250, 250, 250}}, // 默认并发级别 4
		{3, 1000, []int64{500, 500}},           // 向下取 2 的幂
		{7, 1000, []int64{250, 250, 250, 250}},
		{1, 1000, []int64{1000}},         // 单个分段
		{4, 0, []int64{0}},               // 容量为 0
		{8, 79, []int64{20, 20, 20, 19}}, // 4*20 > 79，停在 4 个分段
	}

	for _, tt := range tests {
		got := segmentLimits(tt.level, tt.maxWeight)
		if fmt.Sprint(got) != fmt.Sprint(tt.expected) {
			t.Errorf("segmentLimits(%d, %d) = %v, expected %v", tt.level, tt.maxWeight, got, tt.expected)
		}

		var sum int64
		for _, l := range got {
			sum += l
		}
		if tt.maxWeight >= 0 && sum != tt.maxWeight {
			t.Errorf("segmentLimits(%d, %d) sums to %d", tt.level, tt.maxWeight, sum)
		}
	}
}

// ============================================================================
// 容量淘汰
// ============================================================================

// TestStore_SizeEviction 测试按 LRU 顺序淘汰
func TestStore_SizeEviction(t *testing.T) {
	t.Run("淘汰最早插入的条目", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: 3})
		for i, key := range []string{"first", "second", "third", "forth"} {
			mustPut(t, s, key, key, int64(i))
		}

		if n := s.Len(10); n != 3 {
			t.Fatalf("Len 应为 3，实际为 %d", n)
		}
		if res := get(t, s, "first", 10); res.Found {
			t.Error("first 应已被淘汰")
		}
		causes := rec.causes()
		if len(causes) != 1 || causes[0] != notify.Size {
			t.Errorf("期望一次 Size 通知，实际为 %v", causes)
		}
	})

	t.Run("访问会更新 LRU 顺序", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: 3})
		mustPut(t, s, "a", "A", 0)
		mustPut(t, s, "b", "B", 1)
		mustPut(t, s, "c", "C", 2)
		get(t, s, "a", 3)
		mustPut(t, s, "d", "D", 4)

		if !get(t, s, "a", 5).Found {
			t.Error("a 刚被访问，不应被淘汰")
		}
		if get(t, s, "b", 5).Found {
			t.Error("b 是最久未使用的条目，应被淘汰")
		}
	})

	t.Run("按权重淘汰", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{
			MaxWeight: 10,
			Weigher:   func(_ string, v string) uint32 { return uint32(len(v)) },
		})
		mustPut(t, s, "a", "xxxx", 0)
		mustPut(t, s, "b", "xxxx", 1)
		mustPut(t, s, "c", "xxxx", 2)

		if w := s.Weight(); w > 10 {
			t.Fatalf("总权重 %d 超过上限 10", w)
		}
		if get(t, s, "a", 3).Found {
			t.Error("a 应被淘汰")
		}
		if len(rec.causes()) != 1 {
			t.Errorf("期望 1 次淘汰，实际为 %v", rec.causes())
		}
	})

	t.Run("权重为 0 的条目不会被淘汰", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{
			MaxWeight: 1,
			Weigher: func(k string, _ string) uint32 {
				if k == "pinned" {
					return 0
				}
				return 1
			},
		})
		mustPut(t, s, "pinned", "P", 0)
		mustPut(t, s, "a", "A", 1)
		mustPut(t, s, "b", "B", 2)

		if !get(t, s, "pinned", 3).Found {
			t.Error("权重为 0 的条目不应被淘汰")
		}
		if get(t, s, "a", 3).Found {
			t.Error("a 应被淘汰")
		}
	})

	t.Run("超过上限的单个条目立即被淘汰", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{
			MaxWeight: 5,
			Weigher:   func(_ string, v string) uint32 { return uint32(len(v)) },
		})
		mustPut(t, s, "small", "xx", 0)
		mustPut(t, s, "huge", "xxxxxxxxxx", 1)

		if get(t, s, "huge", 2).Found {
			t.Error("huge 超过上限，应被淘汰")
		}
		if !get(t, s, "small", 2).Found {
			t.Error("small 不应受影响")
		}
		if causes := rec.causes(); len(causes) != 1 || causes[0] != notify.Size {
			t.Errorf("期望一次 Size 通知，实际为 %v", causes)
		}
	})

	t.Run("容量为 0 时不保留任何条目", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: 0})
		mustPut(t, s, "a", "A", 0)
		if s.Len(1) != 0 {
			t.Error("容量为 0 的存储不应保留条目")
		}
	})
}

// ============================================================================
// 过期
// ============================================================================

// TestStore_Expiration 测试访问过期和写入过期
func TestStore_Expiration(t *testing.T) {
	ms := int64(time.Millisecond)

	t.Run("访问过期", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1, ExpireAfterAccess: 10 * time.Millisecond})
		mustPut(t, s, "hello", "HELLO", 0)

		// 持续访问可以延长存活时间
		for now := int64(5); now <= 30; now += 5 {
			if !get(t, s, "hello", now*ms).Found {
				t.Fatalf("%dms 时 hello 应仍然存在", now)
			}
		}
		if get(t, s, "hello", 40*ms).Found {
			t.Error("空闲 10ms 后 hello 应已过期")
		}
		if causes := rec.causes(); len(causes) != 1 || causes[0] != notify.Expired {
			t.Errorf("期望一次 Expired 通知，实际为 %v", causes)
		}
	})

	t.Run("写入过期不受访问影响", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: -1, ExpireAfterWrite: 10 * time.Millisecond})
		mustPut(t, s, "hello", "HELLO", 0)
		get(t, s, "hello", 5*ms)
		if get(t, s, "hello", 10*ms).Found {
			t.Error("写入 10ms 后 hello 应已过期")
		}
	})

	t.Run("两者都设置时任一满足即过期", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{
			MaxWeight:         -1,
			ExpireAfterAccess: 100 * time.Millisecond,
			ExpireAfterWrite:  10 * time.Millisecond,
		})
		mustPut(t, s, "hello", "HELLO", 0)
		if get(t, s, "hello", 10*ms).Found {
			t.Error("写入过期先满足，hello 应已过期")
		}
	})

	t.Run("Len 不计入已过期的条目", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1, ExpireAfterWrite: 10 * time.Millisecond})
		for i := 0; i < 20; i++ {
			mustPut(t, s, fmt.Sprintf("k%d", i), "v", 0)
		}
		mustPut(t, s, "fresh", "v", 5*ms)

		if n := s.Len(12 * ms); n != 1 {
			t.Errorf("Len 应为 1，实际为 %d", n)
		}
		if len(rec.causes()) != 20 {
			t.Errorf("期望 20 次 Expired 通知，实际为 %d", len(rec.causes()))
		}
	})

	t.Run("移除已过期的条目以 Expired 通知", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1, ExpireAfterWrite: 10 * time.Millisecond})
		mustPut(t, s, "hello", "HELLO", 0)
		loc, _ := s.Locate("hello")
		if !loc.Segment.Remove(loc.Handle, 20*ms) {
			t.Fatal("Remove 应返回 true")
		}
		if causes := rec.causes(); len(causes) != 1 || causes[0] != notify.Expired {
			t.Errorf("期望一次 Expired 通知，实际为 %v", causes)
		}
	})

	t.Run("RefreshDue", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: -1, RefreshAfterWrite: 10 * time.Millisecond})
		mustPut(t, s, "hello", "HELLO", 0)
		if get(t, s, "hello", 5*ms).RefreshDue {
			t.Error("5ms 时不需要刷新")
		}
		res := get(t, s, "hello", 10*ms)
		if !res.Found || !res.RefreshDue {
			t.Errorf("10ms 时应返回旧值并需要刷新，实际为 %+v", res)
		}
	})
}

// ============================================================================
// 写入和替换
// ============================================================================

// TestSegment_Writes 测试 Put、Install、Replace 和 Remove
func TestSegment_Writes(t *testing.T) {
	t.Run("Put 覆盖旧值以 Replaced 通知", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1})
		mustPut(t, s, "k", "v1", 0)
		mustPut(t, s, "k", "v2", 1)

		if res := get(t, s, "k", 2); res.Value != "v2" {
			t.Errorf("期望 v2，实际为 %q", res.Value)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if len(rec.events) != 1 || rec.events[0].Cause != notify.Replaced || rec.events[0].Value != "v1" {
			t.Errorf("期望 v1 以 Replaced 通知，实际为 %v", rec.events)
		}
	})

	t.Run("加载期间的写入优先于加载结果", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1})
		loc, _ := s.Locate("k")
		since := loc.Segment.Seq()

		mustPut(t, s, "k", "put", 1)
		installed, err := loc.Segment.Install("k", loc.Handle, "loaded", 2, since)
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if installed {
			t.Error("加载结果应被丢弃")
		}
		if res := get(t, s, "k", 3); res.Value != "put" {
			t.Errorf("期望 put，实际为 %q", res.Value)
		}
		if causes := rec.causes(); len(causes) != 1 || causes[0] != notify.Replaced {
			t.Errorf("期望一次 Replaced 通知，实际为 %v", causes)
		}
	})

	t.Run("其他键的写入不影响加载结果", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: -1, ConcurrencyLevel: 1})
		loc, _ := s.Locate("k")
		since := loc.Segment.Seq()

		mustPut(t, s, "other", "x", 1)
		installed, err := loc.Segment.Install("k", loc.Handle, "loaded", 2, since)
		if err != nil || !installed {
			t.Fatalf("Install 应成功，installed=%v err=%v", installed, err)
		}
	})

	t.Run("Replace 只替换同一个条目", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1})
		mustPut(t, s, "k", "v1", 0)
		loc, _ := s.Locate("k")
		_, token, ok := loc.Segment.Peek(loc.Handle, 1)
		if !ok {
			t.Fatal("Peek 应找到条目")
		}

		mustPut(t, s, "k", "v2", 2)
		rec.reset()
		replaced, err := loc.Segment.Replace(loc.Handle, token, "refreshed", 3)
		if err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if replaced {
			t.Error("条目已被 Put 替换，刷新结果应被丢弃")
		}
		if res := get(t, s, "k", 4); res.Value != "v2" {
			t.Errorf("期望 v2，实际为 %q", res.Value)
		}
		if len(rec.causes()) != 0 {
			t.Errorf("不应有通知，实际为 %v", rec.causes())
		}
	})

	t.Run("Replace 重置写入时间", func(t *testing.T) {
		s, _ := newStringStore(Config[string, string]{MaxWeight: -1, RefreshAfterWrite: 10})
		mustPut(t, s, "k", "v1", 0)
		loc, _ := s.Locate("k")
		_, token, _ := loc.Segment.Peek(loc.Handle, 10)
		if replaced, _ := loc.Segment.Replace(loc.Handle, token, "v2", 10); !replaced {
			t.Fatal("Replace 应成功")
		}
		if res := get(t, s, "k", 15); res.Value != "v2" || res.RefreshDue {
			t.Errorf("期望 v2 且不需要刷新，实际为 %+v", res)
		}
	})

	t.Run("移除不存在的键", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1})
		loc, _ := s.Locate("missing")
		if loc.Segment.Remove(loc.Handle, 0) {
			t.Error("Remove 不存在的键应返回 false")
		}
		if len(rec.causes()) != 0 {
			t.Error("移除不存在的键不应通知")
		}
	})

	t.Run("Clear 以 Explicit 通知所有条目", func(t *testing.T) {
		s, rec := newStringStore(Config[string, string]{MaxWeight: -1})
		for i := 0; i < 10; i++ {
			mustPut(t, s, fmt.Sprintf("k%d", i), "v", 0)
		}
		s.Clear(1)
		if s.Len(1) != 0 {
			t.Error("Clear 之后 Len 应为 0")
		}
		causes := rec.causes()
		if len(causes) != 10 {
			t.Fatalf("期望 10 次通知，实际为 %d", len(causes))
		}
		for _, c := range causes {
			if c != notify.Explicit {
				t.Errorf("期望 Explicit，实际为 %s", c)
			}
		}
	})
}

// TestStore_Range 测试遍历
func TestStore_Range(t *testing.T) {
	s, _ := newStringStore(Config[string, string]{MaxWeight: -1, ConcurrencyLevel: 1, ExpireAfterWrite: 10})
	mustPut(t, s, "old", "x", 0)
	mustPut(t, s, "a", "A", 5)
	mustPut(t, s, "b", "B", 6)

	var keys []string
	s.Range(12, func(k, v string) bool {
		keys = append(keys, k)
		return true
	})
	if fmt.Sprint(keys) != "[a b]" {
		t.Errorf("期望 [a b]，实际为 %v", keys)
	}

	count := 0
	s.Range(12, func(k, v string) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("fn 返回 false 后应停止，实际调用 %d 次", count)
	}
}

// ============================================================================
// 引用强度
// ============================================================================

type blob struct {
	data [64]byte
	name string
}

// TestStore_SoftValues 测试内存压力下回收软引用条目
func TestStore_SoftValues(t *testing.T) {
	var pressured bool
	rec := &recorder[string, string]{}
	s := New(Config[string, string]{
		MaxWeight:        -1,
		ConcurrencyLevel: 1,
		Values:           reference.SoftValues[string](),
		Pressure:         reference.PressureFunc(func() bool { return pressured }),
		Notify:           rec.notify,
	})

	for i := 0; i < 20; i++ {
		mustPut(t, s, fmt.Sprintf("k%02d", i), "v", int64(i))
	}
	if s.Len(100) != 20 {
		t.Fatal("没有内存压力时不应回收")
	}

	pressured = true
	s.CleanUp(100)
	pressured = false

	if n := s.Len(100); n != 20-drainMax {
		t.Errorf("一次维护最多回收 %d 个条目，剩余应为 %d，实际为 %d", drainMax, 20-drainMax, n)
	}
	if get(t, s, "k00", 100).Found {
		t.Error("最久未使用的条目应最先被回收")
	}
	for _, c := range rec.causes() {
		if c != notify.Collected {
			t.Errorf("期望 Collected，实际为 %s", c)
		}
	}
}

// TestStore_WeakKeys 测试弱引用键按指针同一性比较，nil 键被拒绝
func TestStore_WeakKeys(t *testing.T) {
	s := New(Config[*blob, string]{MaxWeight: -1, Keys: reference.WeakKeys[blob]()})

	k1 := &blob{name: "same"}
	k2 := &blob{name: "same"}
	for _, k := range []*blob{k1, k2} {
		loc, err := s.Locate(k)
		if err != nil {
			t.Fatalf("Locate failed: %v", err)
		}
		if err := loc.Segment.Put(k, loc.Handle, k.name, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if n := s.Len(0); n != 2 {
		t.Errorf("不同指针应是不同的键，Len 应为 2，实际为 %d", n)
	}
	runtime.KeepAlive(k1)
	runtime.KeepAlive(k2)

	if _, err := s.Locate(nil); err == nil {
		t.Error("nil 键应返回错误")
	}
}

// TestStore_WeakKeysCollected 测试弱引用键被回收后条目以 Collected 移除
func TestStore_WeakKeysCollected(t *testing.T) {
	rec := &recorder[*blob, string]{}
	s := New(Config[*blob, string]{MaxWeight: -1, Keys: reference.WeakKeys[blob](), Notify: rec.notify})

	put := func(name string) {
		k := &blob{name: name}
		loc, err := s.Locate(k)
		if err != nil {
			t.Fatalf("Locate failed: %v", err)
		}
		if err := loc.Segment.Put(k, loc.Handle, name, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	put("gone")

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.causes()) == 0 && time.Now().Before(deadline) {
		runtime.GC()
		s.CleanUp(0)
		time.Sleep(2 * time.Millisecond)
	}

	causes := rec.causes()
	if len(causes) != 1 || causes[0] != notify.Collected {
		t.Fatalf("期望一次 COLLECTED，实际为 %v", causes)
	}
	if n := s.Len(0); n != 0 {
		t.Errorf("Len 应为 0，实际为 %d", n)
	}
}

// TestStore_ConcurrentAccess 测试并发读写
func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newStringStore(Config[string, string]{MaxWeight: 100})

	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-%d", id, i%50)
				loc, err := s.Locate(key)
				if err != nil {
					t.Errorf("Locate failed: %v", err)
					return
				}
				if err := loc.Segment.Put(key, loc.Handle, key, int64(i)); err != nil {
					t.Errorf("Put failed: %v", err)
				}
				loc.Segment.Get(loc.Handle, int64(i))
				if i%7 == 0 {
					loc.Segment.Remove(loc.Handle, int64(i))
				}
			}
		}(g)
	}
	wg.Wait()

	if w := s.Weight(); w > 100 {
		t.Errorf("总权重 %d 超过上限 100", w)
	}
}
