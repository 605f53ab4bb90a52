package admin

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// 测试辅助函数
// ============================================================================

// versionLoader 每次加载返回递增的版本号
type versionLoader struct {
	version atomic.Int32
	fail    atomic.Bool
}

func (l *versionLoader) Load(ctx context.Context, key string) (string, error) {
	if l.fail.Load() {
		return "", errors.New("backend unavailable")
	}
	return key + "-v" + strconv.Itoa(int(l.version.Add(1))), nil
}

// newRegistry 创建包含 users（字符串键）和 squares（整数键）两个缓存的注册表
func newRegistry(t *testing.T) (*Registry, *loadingcache.LoadingCache[string, string], *versionLoader) {
	t.Helper()
	log, _ := test.NewNullLogger()

	loader := &versionLoader{}
	users := loadingcache.MustNew[string, string](loader,
		loadingcache.WithName[string, string]("users"),
		loadingcache.WithLogger[string, string](log),
		loadingcache.WithRecordStats[string, string](),
	)
	squares := loadingcache.MustNew[int, int](
		loadingcache.LoaderFunc[int, int](func(ctx context.Context, key int) (int, error) {
			return key * key, nil
		}),
		loadingcache.WithName[int, int]("squares"),
		loadingcache.WithLogger[int, int](log),
	)
	t.Cleanup(func() {
		users.Close()
		squares.Close()
	})

	registry := NewRegistry()
	if err := registry.Register(Adapt(users, StringKey)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(Adapt(squares, strconv.Atoi)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return registry, users, loader
}

// dialServer 在内存连接上启动管理服务器并返回客户端连接
func dialServer(t *testing.T, registry *Registry) *grpc.ClientConn {
	t.Helper()
	log, _ := test.NewNullLogger()

	srv, err := NewServer(registry, "", "", WithLogger(log))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go srv.GRPCServer().Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ============================================================================
// 注册表
// ============================================================================

// TestRegistry 测试注册表
func TestRegistry(t *testing.T) {
	registry, users, _ := newRegistry(t)

	if names := registry.Names(); len(names) != 2 || names[0] != "squares" || names[1] != "users" {
		t.Errorf("Names = %v", names)
	}
	if err := registry.Register(Adapt(users, StringKey)); !errors.Is(err, ErrCacheExists) {
		t.Errorf("期望 ErrCacheExists，实际为 %v", err)
	}
	if _, err := registry.Get("orders"); !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("期望 ErrCacheNotFound，实际为 %v", err)
	}
	if len(registry.Sources()) != 2 {
		t.Errorf("Sources 应有 2 个")
	}

	if !registry.Unregister("squares") || registry.Unregister("squares") {
		t.Error("Unregister 应只在第一次返回 true")
	}
	if len(registry.Names()) != 1 {
		t.Errorf("Names = %v", registry.Names())
	}
}

// TestAdapt 测试键解析
func TestAdapt(t *testing.T) {
	registry, _, _ := newRegistry(t)
	squares, err := registry.Get("squares")
	if err != nil {
		t.Fatal(err)
	}

	if err := squares.Refresh(context.Background(), "12"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if squares.Size() != 1 {
		t.Errorf("Size 应为 1，实际为 %d", squares.Size())
	}
	if err := squares.Invalidate("twelve"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("期望 ErrInvalidKey，实际为 %v", err)
	}
	if err := squares.Invalidate("12"); err != nil || squares.Size() != 0 {
		t.Errorf("Invalidate 失败: %v, size=%d", err, squares.Size())
	}

	snap := Snapshot(squares)
	if snap["name"] != "squares" || snap["size"] != int64(0) {
		t.Errorf("Snapshot = %v", snap)
	}
}

// ============================================================================
// gRPC 接口
// ============================================================================

// TestService 测试 gRPC 管理服务
func TestService(t *testing.T) {
	registry, users, loader := newRegistry(t)
	client := NewClient(dialServer(t, registry))
	ctx := context.Background()

	t.Run("列出缓存", func(t *testing.T) {
		names, err := client.ListCaches(ctx)
		if err != nil {
			t.Fatalf("ListCaches failed: %v", err)
		}
		if strings.Join(names, ",") != "squares,users" {
			t.Errorf("ListCaches = %v", names)
		}
	})

	t.Run("统计信息", func(t *testing.T) {
		users.GetUnchecked("alice")
		users.GetUnchecked("alice")

		stats, err := client.Stats(ctx, "users")
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		// Struct 中的数字都是 float64
		if stats["name"] != "users" || stats["hit_count"] != 1.0 || stats["size"] != 1.0 {
			t.Errorf("Stats = %v", stats)
		}
	})

	t.Run("刷新", func(t *testing.T) {
		if err := client.Refresh(ctx, "users", "alice"); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if v, _ := users.GetIfPresent("alice"); v != "alice-v2" {
			t.Errorf("期望 alice-v2，实际为 %q", v)
		}
	})

	t.Run("刷新失败", func(t *testing.T) {
		loader.fail.Store(true)
		defer loader.fail.Store(false)

		err := client.Refresh(ctx, "users", "alice")
		if status.Code(err) != codes.Unavailable {
			t.Errorf("期望 Unavailable，实际为 %v", err)
		}
		if v, _ := users.GetIfPresent("alice"); v != "alice-v2" {
			t.Errorf("刷新失败应保留旧值，实际为 %q", v)
		}
	})

	t.Run("失效", func(t *testing.T) {
		users.Put("bob", "b")
		if err := client.Invalidate(ctx, "users", "bob"); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		if _, ok := users.GetIfPresent("bob"); ok {
			t.Error("bob 应已失效")
		}
		if err := client.InvalidateAll(ctx, "users"); err != nil {
			t.Fatalf("InvalidateAll failed: %v", err)
		}
		if users.Size() != 0 {
			t.Errorf("Size 应为 0，实际为 %d", users.Size())
		}
		if err := client.CleanUp(ctx, "users"); err != nil {
			t.Errorf("CleanUp failed: %v", err)
		}
	})

	t.Run("错误码", func(t *testing.T) {
		tests := []struct {
			name string
			call func() error
			code codes.Code
		}{
			{"缓存不存在", func() error { _, err := client.Stats(ctx, "orders"); return err }, codes.NotFound},
			{"缺少缓存名称", func() error { return client.CleanUp(ctx, "") }, codes.InvalidArgument},
			{"非法的键", func() error { return client.Invalidate(ctx, "squares", "twelve") }, codes.InvalidArgument},
			{"失效不存在的缓存", func() error { return client.InvalidateAll(ctx, "orders") }, codes.NotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if code := status.Code(tt.call()); code != tt.code {
					t.Errorf("code = %s, expected %s", code, tt.code)
				}
			})
		}
	})
}

// TestService_Health 测试健康检查
func TestService_Health(t *testing.T) {
	registry, _, _ := newRegistry(t)
	conn := dialServer(t, registry)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s", resp.GetStatus())
	}
}

// TestToStatus 测试错误到状态码的转换
func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{ErrCacheNotFound, codes.NotFound},
		{ErrInvalidKey, codes.InvalidArgument},
		{loadingcache.ErrNilKey, codes.InvalidArgument},
		{loadingcache.ErrCacheClosed, codes.FailedPrecondition},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{&loadingcache.LoadError{Key: "k", Err: errors.New("boom")}, codes.Unavailable},
		{errors.New("unexpected"), codes.Internal},
	}
	for _, tt := range tests {
		if code := status.Code(toStatus(tt.err)); code != tt.code {
			t.Errorf("toStatus(%v) = %s, expected %s", tt.err, code, tt.code)
		}
	}
}
