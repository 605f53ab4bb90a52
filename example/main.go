package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"github.com/linhx1999/LoadingCache-Go/admin"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		spec     string
		grpcAddr string
		httpAddr string
		verbose  bool
	)

	// 解析命令行参数
	flag.StringVar(&spec, "spec", "maximumSize=3,recordStats", "缓存配置，例如 maximumSize=3,expireAfterAccess=10m")
	flag.StringVar(&grpcAddr, "grpc", "", "gRPC 管理接口地址，为空时不启动")
	flag.StringVar(&httpAddr, "http", "", "HTTP 管理接口地址，为空时不启动")
	flag.BoolVar(&verbose, "v", false, "输出调试日志")
	flag.Parse()

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	parsed, err := loadingcache.ParseSpec(spec)
	if err != nil {
		log.Fatalf("invalid spec: %v", err)
	}

	upper := createUpperCache(parsed, log)
	defer upper.Close()

	runSizeEviction(upper)
	runPutAll(log)
	runExpiration(log)
	runRefresh(log)

	if grpcAddr == "" && httpAddr == "" {
		return
	}

	registry := admin.NewRegistry()
	if err := registry.Register(admin.Adapt(upper, admin.StringKey)); err != nil {
		log.Fatalf("register cache: %v", err)
	}
	srv, err := admin.NewServer(registry, grpcAddr, httpAddr, admin.WithLogger(log))
	if err != nil {
		log.Fatalf("create admin server: %v", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Errorf("admin server stopped: %v", err)
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	srv.Stop()
}

// upperLoader 返回键的大写形式
var upperLoader = loadingcache.LoaderFunc[string, string](func(ctx context.Context, key string) (string, error) {
	return strings.ToUpper(key), nil
})

// createUpperCache 按配置字符串创建缓存，并打印每一次移除
func createUpperCache(spec loadingcache.Spec, log logrus.FieldLogger) *loadingcache.LoadingCache[string, string] {
	opts := loadingcache.SpecOptions[string, string](spec)
	opts = append(opts,
		loadingcache.WithName[string, string]("upper"),
		loadingcache.WithLogger[string, string](log),
		loadingcache.WithRemovalListener(func(n loadingcache.RemovalNotification[string, string]) {
			fmt.Printf("removed %s\n", n)
		}),
	)
	return loadingcache.MustNew[string, string](upperLoader, opts...)
}

func runSizeEviction(c *loadingcache.LoadingCache[string, string]) {
	fmt.Println("=== size eviction ===")
	for _, key := range []string{"first", "second", "third", "forth"} {
		fmt.Printf("get %s = %s\n", key, c.GetUnchecked(key))
	}
	_, ok := c.GetIfPresent("first")
	fmt.Printf("size=%d first present=%v\n", c.Size(), ok)
	fmt.Printf("stats=%v\n", c.Stats().Map())
}

func runPutAll(log logrus.FieldLogger) {
	fmt.Println("=== putAll ===")
	c := loadingcache.MustNew[string, string](upperLoader,
		loadingcache.WithName[string, string]("putAll"),
		loadingcache.WithLogger[string, string](log),
	)
	defer c.Close()

	if err := c.PutAll(map[string]string{"first": "FIRST", "second": "SECOND"}); err != nil {
		fmt.Printf("putAll failed: %v\n", err)
		return
	}
	fmt.Printf("size=%d\n", c.Size())
}

func runExpiration(log logrus.FieldLogger) {
	fmt.Println("=== expireAfterAccess ===")
	c := loadingcache.MustNew[string, string](upperLoader,
		loadingcache.WithName[string, string]("expiring"),
		loadingcache.WithLogger[string, string](log),
		loadingcache.WithExpireAfterAccess[string, string](2*time.Millisecond),
		loadingcache.WithRemovalListener(func(n loadingcache.RemovalNotification[string, string]) {
			fmt.Printf("removed %s\n", n)
		}),
	)
	defer c.Close()

	c.GetUnchecked("hello")
	time.Sleep(300 * time.Millisecond)
	_, ok := c.GetIfPresent("hello")
	fmt.Printf("hello present after 300ms=%v\n", ok)
}

func runRefresh(log logrus.FieldLogger) {
	fmt.Println("=== refreshAfterWrite ===")
	version := 0
	loader := loadingcache.LoaderFunc[string, string](func(ctx context.Context, key string) (string, error) {
		version++
		return fmt.Sprintf("%s-v%d", key, version), nil
	})

	c := loadingcache.MustNew[string, string](loader,
		loadingcache.WithName[string, string]("refreshing"),
		loadingcache.WithLogger[string, string](log),
		loadingcache.WithRefreshAfterWrite[string, string](10*time.Millisecond),
		loadingcache.WithSynchronousRefresh[string, string](),
	)
	defer c.Close()

	fmt.Printf("get=%s\n", c.GetUnchecked("config"))
	time.Sleep(20 * time.Millisecond)
	fmt.Printf("get after refresh interval=%s\n", c.GetUnchecked("config"))
}
