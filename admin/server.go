package admin

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/linhx1999/LoadingCache-Go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server 缓存管理服务器，同时提供 gRPC 和 HTTP 接口
type Server struct {
	grpcAddr   string
	httpAddr   string
	registry   *Registry
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	opts       *ServerOptions
}

// ServerOptions 服务器配置选项
type ServerOptions struct {
	MaxMsgSize int                // 最大消息大小
	TLS        bool               // 是否启用TLS
	CertFile   string             // 证书文件
	KeyFile    string             // 密钥文件
	Namespace  string             // 指标命名空间
	Logger     logrus.FieldLogger // 日志记录器
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// DefaultServerOptions 返回默认配置
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxMsgSize: 4 << 20, // 4MB
		Namespace:  "loadingcache",
		Logger:     logrus.StandardLogger(),
	}
}

// ServerOption 定义选项函数类型
type ServerOption func(*ServerOptions)

// WithTLS 设置TLS配置
func WithTLS(certFile, keyFile string) ServerOption {
	return func(o *ServerOptions) {
		o.TLS = true
		o.CertFile = certFile
		o.KeyFile = keyFile
	}
}

// WithMaxMsgSize 设置 gRPC 最大接收消息大小
func WithMaxMsgSize(n int) ServerOption {
	return func(o *ServerOptions) {
		o.MaxMsgSize = n
	}
}

// WithLogger 设置日志记录器
func WithLogger(log logrus.FieldLogger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = log
	}
}

// WithPrometheus 指定指标注册表，默认创建独立的注册表
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) ServerOption {
	return func(o *ServerOptions) {
		o.Registerer = reg
		o.Gatherer = gatherer
	}
}

// NewServer 创建管理服务器
//
// grpcAddr 或 httpAddr 为空时不启动对应的接口。缓存统计通过 metrics.Collector
// 注册到 Prometheus，HTTP 接口的 /metrics 导出同一个注册表。
func NewServer(registry *Registry, grpcAddr, httpAddr string, opts ...ServerOption) (*Server, error) {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Registerer == nil || options.Gatherer == nil {
		reg := prometheus.NewRegistry()
		options.Registerer, options.Gatherer = reg, reg
	}

	if err := options.Registerer.Register(metrics.NewCollector(options.Namespace, registry.Sources)); err != nil {
		return nil, fmt.Errorf("failed to register cache collector: %v", err)
	}
	requests := metrics.NewRequestMetrics(options.Registerer, options.Namespace)

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(options.MaxMsgSize),
		grpc.UnaryInterceptor(unaryInterceptor(options.Logger, requests)),
	}
	if options.TLS {
		creds, err := loadTLSCredentials(options.CertFile, options.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %v", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	srv := &Server{
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		registry:   registry,
		grpcServer: grpc.NewServer(serverOpts...),
		health:     health.NewServer(),
		opts:       options,
	}

	RegisterCacheAdminServer(srv.grpcServer, NewService(registry))
	healthpb.RegisterHealthServer(srv.grpcServer, srv.health)
	srv.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	if httpAddr != "" {
		srv.httpServer = &http.Server{
			Addr:              httpAddr,
			Handler:           NewHandler(registry, options.Gatherer, requests, options.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

// GRPCServer 返回底层的 gRPC 服务器
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Start 启动服务器，阻塞直到任意一个接口退出
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %v", err)
		}
		s.opts.Logger.Infof("[Admin] gRPC starting at %s", s.grpcAddr)
		go func() { errCh <- s.grpcServer.Serve(lis) }()
	}

	if s.httpServer != nil {
		s.opts.Logger.Infof("[Admin] HTTP starting at %s", s.httpAddr)
		go func() { errCh <- s.httpServer.ListenAndServe() }()
	}

	if s.grpcAddr == "" && s.httpServer == nil {
		return fmt.Errorf("no listen address configured")
	}
	return <-errCh
}

// Stop 停止服务器
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.opts.Logger.Warnf("[Admin] HTTP shutdown: %v", err)
		}
	}
}

// unaryInterceptor 记录请求日志和指标
func unaryInterceptor(log logrus.FieldLogger, requests *metrics.RequestMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		requests.Record("grpc", info.FullMethod, code.String(), time.Since(start))
		if err != nil {
			log.WithFields(logrus.Fields{
				"method": info.FullMethod,
				"code":   code.String(),
			}).Debugf("[Admin] request failed: %v", err)
		}
		return resp, err
	}
}

// loadTLSCredentials 加载TLS证书
func loadTLSCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
	}), nil
}
