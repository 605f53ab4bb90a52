package admin

import (
	"context"
	"errors"

	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName gRPC 服务全名
const ServiceName = "loadingcache.admin.v1.CacheAdmin"

// CacheAdminServer 缓存管理服务
//
// 请求和响应使用 protobuf 的通用类型：缓存名称为 StringValue，
// 针对单个键的请求为包含 "cache" 和 "key" 字段的 Struct。
type CacheAdminServer interface {
	ListCaches(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Stats(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Invalidate(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	InvalidateAll(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Refresh(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CleanUp(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// ServiceDesc CacheAdmin 服务描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListCaches", Handler: unaryHandler("ListCaches", CacheAdminServer.ListCaches)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", CacheAdminServer.Stats)},
		{MethodName: "Invalidate", Handler: unaryHandler("Invalidate", CacheAdminServer.Invalidate)},
		{MethodName: "InvalidateAll", Handler: unaryHandler("InvalidateAll", CacheAdminServer.InvalidateAll)},
		{MethodName: "Refresh", Handler: unaryHandler("Refresh", CacheAdminServer.Refresh)},
		{MethodName: "CleanUp", Handler: unaryHandler("CleanUp", CacheAdminServer.CleanUp)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loadingcache/admin/v1/admin.proto",
}

// RegisterCacheAdminServer 注册管理服务
func RegisterCacheAdminServer(s grpc.ServiceRegistrar, srv CacheAdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler 生成一元方法的处理函数：解码请求并经过拦截器调用实现
func unaryHandler[R any, PR interface {
	*R
	proto.Message
}, Resp proto.Message](method string, call func(CacheAdminServer, context.Context, PR) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PR(new(R))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CacheAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CacheAdminServer), ctx, req.(PR))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// service 基于 Registry 的 CacheAdminServer 实现
type service struct {
	registry *Registry
}

// NewService 创建基于注册表的管理服务
func NewService(registry *Registry) CacheAdminServer {
	return &service{registry: registry}
}

func (s *service) ListCaches(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := s.registry.Names()
	values := make([]*structpb.Value, len(names))
	for i, name := range names {
		values[i] = structpb.NewStringValue(name)
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *service) Stats(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	c, err := s.cache(req.GetValue())
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(Snapshot(c))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

func (s *service) Invalidate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, key, err := s.keyRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.Invalidate(key); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) InvalidateAll(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c, err := s.cache(req.GetValue())
	if err != nil {
		return nil, err
	}
	c.InvalidateAll()
	return &emptypb.Empty{}, nil
}

func (s *service) Refresh(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, key, err := s.keyRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.Refresh(ctx, key); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) CleanUp(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c, err := s.cache(req.GetValue())
	if err != nil {
		return nil, err
	}
	c.CleanUp()
	return &emptypb.Empty{}, nil
}

func (s *service) cache(name string) (Cache, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "cache name is required")
	}
	c, err := s.registry.Get(name)
	if err != nil {
		return nil, toStatus(err)
	}
	return c, nil
}

// keyRequest 解析包含 cache 和 key 字段的请求
func (s *service) keyRequest(req *structpb.Struct) (Cache, string, error) {
	fields := req.GetFields()
	c, err := s.cache(fields["cache"].GetStringValue())
	if err != nil {
		return nil, "", err
	}
	key, ok := fields["key"]
	if !ok {
		return nil, "", status.Error(codes.InvalidArgument, "key is required")
	}
	return c, key.GetStringValue(), nil
}

// toStatus 将错误转换为 gRPC 状态码
func toStatus(err error) error {
	var loadErr *loadingcache.LoadError
	switch {
	case errors.Is(err, ErrCacheNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidKey), errors.Is(err, loadingcache.ErrNilKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, loadingcache.ErrCacheClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &loadErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Client CacheAdmin 服务的客户端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 创建客户端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ListCaches 返回服务端注册的缓存名称
func (c *Client) ListCaches(ctx context.Context, opts ...grpc.CallOption) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListCaches"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// Stats 返回缓存的统计信息
func (c *Client) Stats(ctx context.Context, cache string, opts ...grpc.CallOption) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Stats"), wrapperspb.String(cache), out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Invalidate 失效缓存中的键
func (c *Client) Invalidate(ctx context.Context, cache, key string, opts ...grpc.CallOption) error {
	return c.invokeKey(ctx, "Invalidate", cache, key, opts...)
}

// InvalidateAll 清空缓存
func (c *Client) InvalidateAll(ctx context.Context, cache string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("InvalidateAll"), wrapperspb.String(cache), new(emptypb.Empty), opts...)
}

// Refresh 同步刷新缓存中的键
func (c *Client) Refresh(ctx context.Context, cache, key string, opts ...grpc.CallOption) error {
	return c.invokeKey(ctx, "Refresh", cache, key, opts...)
}

// CleanUp 对缓存执行一次完整维护
func (c *Client) CleanUp(ctx context.Context, cache string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("CleanUp"), wrapperspb.String(cache), new(emptypb.Empty), opts...)
}

func (c *Client) invokeKey(ctx context.Context, method, cache, key string, opts ...grpc.CallOption) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"cache": structpb.NewStringValue(cache),
		"key":   structpb.NewStringValue(key),
	}}
	return c.cc.Invoke(ctx, fullMethod(method), in, new(emptypb.Empty), opts...)
}
