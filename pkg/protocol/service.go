package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "bookkeeper.BookKeeper"

const (
	methodReadData          = "/" + serviceName + "/ReadData"
	methodGetCacheStatus    = "/" + serviceName + "/GetCacheStatus"
	methodHandleHeartbeat   = "/" + serviceName + "/HandleHeartbeat"
	methodGetClusterNodes   = "/" + serviceName + "/GetClusterNodes"
	methodGetOwnerNode      = "/" + serviceName + "/GetOwnerNode"
	methodIsBookKeeperAlive = "/" + serviceName + "/IsBookKeeperAlive"
)

type BookKeeperServer interface {
	ReadData(context.Context, *ReadDataRequest) (*ReadDataResponse, error)
	GetCacheStatus(context.Context, *GetCacheStatusRequest) (*GetCacheStatusResponse, error)
	HandleHeartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	GetClusterNodes(context.Context, *GetClusterNodesRequest) (*GetClusterNodesResponse, error)
	GetOwnerNode(context.Context, *GetOwnerNodeRequest) (*GetOwnerNodeResponse, error)
	IsBookKeeperAlive(context.Context, *AliveRequest) (*AliveResponse, error)
}

// UnimplementedBookKeeperServer answers Unimplemented for every method; role
// implementations embed it and override what they serve.
type UnimplementedBookKeeperServer struct{}

func (UnimplementedBookKeeperServer) ReadData(context.Context, *ReadDataRequest) (*ReadDataResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReadData not implemented")
}

func (UnimplementedBookKeeperServer) GetCacheStatus(context.Context, *GetCacheStatusRequest) (*GetCacheStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCacheStatus not implemented")
}

func (UnimplementedBookKeeperServer) HandleHeartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HandleHeartbeat not implemented")
}

func (UnimplementedBookKeeperServer) GetClusterNodes(context.Context, *GetClusterNodesRequest) (*GetClusterNodesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetClusterNodes not implemented")
}

func (UnimplementedBookKeeperServer) GetOwnerNode(context.Context, *GetOwnerNodeRequest) (*GetOwnerNodeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOwnerNode not implemented")
}

func (UnimplementedBookKeeperServer) IsBookKeeperAlive(context.Context, *AliveRequest) (*AliveResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method IsBookKeeperAlive not implemented")
}

func RegisterBookKeeperServer(s grpc.ServiceRegistrar, srv BookKeeperServer) {
	s.RegisterService(&BookKeeperServiceDesc, srv)
}

// unaryHandler adapts a typed method into a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(BookKeeperServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookKeeperServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BookKeeperServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var BookKeeperServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BookKeeperServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReadData", Handler: unaryHandler(methodReadData, BookKeeperServer.ReadData)},
		{MethodName: "GetCacheStatus", Handler: unaryHandler(methodGetCacheStatus, BookKeeperServer.GetCacheStatus)},
		{MethodName: "HandleHeartbeat", Handler: unaryHandler(methodHandleHeartbeat, BookKeeperServer.HandleHeartbeat)},
		{MethodName: "GetClusterNodes", Handler: unaryHandler(methodGetClusterNodes, BookKeeperServer.GetClusterNodes)},
		{MethodName: "GetOwnerNode", Handler: unaryHandler(methodGetOwnerNode, BookKeeperServer.GetOwnerNode)},
		{MethodName: "IsBookKeeperAlive", Handler: unaryHandler(methodIsBookKeeperAlive, BookKeeperServer.IsBookKeeperAlive)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bookkeeper.proto",
}

type BookKeeperClient interface {
	ReadData(ctx context.Context, in *ReadDataRequest, opts ...grpc.CallOption) (*ReadDataResponse, error)
	GetCacheStatus(ctx context.Context, in *GetCacheStatusRequest, opts ...grpc.CallOption) (*GetCacheStatusResponse, error)
	HandleHeartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	GetClusterNodes(ctx context.Context, in *GetClusterNodesRequest, opts ...grpc.CallOption) (*GetClusterNodesResponse, error)
	GetOwnerNode(ctx context.Context, in *GetOwnerNodeRequest, opts ...grpc.CallOption) (*GetOwnerNodeResponse, error)
	IsBookKeeperAlive(ctx context.Context, in *AliveRequest, opts ...grpc.CallOption) (*AliveResponse, error)
}

type bookKeeperClient struct {
	cc grpc.ClientConnInterface
}

func NewBookKeeperClient(cc grpc.ClientConnInterface) BookKeeperClient {
	return &bookKeeperClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bookKeeperClient) ReadData(ctx context.Context, in *ReadDataRequest, opts ...grpc.CallOption) (*ReadDataResponse, error) {
	return invoke[ReadDataResponse](ctx, c.cc, methodReadData, in, opts)
}

func (c *bookKeeperClient) GetCacheStatus(ctx context.Context, in *GetCacheStatusRequest, opts ...grpc.CallOption) (*GetCacheStatusResponse, error) {
	return invoke[GetCacheStatusResponse](ctx, c.cc, methodGetCacheStatus, in, opts)
}

func (c *bookKeeperClient) HandleHeartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, methodHandleHeartbeat, in, opts)
}

func (c *bookKeeperClient) GetClusterNodes(ctx context.Context, in *GetClusterNodesRequest, opts ...grpc.CallOption) (*GetClusterNodesResponse, error) {
	return invoke[GetClusterNodesResponse](ctx, c.cc, methodGetClusterNodes, in, opts)
}

func (c *bookKeeperClient) GetOwnerNode(ctx context.Context, in *GetOwnerNodeRequest, opts ...grpc.CallOption) (*GetOwnerNodeResponse, error) {
	return invoke[GetOwnerNodeResponse](ctx, c.cc, methodGetOwnerNode, in, opts)
}

func (c *bookKeeperClient) IsBookKeeperAlive(ctx context.Context, in *AliveRequest, opts ...grpc.CallOption) (*AliveResponse, error) {
	return invoke[AliveResponse](ctx, c.cc, methodIsBookKeeperAlive, in, opts)
}
