// ABOUTME: Hand-written gRPC service descriptor for indexedcollections.v1.IndexService
// ABOUTME: Every method exchanges google.protobuf.Struct messages

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "indexedcollections.v1.IndexService"

// IndexServiceServer is the server API for IndexService
type IndexServiceServer interface {
	CreateEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMember(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveMember(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMembers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAttribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveAttribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAttribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExactMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RangeMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(IndexServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IndexServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(IndexServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the gRPC path of method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes IndexService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateEntity", IndexServiceServer.CreateEntity),
		unary("AddMember", IndexServiceServer.AddMember),
		unary("RemoveMember", IndexServiceServer.RemoveMember),
		unary("ListMembers", IndexServiceServer.ListMembers),
		unary("SetAttribute", IndexServiceServer.SetAttribute),
		unary("RemoveAttribute", IndexServiceServer.RemoveAttribute),
		unary("GetAttribute", IndexServiceServer.GetAttribute),
		unary("ExactMatch", IndexServiceServer.ExactMatch),
		unary("RangeMatch", IndexServiceServer.RangeMatch),
		unary("Verify", IndexServiceServer.Verify),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "indexedcollections/v1/index.proto",
}

// RegisterIndexServiceServer registers srv on s
func RegisterIndexServiceServer(s grpc.ServiceRegistrar, srv IndexServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls IndexService methods over a client connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client using cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and returns the response message
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
