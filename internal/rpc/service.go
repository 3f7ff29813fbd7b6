package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name, also used for
// health checks.
const ServiceName = "wppcache.v1.Backend"

const (
	methodWriteRecord = "/" + ServiceName + "/WriteRecord"
	methodWriteBatch  = "/" + ServiceName + "/WriteBatch"
	methodQueryOnce   = "/" + ServiceName + "/QueryOnce"
	methodStatus      = "/" + ServiceName + "/Status"
	methodSubscribe   = "/" + ServiceName + "/Subscribe"
	methodUploadBlob  = "/" + ServiceName + "/UploadBlob"
)

// BackendServer is the server side of the service. Struct arguments and
// replies carry the payload types of messages.go; Subscribe streams Event
// structs, UploadBlob receives BytesValue chunks.
type BackendServer interface {
	WriteRecord(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	WriteBatch(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	QueryOnce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
	UploadBlob(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WriteRecord", Handler: unary(methodWriteRecord, newStruct, BackendServer.WriteRecord)},
		{MethodName: "WriteBatch", Handler: unary(methodWriteBatch, newStruct, BackendServer.WriteBatch)},
		{MethodName: "QueryOnce", Handler: unary(methodQueryOnce, newStruct, BackendServer.QueryOnce)},
		{MethodName: "Status", Handler: unary(methodStatus, newEmpty, BackendServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "UploadBlob", Handler: uploadBlobHandler, ClientStreams: true},
	},
	Metadata: "wppcache/v1/backend.proto",
}

// Stream descriptors used by the client.
var (
	subscribeStream  = &serviceDesc.Streams[0]
	uploadBlobStream = &serviceDesc.Streams[1]
)

// RegisterBackendServer registers srv on s.
func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&serviceDesc, srv)
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

// unary adapts a method to a grpc.MethodDesc handler.
func unary[Req, Resp proto.Message](fullMethod string, newReq func() Req, call func(BackendServer, context.Context, Req) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BackendServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BackendServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BackendServer).Subscribe(in, stream)
}

func uploadBlobHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BackendServer).UploadBlob(stream)
}
