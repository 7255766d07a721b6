// Package grpc provides the gRPC ingestion boundary of SitePulse.
//
// The service is described by hand rather than generated: it has a single
// unary method whose request and response are well-known protobuf types.
//
//	service IngestService {
//	  rpc Record(google.protobuf.Struct) returns (google.protobuf.Empty);
//	}
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified service name.
const ServiceName = "sitepulse.v1.IngestService"

// RecordMethod is the full method name of Record.
const RecordMethod = "/" + ServiceName + "/Record"

// IngestServiceServer is the server API for IngestService.
type IngestServiceServer interface {
	// Record validates and stores one event.
	Record(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// IngestServiceDesc is the grpc.ServiceDesc for IngestService.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Record",
			Handler:    recordHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sitepulse/v1/ingest.proto",
}

// RegisterIngestServiceServer registers srv on s.
func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

func recordHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).Record(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RecordMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServiceServer).Record(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServiceClient is the client API for IngestService.
type IngestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestServiceClient creates a client on cc.
func NewIngestServiceClient(cc grpc.ClientConnInterface) *IngestServiceClient {
	return &IngestServiceClient{cc: cc}
}

// Record sends one event.
func (c *IngestServiceClient) Record(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, RecordMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
