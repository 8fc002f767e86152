package control

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/renderfarm/internal/config"
)

// AdminServiceName is the fully qualified gRPC service name
const AdminServiceName = "renderfarm.admin.v1.Admin"

const (
	methodGetProgress = "GetProgress"
	methodStartJob    = "StartJob"
	methodCancelJob   = "CancelJob"
	methodListPeers   = "ListPeers"
)

// AdminServer is the server API for the admin service. Payloads use the
// well-known Struct type so no generated code is needed.
type AdminServer interface {
	GetProgress(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StartJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListPeers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// AdminServiceDesc describes the admin service for grpc.Server.RegisterService
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodGetProgress, newEmpty, func(s AdminServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetProgress(ctx, in)
		}),
		unary(methodStartJob, newStruct, func(s AdminServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.StartJob(ctx, in)
		}),
		unary(methodCancelJob, newEmpty, func(s AdminServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.CancelJob(ctx, in)
		}),
		unary(methodListPeers, newEmpty, func(s AdminServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ListPeers(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "renderfarm/admin/v1/admin.proto",
}

func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

// unary builds a method descriptor that decodes Req and honours interceptors
func unary[Req proto.Message](
	method string,
	newReq func() Req,
	call func(AdminServer, context.Context, Req) (proto.Message, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + AdminServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

// Admin implements AdminServer on top of a Farm
type Admin struct {
	farm     Farm
	defaults config.JobDefaults
	audit    *AuditLogger
	logger   *slog.Logger
}

// NewAdmin creates the admin service. Job fields omitted from StartJob
// requests are taken from defaults.
func NewAdmin(farm Farm, defaults config.JobDefaults, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		farm:     farm,
		defaults: defaults,
		audit:    NewAuditLogger(logger),
		logger:   logger.With("component", "admin"),
	}
}

// GetProgress reports the current and last finished job
func (a *Admin) GetProgress(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(statusMap(a.farm))
}

// StartJob starts a render job
func (a *Admin) StartJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args := in.AsMap()
	req, err := jobRequest(args, a.defaults)
	if err != nil {
		return nil, grpcError(err)
	}
	id, err := a.audit.audited(ctx, SurfaceGRPC, methodStartJob, args, func() (string, error) {
		return a.farm.StartJob(ctx, req)
	})
	if err != nil {
		a.logger.Warn("StartJob rejected", "scene", req.ScenePath, "error", err)
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"job_id": id})
}

// CancelJob cancels the active job
func (a *Admin) CancelJob(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	_, err := a.audit.audited(ctx, SurfaceGRPC, methodCancelJob, nil, func() (string, error) {
		return "", a.farm.CancelJob(ctx)
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

// ListPeers lists known workers
func (a *Admin) ListPeers(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(peersMap(a.farm.Peers()))
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcError(err)
	}
	return s, nil
}

// Register installs the admin service and a health service on s. The
// returned health server lets the caller flip status during shutdown.
func Register(s *grpc.Server, admin AdminServer) *health.Server {
	s.RegisterService(&AdminServiceDesc, admin)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AdminServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// AdminClient calls the admin service
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps a client connection
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+AdminServiceName+"/"+method, in, out, opts...)
}

// GetProgress fetches the progress snapshot
func (c *AdminClient) GetProgress(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodGetProgress, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// StartJob starts a job and returns its id
func (c *AdminClient) StartJob(ctx context.Context, args map[string]any, opts ...grpc.CallOption) (string, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return "", err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodStartJob, in, out, opts...); err != nil {
		return "", err
	}
	return out.GetFields()["job_id"].GetStringValue(), nil
}

// CancelJob cancels the active job
func (c *AdminClient) CancelJob(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, methodCancelJob, &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

// ListPeers fetches the peer list
func (c *AdminClient) ListPeers(ctx context.Context, opts ...grpc.CallOption) ([]any, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodListPeers, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	peers, _ := out.AsMap()["peers"].([]any)
	return peers, nil
}
