// Package statusapi exposes a running deployment to operators: a small gRPC
// service for summary queries and an HTTP surface with JSON endpoints and a
// websocket progress stream.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/sim"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "wsn.deployment.v1.DeploymentStatus"

	GetSummaryMethod      = "/" + ServiceName + "/GetSummary"
	GetLocationAreaMethod = "/" + ServiceName + "/GetLocationArea"
)

var (
	// ErrNoRun is returned while no deployment is attached.
	ErrNoRun = errors.New("no deployment attached")
	// ErrAreaNotFound is returned for an LA id outside the tiling.
	ErrAreaNotFound = errors.New("location area not found")
)

// SummaryProvider is implemented by *sim.Runner.
type SummaryProvider interface {
	Summary() sim.Summary
}

// StatusServer is the server API of the DeploymentStatus service.
type StatusServer interface {
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetLocationArea(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
}

// Service answers status queries from a SummaryProvider.
type Service struct {
	provider SummaryProvider
	log      logging.Logger
}

// NewService builds a Service. A nil provider makes every query fail with
// codes.Unavailable.
func NewService(provider SummaryProvider, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{provider: provider, log: log}
}

// GetSummary returns the latest run summary.
func (s *Service) GetSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.provider == nil {
		return nil, ToStatusError(ErrNoRun)
	}
	out, err := toStruct(s.provider.Summary())
	if err != nil {
		s.loggerFor(ctx).Error(ctx, "encode summary", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return out, nil
}

// GetLocationArea returns one LA of the latest summary.
func (s *Service) GetLocationArea(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	if s.provider == nil {
		return nil, ToStatusError(ErrNoRun)
	}
	la, err := findArea(s.provider.Summary(), req.GetValue())
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := toStruct(la)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *Service) loggerFor(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

func findArea(sum sim.Summary, id uint32) (model.LocationArea, error) {
	for _, la := range sum.Areas {
		if uint32(la.ID) == id {
			return la, nil
		}
	}
	return model.LocationArea{}, fmt.Errorf("%w: %d", ErrAreaNotFound, id)
}

// toStruct round-trips v through JSON so the struct mirrors the HTTP
// representation field for field.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// ToStatusError maps status errors onto gRPC codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNoRun):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrAreaNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RegisterStatusServer registers srv on s.
func RegisterStatusServer(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSummary", Handler: getSummaryHandler},
		{MethodName: "GetLocationArea", Handler: getLocationAreaHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wsn/deployment/v1/status.proto",
}

func getSummaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSummaryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).GetSummary(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getLocationAreaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetLocationArea(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetLocationAreaMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).GetLocationArea(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the DeploymentStatus service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSummary fetches the latest run summary.
func (c *Client) GetSummary(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSummaryMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLocationArea fetches one location area by id.
func (c *Client) GetLocationArea(ctx context.Context, id model.LAID, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetLocationAreaMethod, wrapperspb.UInt32(uint32(id)), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
