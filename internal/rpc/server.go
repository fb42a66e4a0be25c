// Package rpc exposes the access gate to sibling services over gRPC.
//
// Messages are google.protobuf.Struct so the service needs no generated
// stubs:
//
//	request:  {caller_id, resource_owner_id, permission, resource}
//	response: {granted, reason}
package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"ekehi.network/internal/access"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/ledger"
	"ekehi.network/internal/obs"
)

const (
	ServiceName     = "ekehi.access.v1.AccessControl"
	authorizeMethod = "/" + ServiceName + "/Authorize"
	healthPrefix    = "/grpc.health.v1.Health/"
)

// AccessControlServer is the server side of ekehi.access.v1.AccessControl.
type AccessControlServer interface {
	Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var accessControlDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccessControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ekehi/access/v1/access.proto",
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessControlServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AccessControlServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Subjects resolves a user id to a caller with its current role.
type Subjects interface {
	Caller(ctx context.Context, userID string) (access.Caller, error)
}

// ReadyProbe reports whether backing storage is reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// Deps are the services the gRPC layer fronts.
type Deps struct {
	Gate     *access.Gate
	Subjects Subjects
	Signer   *auth.Signer
	Ready    ReadyProbe
}

// Server serves AccessControl plus the standard health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	gate     *access.Gate
	subjects Subjects
	signer   *auth.Signer
	ready    ReadyProbe
}

var _ AccessControlServer = (*Server)(nil)

func NewServer(d Deps, opts ...grpc.ServerOption) *Server {
	s := &Server{
		health:   health.NewServer(),
		gate:     d.Gate,
		subjects: d.Subjects,
		signer:   d.Signer,
		ready:    d.Ready,
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary, s.authUnary))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&accessControlDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// GracefulStop drains in-flight calls and marks the service as not serving.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// UpdateHealth runs the ready probe and publishes the result on the health
// service.
func (s *Server) UpdateHealth(ctx context.Context) error {
	var err error
	if s.ready != nil {
		err = s.ready.Check(ctx)
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return err
}

// Authorize evaluates one access decision. Unknown subjects are guests.
func (s *Server) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := requestFromStruct(in)
	perm, err := access.ParsePermission(req.Permission)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res := access.Resource(strings.ToLower(strings.TrimSpace(req.Resource)))
	if res == "" {
		return nil, status.Error(codes.InvalidArgument, "resource is required")
	}
	subject, err := s.subjects.Caller(ctx, strings.TrimSpace(req.CallerID))
	if err != nil {
		if errors.Is(err, ledger.ErrStorageTransient) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, "subject lookup failed")
	}
	d := s.gate.Authorize(ctx, subject, req.ResourceOwnerID, res, perm)
	return structpb.NewStruct(map[string]any{
		"granted": d.Granted,
		"reason":  d.Reason,
	})
}

// authUnary requires a bearer token in the "authorization" metadata for
// everything except health checks.
func (s *Server) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, healthPrefix) || strings.HasPrefix(info.FullMethod, "/grpc.reflection.") {
		return handler(ctx, req)
	}
	if s.signer == nil {
		return nil, status.Error(codes.Unauthenticated, "authentication unavailable")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token, ok := auth.BearerToken(vals[0])
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "malformed authorization metadata")
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	caller, err := claims.Caller()
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(auth.ContextWithCaller(ctx, caller), req)
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Info("grpc_request", map[string]any{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp, err
}

// AuthorizeRequest is the decoded form of an Authorize call.
type AuthorizeRequest struct {
	CallerID        string
	ResourceOwnerID string
	Permission      string
	Resource        string
}

func requestFromStruct(in *structpb.Struct) AuthorizeRequest {
	f := in.GetFields()
	return AuthorizeRequest{
		CallerID:        f["caller_id"].GetStringValue(),
		ResourceOwnerID: f["resource_owner_id"].GetStringValue(),
		Permission:      f["permission"].GetStringValue(),
		Resource:        f["resource"].GetStringValue(),
	}
}

func (r AuthorizeRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"caller_id":         r.CallerID,
		"resource_owner_id": r.ResourceOwnerID,
		"permission":        r.Permission,
		"resource":          r.Resource,
	})
}
