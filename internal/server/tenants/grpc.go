// Package tenants serves the lifecycle engine over gRPC (JSON codec) and
// the Connect protocol on HTTP.
package tenants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/transport/grpcjson"
	"github.com/flarebyte/tenant-lifecycle/internal/validate"
)

const ServiceName = "lifecycle.v1.LifecycleService"

// Engine is the subset of *lifecycle.Engine the service calls.
type Engine interface {
	Export(ctx context.Context, tenantID string) ([]byte, error)
	Validate(ctx context.Context, b []byte, opts lifecycle.ValidateOptions) ([]validate.Issue, error)
	Import(ctx context.Context, b []byte, target string, policy lifecycle.Policy, opts lifecycle.ImportOptions) (*lifecycle.Report, error)
	Migrate(ctx context.Context, source, target string, opts lifecycle.MigrateOptions) (*lifecycle.Report, error)
	ValidateLiveTenant(ctx context.Context, tenantID string) ([]validate.Issue, error)
}

// LifecycleServer is implemented by Service and by Client.
type LifecycleServer interface {
	Export(context.Context, *ExportRequest) (*ExportResponse, error)
	Validate(context.Context, *ValidateRequest) (*ValidateResponse, error)
	Import(context.Context, *ImportRequest) (*ReportResponse, error)
	Migrate(context.Context, *MigrateRequest) (*ReportResponse, error)
	CheckTenant(context.Context, *CheckTenantRequest) (*CheckTenantResponse, error)
}

// Service adapts an Engine to LifecycleServer.
type Service struct {
	Engine Engine
	Log    *zap.Logger
}

var _ LifecycleServer = (*Service)(nil)

// Register registers the service on the provided gRPC server.
func (s *Service) Register(grpcServer *grpc.Server) {
	grpcjson.Register()
	methods := make([]grpc.MethodDesc, 0, len(endpoints))
	for _, e := range endpoints {
		methods = append(methods, e.grpc)
	}
	grpcServer.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*LifecycleServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "lifecycle/v1/lifecycle.proto",
	}, s)
}

func (s *Service) Export(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	if err := required("tenant_id", req.TenantID); err != nil {
		return nil, err
	}
	b, err := s.Engine.Export(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	m, err := archive.ReadManifest(b)
	if err != nil {
		return nil, err
	}
	return &ExportResponse{Archive: b, Manifest: m}, nil
}

func (s *Service) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	if len(req.Archive) == 0 {
		return nil, fmt.Errorf("archive is required: %w", errInvalid)
	}
	policy := lifecycle.PolicyMerge
	if req.Policy != "" {
		p, err := lifecycle.ParsePolicy(req.Policy)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, errInvalid)
		}
		policy = p
	}
	issues, err := s.Engine.Validate(ctx, req.Archive, lifecycle.ValidateOptions{
		AllowPartial: req.AllowPartial,
		Target:       req.Target,
		Policy:       policy,
	})
	if err != nil {
		return nil, err
	}
	return &ValidateResponse{Valid: !validate.HasErrors(issues), Issues: nonNil(issues)}, nil
}

func (s *Service) Import(ctx context.Context, req *ImportRequest) (*ReportResponse, error) {
	if err := required("tenant_id", req.TenantID); err != nil {
		return nil, err
	}
	if len(req.Archive) == 0 {
		return nil, fmt.Errorf("archive is required: %w", errInvalid)
	}
	policy, err := lifecycle.ParsePolicy(req.Policy)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errInvalid)
	}
	r, err := s.Engine.Import(ctx, req.Archive, req.TenantID, policy, lifecycle.ImportOptions{
		Force:        req.Force,
		BestEffort:   req.BestEffort,
		AllowPartial: req.AllowPartial,
	})
	return s.report(r, err)
}

func (s *Service) Migrate(ctx context.Context, req *MigrateRequest) (*ReportResponse, error) {
	if err := required("source", req.Source); err != nil {
		return nil, err
	}
	if err := required("target", req.Target); err != nil {
		return nil, err
	}
	r, err := s.Engine.Migrate(ctx, req.Source, req.Target, lifecycle.MigrateOptions{DeleteSource: req.DeleteSource})
	return s.report(r, err)
}

func (s *Service) CheckTenant(ctx context.Context, req *CheckTenantRequest) (*CheckTenantResponse, error) {
	if err := required("tenant_id", req.TenantID); err != nil {
		return nil, err
	}
	issues, err := s.Engine.ValidateLiveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	return &CheckTenantResponse{Valid: !validate.HasErrors(issues), Issues: nonNil(issues)}, nil
}

// report returns a report-carrying error in the response body; only
// failures without a report become RPC errors.
func (s *Service) report(r *lifecycle.Report, err error) (*ReportResponse, error) {
	if r == nil {
		return nil, err
	}
	return &ReportResponse{Report: r, Error: detail(err)}, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required: %w", field, errInvalid)
	}
	return nil
}

func nonNil(issues []validate.Issue) []validate.Issue {
	if issues == nil {
		return []validate.Issue{}
	}
	return issues
}

// endpoint is one RPC exposed both as a gRPC method and a Connect route.
type endpoint struct {
	name string
	grpc grpc.MethodDesc
	call func(ctx context.Context, srv LifecycleServer, decode func(any) error) (any, error)
}

var endpoints = []endpoint{
	unary("Export", LifecycleServer.Export),
	unary("Validate", LifecycleServer.Validate),
	unary("Import", LifecycleServer.Import),
	unary("Migrate", LifecycleServer.Migrate),
	unary("CheckTenant", LifecycleServer.CheckTenant),
}

func unary[Req, Resp any](name string, fn func(LifecycleServer, context.Context, *Req) (*Resp, error)) endpoint {
	call := func(ctx context.Context, srv LifecycleServer, decode func(any) error) (any, error) {
		in := new(Req)
		if err := decode(in); err != nil {
			return nil, fmt.Errorf("decode request: %v: %w", err, errInvalid)
		}
		return fn(srv, ctx, in)
	}
	return endpoint{
		name: name,
		call: call,
		grpc: grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(Req)
				if err := dec(in); err != nil {
					return nil, err
				}
				h := func(ctx context.Context, req any) (any, error) {
					out, err := fn(srv.(LifecycleServer), ctx, req.(*Req))
					if err != nil {
						return nil, toStatus(err)
					}
					return out, nil
				}
				if interceptor == nil {
					return h(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
				return interceptor(ctx, in, info, h)
			},
		},
	}
}

// LoggingInterceptor logs every unary call with its status code.
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info("RPC handled",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}
